package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stemsi/exstem-certify/internal/model"
)

func TestNotFound(t *testing.T) {
	err := notFound(fmt.Errorf("scan: %w", pgx.ErrNoRows), "session x")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	other := errors.New("connection refused")
	if got := notFound(other, "session x"); got != other {
		t.Fatalf("non-empty-result error rewritten: %v", got)
	}
}

func TestMarshalNullable(t *testing.T) {
	var r *model.SessionResult
	b, err := marshalNullable(r)
	if err != nil || b != nil {
		t.Fatalf("nil pointer = %q, %v; want SQL NULL", b, err)
	}

	b, err = marshalNullable(&model.SessionResult{PendingComponents: 2})
	if err != nil || len(b) == 0 {
		t.Fatalf("marshal = %q, %v", b, err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: "uq_exam_sessions_active"})
	if !isUniqueViolation(err, "uq_exam_sessions_active") {
		t.Fatal("unique violation not detected")
	}
	if isUniqueViolation(err, "exam_sessions_pkey") {
		t.Fatal("matched the wrong constraint")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503", ConstraintName: "uq_exam_sessions_active"}, "uq_exam_sessions_active") {
		t.Fatal("foreign key violation treated as unique")
	}
}
