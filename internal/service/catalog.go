package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/model"
	"github.com/stemsi/exstem-certify/internal/validator"
)

// ExamCatalog holds the static exam configurations sessions run against.
type ExamCatalog struct {
	mu    sync.RWMutex
	exams map[string]*model.ExamConfig
}

// NewExamCatalog creates a catalog from already loaded exams.
func NewExamCatalog(exams ...*model.ExamConfig) (*ExamCatalog, error) {
	c := &ExamCatalog{exams: make(map[string]*model.ExamConfig, len(exams))}
	for _, e := range exams {
		if err := c.Add(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadExamCatalog reads every *.json exam file in dir.
func LoadExamCatalog(dir string, log zerolog.Logger) (*ExamCatalog, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list exam files: %w", err)
	}
	sort.Strings(files)

	c := &ExamCatalog{exams: make(map[string]*model.ExamConfig, len(files))}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		exam := &model.ExamConfig{}
		if err := json.Unmarshal(data, exam); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f, err)
		}
		if err := c.Add(exam); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
	}

	log.Info().
		Str("component", "exam_catalog").
		Str("dir", dir).
		Int("exams", len(c.exams)).
		Msg("Exam catalog loaded")
	return c, nil
}

// Add validates and registers an exam, replacing one with the same id.
func (c *ExamCatalog) Add(exam *model.ExamConfig) error {
	if err := validator.Struct(exam); err != nil {
		return model.NewValidationError("exam", err.Error())
	}
	if err := checkLayout(exam); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.exams[exam.ID] = exam
	return nil
}

// Get returns the exam with the given id.
func (c *ExamCatalog) Get(id string) (*model.ExamConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exam, ok := c.exams[id]
	if !ok {
		return nil, fmt.Errorf("exam %q: %w", id, model.ErrNotFound)
	}
	return exam, nil
}

// checkLayout enforces what tags cannot: ids unique across the exam and
// answer keys on every deterministic question.
func checkLayout(exam *model.ExamConfig) error {
	seen := make(map[string]bool)
	for _, s := range exam.Sections {
		if seen["section:"+s.ID] {
			return model.NewValidationError("sections", fmt.Sprintf("duplicate section id %q", s.ID))
		}
		seen["section:"+s.ID] = true
		for _, p := range s.Parts {
			for _, q := range p.Questions {
				if seen[q.ID] {
					return model.NewValidationError("questions", fmt.Sprintf("duplicate question id %q", q.ID))
				}
				seen[q.ID] = true
				if !q.Type.IsAIScored() && q.CorrectAnswer == "" {
					return model.NewValidationError("questions", fmt.Sprintf("question %q has no answer key", q.ID))
				}
			}
		}
	}
	return nil
}
