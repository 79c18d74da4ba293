// Package progress tracks which questions of an exam have been answered.
package progress

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/stemsi/exstem-certify/internal/clock"
	"github.com/stemsi/exstem-certify/internal/model"
)

// Update is returned after every recorded answer.
type Update struct {
	QuestionID      string `json:"question_id"`
	SectionID       string `json:"section_id"`
	AnsweredCount   int    `json:"answered_count"`
	TotalQuestions  int    `json:"total_questions"`
	Percentage      int    `json:"percentage"`
	SectionComplete bool   `json:"section_complete"`
	// NextQuestionID is empty when the question is the last of its part;
	// the caller navigates to the next part or section explicitly.
	NextQuestionID string `json:"next_question_id,omitempty"`
}

// Progress is a completion summary for a section or the whole exam.
type Progress struct {
	Answered   int `json:"answered"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

type position struct {
	section string
	part    *model.Part
	index   int
}

type questionTimer struct {
	startedAt *time.Time
	total     time.Duration
}

// Tracker records answered questions. It is not safe for concurrent use.
type Tracker struct {
	clk       clock.Clock
	positions map[string]position
	sections  map[string][]string
	answered  map[string]struct{}
	timers    map[string]*questionTimer
	total     int
}

// NewTracker builds a tracker for the exam layout.
func NewTracker(exam *model.ExamConfig, clk clock.Clock) *Tracker {
	t := &Tracker{
		clk:       clk,
		positions: make(map[string]position),
		sections:  make(map[string][]string),
		answered:  make(map[string]struct{}),
		timers:    make(map[string]*questionTimer),
	}
	for si := range exam.Sections {
		s := &exam.Sections[si]
		for pi := range s.Parts {
			p := &s.Parts[pi]
			for qi, q := range p.Questions {
				t.positions[q.ID] = position{section: s.ID, part: p, index: qi}
				t.sections[s.ID] = append(t.sections[s.ID], q.ID)
				t.total++
			}
		}
	}
	return t
}

// RecordAnswer marks a question answered. Re-answering keeps the count.
func (t *Tracker) RecordAnswer(questionID, answer string) (Update, error) {
	pos, ok := t.positions[questionID]
	if !ok {
		return Update{}, model.NewValidationError("question_id", fmt.Sprintf("unknown question %q", questionID))
	}
	if strings.TrimSpace(answer) == "" {
		return Update{}, model.NewValidationError("answer", "must not be empty")
	}
	t.answered[questionID] = struct{}{}

	overall := t.OverallProgress()
	u := Update{
		QuestionID:      questionID,
		SectionID:       pos.section,
		AnsweredCount:   overall.Answered,
		TotalQuestions:  overall.Total,
		Percentage:      overall.Percentage,
		SectionComplete: t.sectionComplete(pos.section),
	}
	if next := pos.index + 1; next < len(pos.part.Questions) {
		u.NextQuestionID = pos.part.Questions[next].ID
	}
	return u, nil
}

// Restore marks previously answered questions, ignoring unknown ids.
func (t *Tracker) Restore(questionIDs []string) {
	for _, id := range questionIDs {
		if _, ok := t.positions[id]; ok {
			t.answered[id] = struct{}{}
		}
	}
}

// SectionProgress returns completion for one section.
func (t *Tracker) SectionProgress(sectionID string) (Progress, error) {
	ids, ok := t.sections[sectionID]
	if !ok {
		return Progress{}, fmt.Errorf("section %q: %w", sectionID, model.ErrNotFound)
	}
	n := 0
	for _, id := range ids {
		if _, ok := t.answered[id]; ok {
			n++
		}
	}
	return newProgress(n, len(ids)), nil
}

// OverallProgress returns completion for the whole exam.
func (t *Tracker) OverallProgress() Progress {
	return newProgress(len(t.answered), t.total)
}

// IsComplete reports whether every question has an answer.
func (t *Tracker) IsComplete() bool {
	return t.total > 0 && len(t.answered) == t.total
}

// IsAnswered reports whether a question has an answer.
func (t *Tracker) IsAnswered(questionID string) bool {
	_, ok := t.answered[questionID]
	return ok
}

// SectionOf returns the section containing a question.
func (t *Tracker) SectionOf(questionID string) (string, bool) {
	pos, ok := t.positions[questionID]
	return pos.section, ok
}

func (t *Tracker) sectionComplete(sectionID string) bool {
	for _, id := range t.sections[sectionID] {
		if _, ok := t.answered[id]; !ok {
			return false
		}
	}
	return true
}

// StartQuestionTimer starts measuring time spent on a question.
// Starting an already running question timer is a no-op.
func (t *Tracker) StartQuestionTimer(questionID string) error {
	if _, ok := t.positions[questionID]; !ok {
		return model.NewValidationError("question_id", fmt.Sprintf("unknown question %q", questionID))
	}
	qt := t.timers[questionID]
	if qt == nil {
		qt = &questionTimer{}
		t.timers[questionID] = qt
	}
	if qt.startedAt == nil {
		now := t.clk.Now()
		qt.startedAt = &now
	}
	return nil
}

// StopQuestionTimer stops measuring a question and returns its accumulated time.
func (t *Tracker) StopQuestionTimer(questionID string) (time.Duration, error) {
	qt := t.timers[questionID]
	if qt == nil {
		return 0, fmt.Errorf("question timer %q: %w", questionID, model.ErrNotFound)
	}
	if qt.startedAt != nil {
		qt.total += t.clk.Now().Sub(*qt.startedAt)
		qt.startedAt = nil
	}
	return qt.total, nil
}

// TimeOnQuestion returns accumulated time, including a running interval.
func (t *Tracker) TimeOnQuestion(questionID string) time.Duration {
	qt := t.timers[questionID]
	if qt == nil {
		return 0
	}
	d := qt.total
	if qt.startedAt != nil {
		d += t.clk.Now().Sub(*qt.startedAt)
	}
	return d
}

// StopAllQuestionTimers closes every running question interval.
func (t *Tracker) StopAllQuestionTimers() {
	for id, qt := range t.timers {
		if qt.startedAt != nil {
			_, _ = t.StopQuestionTimer(id)
		}
	}
}

func newProgress(answered, total int) Progress {
	p := Progress{Answered: answered, Total: total}
	if total > 0 {
		p.Percentage = int(math.Round(float64(answered) / float64(total) * 100))
	}
	return p
}
