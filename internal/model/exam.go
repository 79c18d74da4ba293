package model

// QuestionType enumerates how a question is scored.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeTrueFalse      QuestionType = "true_false"
	QuestionTypeShortAnswer    QuestionType = "short_answer"
	QuestionTypeEssay          QuestionType = "essay"
	QuestionTypeSpeaking       QuestionType = "speaking"
)

// IsAIScored reports whether answers of this type go through the scoring pipeline.
func (t QuestionType) IsAIScored() bool {
	return t == QuestionTypeEssay || t == QuestionTypeSpeaking
}

// Question is one item of an exam part.
type Question struct {
	ID            string       `json:"id" validate:"required"`
	Type          QuestionType `json:"type" validate:"required,oneof=multiple_choice true_false short_answer essay speaking"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Points        float64      `json:"points" validate:"gte=0"`
}

// Part is an ordered group of questions sharing one task type.
type Part struct {
	ID        string            `json:"id" validate:"required"`
	Task      TaskType          `json:"task" validate:"required"`
	Committee []CommitteeMember `json:"committee,omitempty" validate:"omitempty,dive"`
	Questions []Question        `json:"questions" validate:"required,min=1,dive"`
}

// Section is a top-level division of an exam.
type Section struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title"`
	Parts []Part `json:"parts" validate:"required,min=1,dive"`
}

// WarningConfig configures one timer threshold warning.
type WarningConfig struct {
	ThresholdSeconds int    `json:"threshold_seconds" validate:"gt=0"`
	Message          string `json:"message"`
}

// ExamConfig is the static configuration of an exam.
type ExamConfig struct {
	ID              string          `json:"id" validate:"required"`
	CourseID        string          `json:"course_id"`
	Title           string          `json:"title" validate:"required"`
	Provider        string          `json:"provider" validate:"required"`
	Level           CEFRLevel       `json:"level" validate:"required,oneof=A1 A2 B1 B2 C1 C2"`
	DurationSeconds int             `json:"duration_seconds" validate:"required,min=60"`
	AllowPause      bool            `json:"allow_pause"`
	MaxPauseSeconds int             `json:"max_pause_seconds" validate:"gte=0"`
	Warnings        []WarningConfig `json:"warnings" validate:"dive"`
	WebhookURL      string          `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Sections        []Section       `json:"sections" validate:"required,min=1,dive"`
}

// TotalQuestions counts every question across all sections.
func (e *ExamConfig) TotalQuestions() int {
	n := 0
	for _, s := range e.Sections {
		for _, p := range s.Parts {
			n += len(p.Questions)
		}
	}
	return n
}

// QuestionRef locates a question inside an exam.
type QuestionRef struct {
	Section  *Section
	Part     *Part
	Question *Question
	Index    int
}

// FindQuestion returns the location of a question id.
func (e *ExamConfig) FindQuestion(id string) (QuestionRef, bool) {
	for si := range e.Sections {
		s := &e.Sections[si]
		for pi := range s.Parts {
			p := &s.Parts[pi]
			for qi := range p.Questions {
				if p.Questions[qi].ID == id {
					return QuestionRef{Section: s, Part: p, Question: &p.Questions[qi], Index: qi}, true
				}
			}
		}
	}
	return QuestionRef{}, false
}
