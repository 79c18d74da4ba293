package scoring

import (
	"math"
	"strings"

	"github.com/stemsi/exstem-certify/internal/model"
)

// Submission is one AI-scored answer handed to the scoring pipeline.
type Submission struct {
	QuestionID string                  `json:"question_id"`
	Task       model.TaskType          `json:"task"`
	Answer     string                  `json:"answer"`
	Committee  []model.CommitteeMember `json:"committee,omitempty"`
}

// GradeObjective scores every deterministic question against its answer key.
// Unanswered questions count as wrong. The returned map holds the points
// awarded per graded question.
func GradeObjective(exam *model.ExamConfig, answers map[string]model.AnswerRecord) (model.ObjectiveScore, map[string]float64) {
	var score model.ObjectiveScore
	awarded := make(map[string]float64)

	for _, s := range exam.Sections {
		for _, p := range s.Parts {
			for _, q := range p.Questions {
				if q.Type.IsAIScored() {
					continue
				}
				points := q.Points
				if points <= 0 {
					points = 1
				}
				score.Total++
				score.MaxPoints += points

				rec, ok := answers[q.ID]
				if !ok {
					continue
				}
				got := 0.0
				if matchesKey(rec.Answer, q.CorrectAnswer) {
					got = points
					score.Correct++
					score.Points += points
				}
				awarded[q.ID] = got
			}
		}
	}

	if score.MaxPoints > 0 {
		score.Percentage = round2(score.Points / score.MaxPoints * 100)
	}
	return score, awarded
}

// AISubmissions collects the answered questions that need committee scoring.
func AISubmissions(exam *model.ExamConfig, answers map[string]model.AnswerRecord) []Submission {
	var out []Submission
	for _, s := range exam.Sections {
		for _, p := range s.Parts {
			for _, q := range p.Questions {
				if !q.Type.IsAIScored() {
					continue
				}
				rec, ok := answers[q.ID]
				if !ok || strings.TrimSpace(rec.Answer) == "" {
					continue
				}
				out = append(out, Submission{
					QuestionID: q.ID,
					Task:       p.Task,
					Answer:     rec.Answer,
					Committee:  p.Committee,
				})
			}
		}
	}
	return out
}

func matchesKey(answer, key string) bool {
	if key == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(key))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
