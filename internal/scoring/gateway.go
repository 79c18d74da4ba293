package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stemsi/exstem-certify/internal/model"
)

// GatewayScorer calls an HTTP model gateway that fronts the LLM and human
// scoring backends.
type GatewayScorer struct {
	url    string
	client *http.Client
}

// NewGatewayScorer creates a GatewayScorer posting to url.
func NewGatewayScorer(url string, timeout time.Duration) *GatewayScorer {
	return &GatewayScorer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type gatewayRequest struct {
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Seed        *int64        `json:"seed,omitempty"`
	Rubric      gatewayRubric `json:"rubric"`
	Payload     string        `json:"payload"`
}

type gatewayRubric struct {
	ID       string          `json:"id"`
	Version  int             `json:"version"`
	Task     model.TaskType  `json:"task"`
	Level    model.CEFRLevel `json:"level"`
	MaxScore float64         `json:"max_score"`
	Criteria json.RawMessage `json:"criteria,omitempty"`
}

// Score posts the payload to the gateway and decodes its verdict.
func (g *GatewayScorer) Score(ctx context.Context, payload string, rubric model.Rubric, member model.CommitteeMember) (MemberResult, error) {
	body, err := json.Marshal(gatewayRequest{
		Provider:    member.Provider,
		Model:       member.Model,
		Temperature: member.Temperature,
		Seed:        member.Seed,
		Rubric: gatewayRubric{
			ID:       rubric.ID.String(),
			Version:  rubric.Version,
			Task:     rubric.Task,
			Level:    rubric.Level,
			MaxScore: rubric.MaxScore,
			Criteria: rubric.Criteria,
		},
		Payload: payload,
	})
	if err != nil {
		return MemberResult{}, fmt.Errorf("encode scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return MemberResult{}, fmt.Errorf("build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return MemberResult{}, fmt.Errorf("scoring gateway network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return MemberResult{}, fmt.Errorf("scoring gateway rate limit (status %d)", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		return MemberResult{}, fmt.Errorf("scoring gateway service unavailable (status %d)", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return MemberResult{}, fmt.Errorf("scoring gateway rejected request (status %d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out MemberResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return MemberResult{}, fmt.Errorf("decode scoring response: %w", err)
	}
	if out.Score < 0 || (rubric.MaxScore > 0 && out.Score > rubric.MaxScore) {
		return MemberResult{}, fmt.Errorf("scoring gateway returned out-of-range score %.2f (max %.2f)", out.Score, rubric.MaxScore)
	}
	return out, nil
}
