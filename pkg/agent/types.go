// Package agent implements the specialized agent envelope: a uniform
// typed surface over the gateway plus persistence of every produced
// artifact into context memory.
package agent

import (
	"time"

	"github.com/google/uuid"
)

// Hypothesis is the canonical research hypothesis artifact.
type Hypothesis struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Method     string    `json:"method,omitempty"`
	Confidence float64   `json:"confidence"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewHypothesis builds a hypothesis with a generated id.
func NewHypothesis(content, method string) *Hypothesis {
	return &Hypothesis{
		ID:        "hyp_" + uuid.NewString()[:8],
		Content:   content,
		Method:    method,
		CreatedAt: time.Now().UTC(),
	}
}

// Evaluation is a reflection agent's review of one hypothesis.
type Evaluation struct {
	HypothesisID string  `json:"hypothesis_id"`
	Score        float64 `json:"score"`
	Critique     string  `json:"critique"`
	Confidence   float64 `json:"confidence"`
}

// SafetyCheck is the verdict of a safety review.
type SafetyCheck struct {
	Safe      bool     `json:"safe"`
	Concerns  []string `json:"concerns,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// Comparison is a ranking agent's pairwise verdict.
type Comparison struct {
	WinnerID  string `json:"winner_id"`
	LoserID   string `json:"loser_id"`
	Rationale string `json:"rationale"`
}

// Similarity is a proximity agent's distance measure.
type Similarity struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// ResearchPatterns summarizes recurring themes across artifacts.
type ResearchPatterns struct {
	Patterns []string `json:"patterns"`
	Summary  string   `json:"summary,omitempty"`
}

// ResearchGoal is the parsed form of a free-text goal.
type ResearchGoal struct {
	Goal        string   `json:"goal"`
	Domain      string   `json:"domain,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}
