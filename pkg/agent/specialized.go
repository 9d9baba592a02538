package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// ReflectionAgent reviews hypotheses and flags the ones below the
// confidence threshold.
type ReflectionAgent struct {
	*BaseAgent
}

// NewReflectionAgent builds a reflection agent.
func NewReflectionAgent(gw Gateway, mem Memory, opts ...Option) *ReflectionAgent {
	return &ReflectionAgent{NewBaseAgent("reflection", protocol.AgentReflection, gw, mem, opts...)}
}

// Review evaluates a hypothesis and runs a safety check on it.
func (r *ReflectionAgent) Review(ctx context.Context, h *Hypothesis) (*Evaluation, *SafetyCheck, error) {
	ev, err := r.EvaluateHypothesis(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	check, err := r.PerformSafetyCheck(ctx, h.Content)
	if err != nil {
		return ev, nil, err
	}
	return ev, check, nil
}

// Passes reports whether an evaluation clears the agent's threshold.
func (r *ReflectionAgent) Passes(ev *Evaluation) bool {
	return ev.Score >= r.config.ConfidenceThreshold
}

// RankingAgent orders hypotheses via pairwise tournament comparisons.
type RankingAgent struct {
	*BaseAgent
}

// NewRankingAgent builds a ranking agent.
func NewRankingAgent(gw Gateway, mem Memory, opts ...Option) *RankingAgent {
	return &RankingAgent{NewBaseAgent("ranking", protocol.AgentRanking, gw, mem, opts...)}
}

// Tournament compares every pair and returns hypotheses sorted by win
// count, best first.
func (r *RankingAgent) Tournament(ctx context.Context, hypotheses []*Hypothesis) ([]*Hypothesis, error) {
	if len(hypotheses) < 2 {
		return hypotheses, nil
	}

	wins := make(map[string]int)
	for i := 0; i < len(hypotheses); i++ {
		for j := i + 1; j < len(hypotheses); j++ {
			cmp, err := r.CompareHypotheses(ctx, hypotheses[i], hypotheses[j])
			if err != nil {
				return nil, fmt.Errorf("tournament comparison failed: %w", err)
			}
			wins[cmp.WinnerID]++
		}
	}

	ranked := make([]*Hypothesis, len(hypotheses))
	copy(ranked, hypotheses)
	sort.SliceStable(ranked, func(i, j int) bool {
		return wins[ranked[i].ID] > wins[ranked[j].ID]
	})
	return ranked, nil
}

// EvolutionAgent improves surviving hypotheses with reviewer feedback.
type EvolutionAgent struct {
	*BaseAgent
}

// NewEvolutionAgent builds an evolution agent.
func NewEvolutionAgent(gw Gateway, mem Memory, opts ...Option) *EvolutionAgent {
	return &EvolutionAgent{NewBaseAgent("evolution", protocol.AgentEvolution, gw, mem, opts...)}
}

// Evolve enhances a hypothesis using its evaluation critique.
func (e *EvolutionAgent) Evolve(ctx context.Context, h *Hypothesis, ev *Evaluation) (*Hypothesis, error) {
	return e.EnhanceHypothesis(ctx, h, ev.Critique)
}

// ProximityAgent measures similarity to keep the population diverse.
type ProximityAgent struct {
	*BaseAgent
}

// NewProximityAgent builds a proximity agent.
func NewProximityAgent(gw Gateway, mem Memory, opts ...Option) *ProximityAgent {
	return &ProximityAgent{NewBaseAgent("proximity", protocol.AgentProximity, gw, mem, opts...)}
}

// Deduplicate drops hypotheses whose similarity to an earlier survivor
// exceeds the cutoff.
func (p *ProximityAgent) Deduplicate(ctx context.Context, hypotheses []*Hypothesis, cutoff float64) ([]*Hypothesis, error) {
	var kept []*Hypothesis
	for _, h := range hypotheses {
		duplicate := false
		for _, k := range kept {
			sim, err := p.CalculateSimilarity(ctx, h, k)
			if err != nil {
				return nil, err
			}
			if sim.Score > cutoff {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, h)
		}
	}
	return kept, nil
}

// MetaReviewAgent distills cross-iteration patterns from artifacts.
type MetaReviewAgent struct {
	*BaseAgent
}

// NewMetaReviewAgent builds a meta-review agent.
func NewMetaReviewAgent(gw Gateway, mem Memory, opts ...Option) *MetaReviewAgent {
	return &MetaReviewAgent{NewBaseAgent("meta-review", protocol.AgentMetaReview, gw, mem, opts...)}
}

// Synthesize extracts research patterns from a set of artifacts.
func (m *MetaReviewAgent) Synthesize(ctx context.Context, artifacts []string) (*ResearchPatterns, error) {
	return m.ExtractResearchPatterns(ctx, artifacts)
}
