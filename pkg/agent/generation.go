package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// Generation methods. The active method is selected per call by an
// explicit parameter.
const (
	MethodLiteratureBased = "literature_based"
	MethodDebate          = "debate"
	MethodAssumptions     = "assumptions"
	MethodExpansion       = "expansion"
)

var generationMethods = map[string]string{
	MethodLiteratureBased: "Ground the hypothesis in established literature: cite the mechanisms or findings it builds on.",
	MethodDebate:          "Stage an internal debate between a proponent and a skeptic, then state the hypothesis that survives.",
	MethodAssumptions:     "List the key assumptions in the research goal, challenge each, and derive a hypothesis from the weakest one.",
	MethodExpansion:       "Take the most promising direction implied by the goal and expand it into a broader, bolder hypothesis.",
}

// UnknownMethodError reports a generation method outside the closed set.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown generation method %q", e.Method)
}

// GenerationAgent produces hypotheses with one of four methods,
// tracking per-method success rates and a generation counter.
type GenerationAgent struct {
	*BaseAgent

	mu        sync.Mutex
	attempts  map[string]int
	successes map[string]int
	generated int
}

// NewGenerationAgent builds a generation agent.
func NewGenerationAgent(gw Gateway, mem Memory, opts ...Option) *GenerationAgent {
	return &GenerationAgent{
		BaseAgent: NewBaseAgent("generation", protocol.AgentGeneration, gw, mem, opts...),
		attempts:  make(map[string]int),
		successes: make(map[string]int),
	}
}

// Generate produces a hypothesis using the given method.
func (g *GenerationAgent) Generate(ctx context.Context, goal, method string) (*Hypothesis, error) {
	instructions, ok := generationMethods[method]
	if !ok {
		return nil, &UnknownMethodError{Method: method}
	}

	h, err := g.GenerateHypothesis(ctx, fmt.Sprintf("%s\n\nApproach: %s", goal, instructions),
		map[string]any{"method": method})

	g.mu.Lock()
	g.attempts[method]++
	if err == nil {
		g.successes[method]++
		g.generated++
	}
	g.mu.Unlock()

	return h, err
}

// SuccessRate reports the method's smoothed success rate. Untried
// methods start at 0.5.
func (g *GenerationAgent) SuccessRate(method string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Laplace smoothing keeps the prior at 0.5 and moves with evidence.
	return float64(g.successes[method]+1) / float64(g.attempts[method]+2)
}

// BestMethod returns the method with the highest success rate.
func (g *GenerationAgent) BestMethod() string {
	best, bestRate := MethodLiteratureBased, -1.0
	for _, method := range Methods() {
		if rate := g.SuccessRate(method); rate > bestRate {
			best, bestRate = method, rate
		}
	}
	return best
}

// Generated reports how many hypotheses this agent has produced.
func (g *GenerationAgent) Generated() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generated
}

// Methods lists the supported generation methods.
func Methods() []string {
	return []string{MethodLiteratureBased, MethodDebate, MethodAssumptions, MethodExpansion}
}
