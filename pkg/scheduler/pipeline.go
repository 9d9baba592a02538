package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coscientist-ai/coscientist/pkg/agent"
)

// IterationStore is the slice of the context store the pipeline drives.
type IterationStore interface {
	StartNewIteration() (int, error)
	CompleteIteration(n int, summary map[string]any) (bool, error)
}

// Agents bundles the six specialized agents the pipeline coordinates.
type Agents struct {
	Generation *agent.GenerationAgent
	Reflection *agent.ReflectionAgent
	Ranking    *agent.RankingAgent
	Evolution  *agent.EvolutionAgent
	Proximity  *agent.ProximityAgent
	MetaReview *agent.MetaReviewAgent
}

// NewAgents builds the standard agent set over one gateway and store.
func NewAgents(gw agent.Gateway, mem agent.Memory, opts ...agent.Option) *Agents {
	return &Agents{
		Generation: agent.NewGenerationAgent(gw, mem, opts...),
		Reflection: agent.NewReflectionAgent(gw, mem, opts...),
		Ranking:    agent.NewRankingAgent(gw, mem, opts...),
		Evolution:  agent.NewEvolutionAgent(gw, mem, opts...),
		Proximity:  agent.NewProximityAgent(gw, mem, opts...),
		MetaReview: agent.NewMetaReviewAgent(gw, mem, opts...),
	}
}

// PipelineConfig tunes one research iteration.
type PipelineConfig struct {
	HypothesesPerIteration int     `yaml:"hypotheses_per_iteration"`
	SimilarityCutoff       float64 `yaml:"similarity_cutoff"`
	EvolveTopK             int     `yaml:"evolve_top_k"`
}

// SetDefaults fills zero fields with the documented defaults.
func (c *PipelineConfig) SetDefaults() {
	if c.HypothesesPerIteration <= 0 {
		c.HypothesesPerIteration = 4
	}
	if c.SimilarityCutoff <= 0 {
		c.SimilarityCutoff = 0.8
	}
	if c.EvolveTopK <= 0 {
		c.EvolveTopK = 2
	}
}

// IterationResult summarizes one completed research iteration.
type IterationResult struct {
	Iteration  int
	Ranked     []*agent.Hypothesis
	Evolved    []*agent.Hypothesis
	Rejected   int
	Duplicates int
	Patterns   *agent.ResearchPatterns
}

// Pipeline runs the generate, review, deduplicate, rank, evolve,
// meta-review loop over one iteration of the context store.
type Pipeline struct {
	agents *Agents
	store  IterationStore
	config PipelineConfig
	logger *slog.Logger
}

// NewPipeline builds a pipeline over the given agent set and store.
func NewPipeline(agents *Agents, store IterationStore, config PipelineConfig) *Pipeline {
	config.SetDefaults()
	return &Pipeline{
		agents: agents,
		store:  store,
		config: config,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// RunIteration executes one full research iteration toward the goal.
// The iteration is completed even when later stages fail, so the store
// never leaks an active iteration.
func (p *Pipeline) RunIteration(ctx context.Context, goal string) (*IterationResult, error) {
	n, err := p.store.StartNewIteration()
	if err != nil {
		return nil, fmt.Errorf("failed to start iteration: %w", err)
	}

	result, runErr := p.runStages(ctx, goal)
	summary := map[string]any{"goal": goal}
	if runErr != nil {
		summary["aborted"] = runErr.Error()
	} else {
		summary["ranked"] = len(result.Ranked)
		summary["rejected"] = result.Rejected
	}
	if _, err := p.store.CompleteIteration(n, summary); err != nil {
		p.logger.Warn("failed to complete iteration", "iteration", n, "error", err)
	}
	if runErr != nil {
		return nil, runErr
	}

	result.Iteration = n
	p.logger.Info("iteration complete", "iteration", n,
		"ranked", len(result.Ranked), "rejected", result.Rejected, "duplicates", result.Duplicates)
	return result, nil
}

func (p *Pipeline) runStages(ctx context.Context, goal string) (*IterationResult, error) {
	result := &IterationResult{}

	// Generate, cycling through the methods.
	methods := agent.Methods()
	var generated []*agent.Hypothesis
	for i := 0; i < p.config.HypothesesPerIteration; i++ {
		h, err := p.agents.Generation.Generate(ctx, goal, methods[i%len(methods)])
		if err != nil {
			p.logger.Warn("generation failed", "method", methods[i%len(methods)], "error", err)
			continue
		}
		generated = append(generated, h)
	}
	if len(generated) == 0 {
		return nil, fmt.Errorf("no hypotheses generated for goal %q", goal)
	}

	// Review. Unsafe or low-scoring hypotheses are dropped.
	evaluations := make(map[string]*agent.Evaluation)
	var reviewed []*agent.Hypothesis
	for _, h := range generated {
		ev, check, err := p.agents.Reflection.Review(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("review failed: %w", err)
		}
		if !check.Safe || !p.agents.Reflection.Passes(ev) {
			result.Rejected++
			continue
		}
		evaluations[h.ID] = ev
		reviewed = append(reviewed, h)
	}
	if len(reviewed) == 0 {
		return result, nil
	}

	// Deduplicate, then rank the survivors.
	distinct, err := p.agents.Proximity.Deduplicate(ctx, reviewed, p.config.SimilarityCutoff)
	if err != nil {
		return nil, fmt.Errorf("deduplication failed: %w", err)
	}
	result.Duplicates = len(reviewed) - len(distinct)

	ranked, err := p.agents.Ranking.Tournament(ctx, distinct)
	if err != nil {
		return nil, fmt.Errorf("ranking failed: %w", err)
	}
	result.Ranked = ranked

	// Evolve the top hypotheses using their critiques.
	for i := 0; i < len(ranked) && i < p.config.EvolveTopK; i++ {
		ev, ok := evaluations[ranked[i].ID]
		if !ok {
			continue
		}
		improved, err := p.agents.Evolution.Evolve(ctx, ranked[i], ev)
		if err != nil {
			p.logger.Warn("evolution failed", "hypothesis", ranked[i].ID, "error", err)
			continue
		}
		result.Evolved = append(result.Evolved, improved)
	}

	// Meta-review over everything the iteration produced.
	var artifacts []string
	for _, h := range ranked {
		artifacts = append(artifacts, h.Content)
	}
	for _, h := range result.Evolved {
		artifacts = append(artifacts, h.Content)
	}
	patterns, err := p.agents.MetaReview.Synthesize(ctx, artifacts)
	if err != nil {
		return nil, fmt.Errorf("meta-review failed: %w", err)
	}
	result.Patterns = patterns

	return result, nil
}
