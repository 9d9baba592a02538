package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/coscientist-ai/coscientist/pkg/memory"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// pipelineGateway answers each request type with a fixed completion.
type pipelineGateway struct {
	mu        sync.Mutex
	responses map[protocol.RequestType]string
	calls     int
}

func (g *pipelineGateway) respond(req *protocol.Request) *protocol.Response {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return protocol.SuccessResponse(req.RequestID, g.responses[req.RequestType],
		map[string]any{"model": "gpt-4"})
}

func (g *pipelineGateway) Generate(ctx context.Context, req *protocol.Request) *protocol.Response {
	return g.respond(req)
}
func (g *pipelineGateway) Analyze(ctx context.Context, req *protocol.Request) *protocol.Response {
	return g.respond(req)
}
func (g *pipelineGateway) Evaluate(ctx context.Context, req *protocol.Request) *protocol.Response {
	return g.respond(req)
}
func (g *pipelineGateway) Compare(ctx context.Context, req *protocol.Request) *protocol.Response {
	return g.respond(req)
}

func newPipelineStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.New(memory.Config{
		RootDir:       t.TempDir(),
		RetentionDays: 30,
		MaxStorageGB:  1,
		WriterID:      "pipeline-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestRunIterationFullLoop(t *testing.T) {
	gw := &pipelineGateway{responses: map[protocol.RequestType]string{
		protocol.RequestGenerate: "a testable hypothesis",
		// Serves both evaluation and safety check.
		protocol.RequestEvaluate: "SAFE\nWell grounded.\nSCORE: 0.9",
		// Serves similarity (distinct) and pattern extraction.
		protocol.RequestAnalyze: "SCORE: 0.1\n- mechanism reuse",
		protocol.RequestCompare: "WINNER: 1\nstronger",
	}}
	store := newPipelineStore(t)
	p := NewPipeline(NewAgents(gw, store), store, PipelineConfig{HypothesesPerIteration: 3, EvolveTopK: 1})

	result, err := p.RunIteration(context.Background(), "map ALS pathways")
	if err != nil {
		t.Fatal(err)
	}
	if result.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", result.Iteration)
	}
	if len(result.Ranked) != 3 {
		t.Errorf("ranked = %d, want 3", len(result.Ranked))
	}
	if len(result.Evolved) != 1 {
		t.Errorf("evolved = %d, want 1", len(result.Evolved))
	}
	if result.Patterns == nil || len(result.Patterns.Patterns) != 1 {
		t.Errorf("patterns = %+v", result.Patterns)
	}

	// The iteration must be completed so the next one can start.
	if _, err := store.StartNewIteration(); err != nil {
		t.Errorf("next iteration blocked: %v", err)
	}
	iterations, err := store.ListIterations()
	if err != nil {
		t.Fatal(err)
	}
	if len(iterations) != 2 {
		t.Errorf("iterations = %d, want 2", len(iterations))
	}
}

func TestRunIterationRejectsUnsafeHypotheses(t *testing.T) {
	gw := &pipelineGateway{responses: map[protocol.RequestType]string{
		protocol.RequestGenerate: "a dangerous hypothesis",
		protocol.RequestEvaluate: "UNSAFE\n- dual-use concern\nSCORE: 0.9",
	}}
	store := newPipelineStore(t)
	p := NewPipeline(NewAgents(gw, store), store, PipelineConfig{HypothesesPerIteration: 2})

	result, err := p.RunIteration(context.Background(), "goal")
	if err != nil {
		t.Fatal(err)
	}
	if result.Rejected != 2 {
		t.Errorf("rejected = %d, want 2", result.Rejected)
	}
	if len(result.Ranked) != 0 {
		t.Errorf("ranked = %d, want 0", len(result.Ranked))
	}
}

func TestRunIterationDropsDuplicates(t *testing.T) {
	gw := &pipelineGateway{responses: map[protocol.RequestType]string{
		protocol.RequestGenerate: "the same hypothesis every time",
		protocol.RequestEvaluate: "SAFE\nfine\nSCORE: 0.8",
		// High similarity collapses the population to one survivor.
		protocol.RequestAnalyze: "SCORE: 0.95\n- repetition",
		protocol.RequestCompare: "WINNER: 1",
	}}
	store := newPipelineStore(t)
	p := NewPipeline(NewAgents(gw, store), store, PipelineConfig{HypothesesPerIteration: 3})

	result, err := p.RunIteration(context.Background(), "goal")
	if err != nil {
		t.Fatal(err)
	}
	if result.Duplicates != 2 {
		t.Errorf("duplicates = %d, want 2", result.Duplicates)
	}
	if len(result.Ranked) != 1 {
		t.Errorf("ranked = %d, want 1", len(result.Ranked))
	}
}

func TestRunIterationPersistsAgentOutputs(t *testing.T) {
	gw := &pipelineGateway{responses: map[protocol.RequestType]string{
		protocol.RequestGenerate: "a hypothesis",
		protocol.RequestEvaluate: "SAFE\nfine\nSCORE: 0.8",
		protocol.RequestAnalyze:  "SCORE: 0.1\n- theme",
		protocol.RequestCompare:  "WINNER: 2",
	}}
	store := newPipelineStore(t)
	p := NewPipeline(NewAgents(gw, store), store, PipelineConfig{HypothesesPerIteration: 2})

	if _, err := p.RunIteration(context.Background(), "goal"); err != nil {
		t.Fatal(err)
	}

	stats, err := store.IterationStatistics(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.AgentOutputs) == 0 {
		t.Error("iteration should hold persisted agent outputs")
	}
	if stats.AgentOutputs["generation"] == 0 {
		t.Errorf("generation outputs missing: %v", stats.AgentOutputs)
	}
}
