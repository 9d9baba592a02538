package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

func TestReflectionReviewAndThreshold(t *testing.T) {
	gw := newStubGateway()
	gw.responses[protocol.RequestEvaluate] = "SAFE\nSolid mechanism.\nSCORE: 0.9"
	r := NewReflectionAgent(gw, nil)

	ev, check, err := r.Review(context.Background(), NewHypothesis("h", ""))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Score != 0.9 {
		t.Errorf("score = %v, want 0.9", ev.Score)
	}
	if !check.Safe {
		t.Error("safety check should pass")
	}
	if !r.Passes(ev) {
		t.Error("0.9 should clear the default 0.5 threshold")
	}

	if r.Passes(&Evaluation{Score: 0.2}) {
		t.Error("0.2 should not clear the threshold")
	}
}

func TestTournamentRanksByWins(t *testing.T) {
	gw := newStubGateway()
	// Hypothesis 2 always wins, so later entries collect more wins.
	gw.responses[protocol.RequestCompare] = "WINNER: 2\nmore testable"
	r := NewRankingAgent(gw, nil)

	hs := []*Hypothesis{NewHypothesis("a", ""), NewHypothesis("b", ""), NewHypothesis("c", "")}
	ranked, err := r.Tournament(context.Background(), hs)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 3 {
		t.Fatalf("ranked = %d hypotheses", len(ranked))
	}
	if ranked[0].ID != hs[2].ID {
		t.Errorf("winner = %q, want %q", ranked[0].Content, hs[2].Content)
	}
	if ranked[2].ID != hs[0].ID {
		t.Errorf("loser = %q, want %q", ranked[2].Content, hs[0].Content)
	}
}

func TestTournamentSkipsTrivialFields(t *testing.T) {
	r := NewRankingAgent(newStubGateway(), nil)
	one := []*Hypothesis{NewHypothesis("only", "")}
	ranked, err := r.Tournament(context.Background(), one)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 || ranked[0] != one[0] {
		t.Errorf("single-entry tournament should be identity, got %v", ranked)
	}
}

func TestEvolveUsesCritique(t *testing.T) {
	gw := newStubGateway()
	gw.responses[protocol.RequestGenerate] = "sharper hypothesis"
	e := NewEvolutionAgent(gw, nil)

	h := NewHypothesis("vague hypothesis", MethodDebate)
	improved, err := e.Evolve(context.Background(), h, &Evaluation{HypothesisID: h.ID, Critique: "too vague"})
	if err != nil {
		t.Fatal(err)
	}
	if improved.Content != "sharper hypothesis" {
		t.Errorf("content = %q", improved.Content)
	}
	if improved.Method != MethodDebate {
		t.Errorf("method = %q, should carry over", improved.Method)
	}
	if improved.ID == h.ID {
		t.Error("evolved hypothesis must get a fresh id")
	}
}

func TestDeduplicateDropsNearDuplicates(t *testing.T) {
	gw := newStubGateway()
	gw.responses[protocol.RequestAnalyze] = "near identical\nSCORE: 0.95"
	p := NewProximityAgent(gw, nil)

	hs := []*Hypothesis{NewHypothesis("a", ""), NewHypothesis("a again", ""), NewHypothesis("a once more", "")}
	kept, err := p.Deduplicate(context.Background(), hs, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 1 || kept[0].ID != hs[0].ID {
		t.Errorf("kept = %d hypotheses, want only the first survivor", len(kept))
	}
}

func TestDeduplicateKeepsDistinct(t *testing.T) {
	gw := newStubGateway()
	gw.responses[protocol.RequestAnalyze] = "unrelated\nSCORE: 0.1"
	p := NewProximityAgent(gw, nil)

	hs := []*Hypothesis{NewHypothesis("a", ""), NewHypothesis("b", "")}
	kept, err := p.Deduplicate(context.Background(), hs, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 2 {
		t.Errorf("kept = %d, want 2 distinct hypotheses", len(kept))
	}
}

func TestSynthesizeExtractsPatterns(t *testing.T) {
	gw := newStubGateway()
	gw.responses[protocol.RequestAnalyze] = "Recurring themes:\n- protein misfolding\n- metabolic stress"
	m := NewMetaReviewAgent(gw, nil)

	patterns, err := m.Synthesize(context.Background(), []string{"artifact one", "artifact two"})
	if err != nil {
		t.Fatal(err)
	}
	if len(patterns.Patterns) != 2 {
		t.Fatalf("patterns = %v, want 2", patterns.Patterns)
	}
	if patterns.Patterns[0] != "protein misfolding" {
		t.Errorf("pattern = %q", patterns.Patterns[0])
	}
}

func TestSafetyLoggerRecordsArtifacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safety.jsonl")
	sl, err := NewSafetyLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	gw := newStubGateway()
	gw.responses[protocol.RequestGenerate] = "a hypothesis"
	mem := &stubMemory{}
	a := NewBaseAgent("test", protocol.AgentGeneration, gw, mem, WithSafetyLogger(sl))

	if _, err := a.GenerateHypothesis(context.Background(), "goal", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GenerateHypothesis(context.Background(), "goal", nil); err != nil {
		t.Fatal(err)
	}

	entries, err := sl.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0]["agent"] != "test" || entries[0]["task"] != "generate_hypothesis" {
		t.Errorf("entry = %+v", entries[0])
	}
}
