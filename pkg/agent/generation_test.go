package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

func TestGenerateRejectsUnknownMethod(t *testing.T) {
	g := NewGenerationAgent(newStubGateway(), nil)

	_, err := g.Generate(context.Background(), "goal", "vibes")
	var methodErr *UnknownMethodError
	if !errors.As(err, &methodErr) {
		t.Fatalf("err = %v, want UnknownMethodError", err)
	}
	if methodErr.Method != "vibes" {
		t.Errorf("method = %q", methodErr.Method)
	}
}

func TestGenerateRecordsMethod(t *testing.T) {
	gw := newStubGateway()
	gw.responses[protocol.RequestGenerate] = "a hypothesis"
	g := NewGenerationAgent(gw, nil)

	h, err := g.Generate(context.Background(), "goal", MethodDebate)
	if err != nil {
		t.Fatal(err)
	}
	if h.Method != MethodDebate {
		t.Errorf("method = %q, want %q", h.Method, MethodDebate)
	}
	if g.Generated() != 1 {
		t.Errorf("generated = %d, want 1", g.Generated())
	}
}

func TestSuccessRateStartsAtPrior(t *testing.T) {
	g := NewGenerationAgent(newStubGateway(), nil)
	for _, method := range Methods() {
		if rate := g.SuccessRate(method); rate != 0.5 {
			t.Errorf("SuccessRate(%s) = %v, want 0.5 before any attempts", method, rate)
		}
	}
}

func TestSuccessRateMovesWithEvidence(t *testing.T) {
	gw := newStubGateway()
	g := NewGenerationAgent(gw, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.Generate(ctx, "goal", MethodExpansion); err != nil {
			t.Fatal(err)
		}
	}
	// 3 successes in 3 attempts smoothed: (3+1)/(3+2).
	if rate := g.SuccessRate(MethodExpansion); rate != 0.8 {
		t.Errorf("SuccessRate = %v, want 0.8", rate)
	}

	gw.errorInfo = &protocol.ErrorInfo{Code: "upstream_failure", Message: "boom"}
	for i := 0; i < 3; i++ {
		if _, err := g.Generate(ctx, "goal", MethodDebate); err == nil {
			t.Fatal("expected gateway error")
		}
	}
	// 0 successes in 3 attempts smoothed: 1/5.
	if rate := g.SuccessRate(MethodDebate); rate != 0.2 {
		t.Errorf("SuccessRate = %v, want 0.2", rate)
	}

	if got := g.BestMethod(); got != MethodExpansion {
		t.Errorf("BestMethod = %q, want %q", got, MethodExpansion)
	}
}

func TestBestMethodDefaultsDeterministically(t *testing.T) {
	g := NewGenerationAgent(newStubGateway(), nil)
	if got := g.BestMethod(); got != MethodLiteratureBased {
		t.Errorf("BestMethod with no evidence = %q, want %q", got, MethodLiteratureBased)
	}
}
