package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/capability"
	"github.com/coscientist-ai/coscientist/pkg/logger"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
	"github.com/coscientist-ai/coscientist/pkg/ratelimit"
	"github.com/coscientist-ai/coscientist/pkg/reliability"
)

func testCaps(t *testing.T) *capability.Registry {
	t.Helper()
	caps := capability.NewRegistry()
	if err := caps.Register("gpt-4", capability.Capabilities{
		MaxContext:      128000,
		MaxOutputTokens: 16384,
		CostInPer1K:     0.03,
		CostOutPer1K:    0.06,
	}); err != nil {
		t.Fatal(err)
	}
	if err := caps.Register("gpt-3.5-turbo", capability.Capabilities{
		MaxContext:      16000,
		MaxOutputTokens: 4096,
		CostInPer1K:     0.001,
		CostOutPer1K:    0.002,
	}); err != nil {
		t.Fatal(err)
	}
	caps.RegisterAlias("gpt4", "gpt-4")
	return caps
}

func testLimiter(t *testing.T) ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.NewTokenBucketLimiter(ratelimit.Config{
		RequestsPerMinute:  600,
		BurstSize:          100,
		ConcurrentRequests: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func testGateway(t *testing.T, mock *MockProvider) *Gateway {
	t.Helper()
	providers := NewProviderRegistry()
	providers.Register(mock)
	g := New(Config{
		FallbackModels: []string{"gpt-4", "gpt-3.5-turbo"},
	}, providers, testCaps(t), testLimiter(t))
	g.Selector().SetDefaultModel("gpt-4")
	return g
}

func TestGenerateSuccess(t *testing.T) {
	mock := NewMockProvider("gpt-4", "gpt-3.5-turbo")
	mock.SetResponse("gpt-4", "a novel hypothesis")
	g := testGateway(t, mock)

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate,
		"Propose a mechanism for the observed effect.")
	resp := g.Generate(context.Background(), req)

	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %v, want success (error: %+v)", resp.Status, resp.Error)
	}
	if resp.Response.Content != "a novel hypothesis" {
		t.Errorf("content = %q", resp.Response.Content)
	}
	if resp.Response.Metadata["model"] != "gpt-4" {
		t.Errorf("metadata model = %v, want gpt-4", resp.Response.Metadata["model"])
	}
	if resp.Queued() {
		t.Error("successful response must not be marked queued")
	}
	if g.Selector().Usage("gpt-4").RequestCount != 1 {
		t.Error("usage not recorded for gpt-4")
	}
}

func TestProcessRejectsInvalidRequest(t *testing.T) {
	g := testGateway(t, NewMockProvider())

	req := &protocol.Request{
		RequestID:   "r1",
		AgentType:   "oracle",
		RequestType: protocol.RequestGenerate,
		Content:     protocol.Content{Prompt: "p"},
	}
	resp := g.Process(context.Background(), req)

	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %v, want error", resp.Status)
	}
	if resp.Error.Code != CodeInvalidRequest {
		t.Errorf("code = %q, want %q", resp.Error.Code, CodeInvalidRequest)
	}
	if resp.Error.Recoverable {
		t.Error("validation failures must not be recoverable")
	}
}

func TestModelParameterOverridesSelection(t *testing.T) {
	mock := NewMockProvider("gpt-4", "gpt-3.5-turbo")
	mock.SetResponse("gpt-3.5-turbo", "cheap answer")
	g := testGateway(t, mock)

	req := protocol.NewRequest(protocol.AgentProximity, protocol.RequestAnalyze, "Compare similarity.")
	req.Content.Parameters = map[string]any{"model": "gpt-3.5-turbo"}
	resp := g.Process(context.Background(), req)

	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %v (error: %+v)", resp.Status, resp.Error)
	}
	if resp.Response.Metadata["model"] != "gpt-3.5-turbo" {
		t.Errorf("model = %v, want gpt-3.5-turbo", resp.Response.Metadata["model"])
	}
}

func TestModelAliasResolved(t *testing.T) {
	mock := NewMockProvider("gpt-4")
	g := testGateway(t, mock)

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate, "go")
	req.Content.Parameters = map[string]any{"model": "gpt4"}
	resp := g.Process(context.Background(), req)

	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %v (error: %+v)", resp.Status, resp.Error)
	}
	if resp.Response.Metadata["model"] != "gpt-4" {
		t.Errorf("model = %v, want resolved alias gpt-4", resp.Response.Metadata["model"])
	}
}

func TestCapabilityMismatchRejected(t *testing.T) {
	g := testGateway(t, NewMockProvider())

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate, "go")
	req.Content.Parameters = map[string]any{"model": "gpt-3.5-turbo", "max_length": 999999}
	resp := g.Process(context.Background(), req)

	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %v, want error", resp.Status)
	}
	if resp.Error.Code != CodeInvalidRequest {
		t.Errorf("code = %q, want %q", resp.Error.Code, CodeInvalidRequest)
	}
}

func TestOpenBreakerQueuesRequest(t *testing.T) {
	g := testGateway(t, NewMockProvider())

	breaker := g.Breakers().Get("gpt-4")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate, "go")
	req.Content.Parameters = map[string]any{"model": "gpt-4"}
	resp := g.Process(context.Background(), req)

	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %v, want queued sentinel success", resp.Status)
	}
	if !resp.Queued() {
		t.Fatal("response must carry queued metadata")
	}
	if resp.Response.Content != QueuedMessage {
		t.Errorf("content = %q, want sentinel", resp.Response.Content)
	}
	if g.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", g.QueueLen())
	}
}

func TestQueueFullReturnsError(t *testing.T) {
	mock := NewMockProvider()
	providers := NewProviderRegistry()
	providers.Register(mock)
	g := New(Config{QueueMaxSize: 1}, providers, testCaps(t), testLimiter(t))
	g.Selector().SetDefaultModel("gpt-4")

	breaker := g.Breakers().Get("gpt-4")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate, "go")
	req.Content.Parameters = map[string]any{"model": "gpt-4"}
	if resp := g.Process(context.Background(), req); !resp.Queued() {
		t.Fatalf("first request should queue, got %+v", resp)
	}

	resp := g.Process(context.Background(), protocol.NewRequest(
		protocol.AgentGeneration, protocol.RequestGenerate, "go"))
	if resp.Status != protocol.StatusError || resp.Error.Code != CodeQueueFull {
		t.Fatalf("got %+v, want QUEUE_FULL error", resp)
	}
	if !resp.Error.Recoverable {
		t.Error("queue-full must be recoverable so callers can retry")
	}
}

func TestRateLimitExceeded(t *testing.T) {
	mock := NewMockProvider("gpt-4")
	providers := NewProviderRegistry()
	providers.Register(mock)
	limiter, err := ratelimit.NewTokenBucketLimiter(ratelimit.Config{
		RequestsPerMinute:  60,
		BurstSize:          1,
		ConcurrentRequests: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	g := New(Config{}, providers, testCaps(t), limiter)
	g.Selector().SetDefaultModel("gpt-4")

	first := g.Process(context.Background(), protocol.NewRequest(
		protocol.AgentGeneration, protocol.RequestGenerate, "go"))
	if first.Status != protocol.StatusSuccess {
		t.Fatalf("first request failed: %+v", first.Error)
	}

	second := g.Process(context.Background(), protocol.NewRequest(
		protocol.AgentGeneration, protocol.RequestGenerate, "go"))
	if second.Status != protocol.StatusError {
		t.Fatal("second request should be rate limited")
	}
	if second.Error.Code != CodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", second.Error.Code, CodeRateLimitExceeded)
	}
	if !second.Error.Recoverable {
		t.Error("rate limit errors must be recoverable")
	}
}

// flakyProvider fails configured models and succeeds on the rest.
type flakyProvider struct {
	*MockProvider
	failing map[string]error
}

func (f *flakyProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err, ok := f.failing[req.Model]; ok {
		return nil, err
	}
	return f.MockProvider.ChatCompletion(ctx, req)
}

func TestFallbackToSecondaryModel(t *testing.T) {
	flaky := &flakyProvider{
		MockProvider: NewMockProvider("gpt-4", "gpt-3.5-turbo"),
		failing:      map[string]error{"gpt-4": errors.New("invalid request: model misconfigured")},
	}
	flaky.SetResponse("gpt-3.5-turbo", "fallback answer")

	providers := NewProviderRegistry()
	providers.Register(flaky)
	g := New(Config{
		FallbackModels: []string{"gpt-4", "gpt-3.5-turbo"},
	}, providers, testCaps(t), testLimiter(t))
	g.Selector().SetDefaultModel("gpt-4")

	resp := g.Process(context.Background(), protocol.NewRequest(
		protocol.AgentGeneration, protocol.RequestGenerate, "go"))

	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %v (error: %+v)", resp.Status, resp.Error)
	}
	if resp.Response.Content != "fallback answer" {
		t.Errorf("content = %q", resp.Response.Content)
	}
	if resp.Response.Metadata["fallback_from"] != "gpt-4" {
		t.Errorf("fallback_from = %v, want gpt-4", resp.Response.Metadata["fallback_from"])
	}
}

func TestUpstreamFailureExhaustsFallback(t *testing.T) {
	mock := NewMockProvider("gpt-4", "gpt-3.5-turbo")
	mock.FailWith(fmt.Errorf("invalid request: malformed payload"))
	g := testGateway(t, mock)

	resp := g.Process(context.Background(), protocol.NewRequest(
		protocol.AgentGeneration, protocol.RequestGenerate, "go"))

	if resp.Status != protocol.StatusError {
		t.Fatal("expected error after fallback exhaustion")
	}
	if resp.Error.Code != CodeUpstreamFailure {
		t.Errorf("code = %q, want %q", resp.Error.Code, CodeUpstreamFailure)
	}
	if resp.Error.Recoverable {
		t.Error("invalid_request category must not be recoverable")
	}
}

func TestProcessWritesOperationLog(t *testing.T) {
	mock := NewMockProvider("gpt-4", "gpt-3.5-turbo")
	mock.SetResponse("gpt-4", "logged answer")

	dir := t.TempDir()
	oplog, err := logger.NewOperationLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	providers := NewProviderRegistry()
	providers.Register(mock)
	g := New(Config{
		FallbackModels: []string{"gpt-4", "gpt-3.5-turbo"},
	}, providers, testCaps(t), testLimiter(t), WithOperationLog(oplog))
	g.Selector().SetDefaultModel("gpt-4")

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate, "go")
	if resp := g.Process(context.Background(), req); resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %v (error: %+v)", resp.Status, resp.Error)
	}

	data, err := os.ReadFile(filepath.Join(dir, "baml", "operations.log"))
	if err != nil {
		t.Fatalf("operations.log not written: %v", err)
	}
	line := string(data)
	for _, want := range []string{
		"request_id=" + req.RequestID,
		"client=generation",
		"function=generate",
		"success=true",
		"model=gpt-4",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("operations.log missing %q in %q", want, line)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "baml", "performance.log")); err != nil {
		t.Errorf("performance.log not written: %v", err)
	}
}

func TestHalfOpenSuccessClosesBreaker(t *testing.T) {
	mock := NewMockProvider("gpt-4", "gpt-3.5-turbo")
	mock.SetResponse("gpt-4", "probe answer")
	providers := NewProviderRegistry()
	providers.Register(mock)
	g := New(Config{
		Breaker: reliability.BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  50 * time.Millisecond,
		},
		FallbackModels: []string{"gpt-4", "gpt-3.5-turbo"},
	}, providers, testCaps(t), testLimiter(t))
	g.Selector().SetDefaultModel("gpt-4")

	breaker := g.Breakers().Get("gpt-4")
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	if breaker.State() != reliability.StateOpen {
		t.Fatalf("state = %v, want OPEN", breaker.State())
	}

	time.Sleep(75 * time.Millisecond)
	if breaker.State() != reliability.StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN after recovery timeout", breaker.State())
	}

	resp := g.Process(context.Background(), protocol.NewRequest(
		protocol.AgentGeneration, protocol.RequestGenerate, "go"))
	if resp.Status != protocol.StatusSuccess || resp.Queued() {
		t.Fatalf("half-open probe = %+v, want plain success", resp)
	}
	if breaker.State() != reliability.StateClosed {
		t.Errorf("state = %v, want CLOSED after successful probe", breaker.State())
	}
	if breaker.FailureCount() != 0 {
		t.Errorf("failure count = %d, want 0", breaker.FailureCount())
	}

	// The next request must go straight through, not be refused.
	resp = g.Process(context.Background(), protocol.NewRequest(
		protocol.AgentGeneration, protocol.RequestGenerate, "go"))
	if resp.Status != protocol.StatusSuccess || resp.Queued() {
		t.Fatalf("post-recovery request = %+v, want plain success", resp)
	}
}

func TestQueueProcessorReplaysThroughHalfOpen(t *testing.T) {
	mock := NewMockProvider("gpt-4", "gpt-3.5-turbo")
	mock.SetResponse("gpt-4", "replayed answer")
	providers := NewProviderRegistry()
	providers.Register(mock)
	g := New(Config{
		Breaker: reliability.BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  50 * time.Millisecond,
		},
		FallbackModels: []string{"gpt-4", "gpt-3.5-turbo"},
	}, providers, testCaps(t), testLimiter(t))
	g.Selector().SetDefaultModel("gpt-4")

	breaker := g.Breakers().Get("gpt-4")
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate, "go")
	req.Content.Parameters = map[string]any{"model": "gpt-4"}
	queued := g.Process(context.Background(), req)
	if !queued.Queued() {
		t.Fatalf("got %+v, want queued sentinel while breaker is open", queued)
	}

	// No manual reset: the breaker must recover through HALF_OPEN on
	// its own and the replay's success must close it.
	proc := NewQueueProcessor(g, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc.Start(ctx)
	defer proc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for g.QueueLen() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued request was never replayed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := breaker.State(); got != reliability.StateClosed {
		t.Errorf("state = %v, want CLOSED after replay", got)
	}
}

func TestQueueProcessorReplaysAfterRecovery(t *testing.T) {
	mock := NewMockProvider("gpt-4")
	mock.SetResponse("gpt-4", "recovered answer")
	g := testGateway(t, mock)

	breaker := g.Breakers().Get("gpt-4")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}

	req := protocol.NewRequest(protocol.AgentGeneration, protocol.RequestGenerate, "go")
	future, ok := g.queue.Enqueue(req, "gpt-4")
	if !ok {
		t.Fatal("enqueue failed")
	}

	breaker.Reset()

	proc := NewQueueProcessor(g, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc.Start(ctx)
	defer proc.Stop()

	resp, err := future.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("future failed: %v", err)
	}
	if resp.Response.Content != "recovered answer" {
		t.Errorf("content = %q", resp.Response.Content)
	}
	if g.QueueLen() != 0 {
		t.Errorf("queue length = %d, want 0", g.QueueLen())
	}
}
