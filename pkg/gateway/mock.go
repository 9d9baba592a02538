package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// MockProvider returns canned responses for tests and offline runs.
type MockProvider struct {
	mu        sync.Mutex
	name      string
	models    []string
	responses map[string]string
	failWith  error
	calls     atomic.Int64
}

// NewMockProvider builds a mock exposing the given models.
func NewMockProvider(models ...string) *MockProvider {
	if len(models) == 0 {
		models = []string{"gpt-4", "gpt-3.5-turbo"}
	}
	return &MockProvider{
		name:      "mock",
		models:    models,
		responses: make(map[string]string),
	}
}

func (m *MockProvider) Name() string { return m.name }

// SetResponse fixes the reply for a model; empty model sets the fallback.
func (m *MockProvider) SetResponse(model, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[model] = text
}

// FailWith makes every call return err until reset with nil.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Calls reports how many completions were attempted.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

func (m *MockProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	text, ok := m.responses[req.Model]
	if !ok {
		text = m.responses[""]
	}
	if text == "" {
		text = fmt.Sprintf("mock response from %s", req.Model)
	}

	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	completion := len(text) / 4
	return &ChatResponse{
		ID:    "mock-1",
		Model: req.Model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: protocol.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

func (m *MockProvider) ListModels(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]string, len(m.models))
	copy(out, m.models)
	return out, nil
}
