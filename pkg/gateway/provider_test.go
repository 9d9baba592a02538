package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coscientist-ai/coscientist/pkg/httpclient"
)

func modelsHandler(ids ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type model struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		var data []model
		for _, id := range ids {
			data = append(data, model{ID: id, Status: "available"})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": data})
	}
}

func TestHTTPProviderChatCompletion(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-User-Id") != "researcher1" {
			t.Errorf("X-User-Id = %q, want researcher1", r.Header.Get("X-User-Id"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ChatResponse{
			ID:    "cmpl-1",
			Model: got.Model,
			Choices: []ChatChoice{{
				Message:      ChatMessage{Role: "assistant", Content: "hello"},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderConfig{
		BaseURL:  srv.URL,
		AuthUser: "researcher1",
	})
	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:     "gpt-4",
		Messages:  []ChatMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if resp.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", resp.Text())
	}
	if got.MaxTokens != 100 || got.MaxCompletionTokens != 0 {
		t.Errorf("standard model sent max_tokens=%d max_completion_tokens=%d", got.MaxTokens, got.MaxCompletionTokens)
	}
	if got.User != "researcher1" {
		t.Errorf("user = %q, want researcher1", got.User)
	}
}

func TestHTTPProviderReasoningModelTokenField(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []ChatChoice{{Message: ChatMessage{Role: "assistant", Content: "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL})
	_, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:     "o3-mini",
		Messages:  []ChatMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 200,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxTokens != 0 {
		t.Errorf("reasoning model must not send max_tokens, got %d", got.MaxTokens)
	}
	if got.MaxCompletionTokens != 200 {
		t.Errorf("max_completion_tokens = %d, want 200", got.MaxCompletionTokens)
	}
}

func TestHTTPProviderAddsUserTurn(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []ChatChoice{{Message: ChatMessage{Role: "assistant", Content: "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL})
	_, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "gpt-4",
		Messages: []ChatMessage{{Role: "system", Content: "be brief"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Role != "user" {
		t.Errorf("expected appended user turn, got %+v", got.Messages)
	}
}

func TestHTTPProviderUpstreamErrors(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, "rate limit"},
		{http.StatusUnauthorized, "authentication"},
		{http.StatusGatewayTimeout, "timed out"},
		{http.StatusNotFound, "model not found"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		p := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL}, httpclient.WithMaxRetries(0))
		_, err := p.ChatCompletion(context.Background(), &ChatRequest{
			Model:    "gpt-4",
			Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		})
		srv.Close()
		if err == nil {
			t.Errorf("status %d: expected error", tt.status)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("status %d: error %q does not mention %q", tt.status, err, tt.want)
		}
	}
}

func TestConnectivityAndModelAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			modelsHandler("argo:gpt-4", "gpt-3.5-turbo")(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	providers := NewProviderRegistry()
	providers.Register(NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL}))
	g := New(Config{}, providers, testCaps(t), testLimiter(t))

	if err := g.TestConnectivity(context.Background()); err != nil {
		t.Fatalf("TestConnectivity failed: %v", err)
	}
	// Prefixed upstream id matches the bare registered model.
	if err := g.VerifyModelAccess(context.Background(), "gpt-4"); err != nil {
		t.Errorf("VerifyModelAccess(gpt-4) failed: %v", err)
	}
	if err := g.VerifyModelAccess(context.Background(), "claude-3"); err == nil {
		t.Error("VerifyModelAccess should fail for unlisted model")
	}
}

func TestHealthStatusDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		modelsHandler("gpt-4")(w, r)
	}))
	defer srv.Close()

	providers := NewProviderRegistry()
	providers.Register(NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL}))
	g := New(Config{}, providers, testCaps(t), testLimiter(t))

	report, err := g.HealthStatus(context.Background())
	if err != nil {
		t.Fatalf("HealthStatus failed: %v", err)
	}
	if report.Status != "degraded" {
		t.Errorf("status = %v, want degraded", report.Status)
	}
	if !report.Models["gpt-4"] || report.Models["gpt-3.5-turbo"] {
		t.Errorf("model availability wrong: %+v", report.Models)
	}
}
