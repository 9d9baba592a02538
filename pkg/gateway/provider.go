package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/httpclient"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// Provider abstracts an upstream model endpoint. Implementations must
// be safe for concurrent use.
type Provider interface {
	Name() string
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ListModels(ctx context.Context) ([]string, error)
}

// ChatMessage is a single turn in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the wire format for a chat completion call.
type ChatRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	User                string        `json:"user,omitempty"`
}

// ChatChoice is one completion alternative in a response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is the wire format for a chat completion response.
type ChatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []ChatChoice   `json:"choices"`
	Usage   protocol.Usage `json:"usage"`
}

// Text returns the content of the first choice, or empty.
func (r *ChatResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// reasoningModels reject max_tokens and require max_completion_tokens.
var reasoningPrefixes = []string{"o1", "o3", "o4", "gpt5", "gpt-5"}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	Name     string
	BaseURL  string
	AuthUser string
	APIKey   string
	Timeout  time.Duration
}

// SetDefaults fills zero fields with sane defaults.
func (c *HTTPProviderConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "argo"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8000/v1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// HTTPProvider talks to an OpenAI-compatible proxy endpoint.
type HTTPProvider struct {
	config HTTPProviderConfig
	client *httpclient.Client
}

// NewHTTPProvider builds a provider over the shared retrying HTTP client.
func NewHTTPProvider(config HTTPProviderConfig, opts ...httpclient.Option) *HTTPProvider {
	config.SetDefaults()
	opts = append([]httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}, opts...)
	return &HTTPProvider{
		config: config,
		client: httpclient.New(opts...),
	}
}

func (p *HTTPProvider) Name() string { return p.config.Name }

// ChatCompletion posts a chat completion request to the proxy.
func (p *HTTPProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request requires at least one message")
	}
	// Some proxies reject conversations with no user turn.
	hasUser := false
	for _, m := range req.Messages {
		if m.Role == "user" {
			hasUser = true
			break
		}
	}
	if !hasUser {
		req.Messages = append(req.Messages, ChatMessage{Role: "user", Content: "Please respond based on the system instructions."})
	}

	if isReasoningModel(req.Model) && req.MaxTokens > 0 {
		req.MaxCompletionTokens = req.MaxTokens
		req.MaxTokens = 0
	}
	if req.User == "" {
		req.User = p.config.AuthUser
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.config.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp.StatusCode, data)
	}

	var chat ChatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	return &chat, nil
}

// ListModels fetches the models the proxy exposes.
func (p *HTTPProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.config.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp.StatusCode, data)
	}

	// Proxies answer {models: [...]}; OpenAI-compatible ones {data: [...]}.
	var list struct {
		Models []modelEntry `json:"models"`
		Data   []modelEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	entries := list.Models
	if len(entries) == 0 {
		entries = list.Data
	}
	models := make([]string, 0, len(entries))
	for _, m := range entries {
		if m.Status != "" && m.Status != "available" && m.Status != "ok" {
			continue
		}
		models = append(models, m.ID)
	}
	return models, nil
}

type modelEntry struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Health hits the proxy health endpoint with a short timeout.
func (p *HTTPProvider) Health(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.config.BaseURL, "/")+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", upstreamError(resp.StatusCode, body)
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("failed to decode health response: %w", err)
	}
	if status.Status == "" {
		return "unknown", nil
	}
	return status.Status, nil
}

// do runs the request through the retrying client. When the client
// hands back a terminal non-2xx response (immediately or after
// exhausting retries), the response wins so callers can map the status
// and body; only transport-level failures surface as errors.
func (p *HTTPProvider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if resp != nil {
		return resp, nil
	}
	var re *httpclient.RetryableError
	if errors.As(err, &re) && re.StatusCode > 0 {
		return nil, upstreamError(re.StatusCode, nil)
	}
	return nil, err
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	if p.config.AuthUser != "" {
		req.Header.Set("X-User-Id", p.config.AuthUser)
	}
}

// upstreamError maps an HTTP status to an error whose text the retry
// categorizer recognizes.
func upstreamError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("rate limit exceeded (status %d): %s", status, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("authentication failed (status %d): %s", status, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("request timed out (status %d): %s", status, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("model not found (status %d): %s", status, msg)
	case status >= 500:
		return fmt.Errorf("upstream service unavailable (status %d): %s", status, msg)
	default:
		return fmt.Errorf("invalid request (status %d): %s", status, msg)
	}
}
