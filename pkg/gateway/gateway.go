// Package gateway is the single entry point for model calls. It runs
// every request through validation, model selection, capability checks,
// circuit breakers, rate limiting, retry, and ranked fallback before
// anything reaches an upstream provider.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/capability"
	"github.com/coscientist-ai/coscientist/pkg/logger"
	"github.com/coscientist-ai/coscientist/pkg/observability"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
	"github.com/coscientist-ai/coscientist/pkg/ratelimit"
	"github.com/coscientist-ai/coscientist/pkg/reliability"
	"github.com/coscientist-ai/coscientist/pkg/selector"
	"github.com/coscientist-ai/coscientist/pkg/validation"
)

// QueuedMessage is the sentinel content of a queued response.
const QueuedMessage = "Request queued for processing when service recovers"

// Error codes carried on gateway error responses.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQueueFull         = "QUEUE_FULL"
	CodeNoModelAvailable  = "no_model_available"
	CodeUpstreamFailure   = "upstream_failure"
)

// Config tunes the gateway envelope.
type Config struct {
	Breaker          reliability.BreakerConfig
	Retry            reliability.RetryConfig
	QueueMaxSize     int
	QueueMaxWait     time.Duration
	FallbackModels   []string
	DefaultMaxTokens int
}

// SetDefaults fills zero fields with the documented defaults.
func (c *Config) SetDefaults() {
	c.Breaker.SetDefaults()
	c.Retry.SetDefaults()
	if c.QueueMaxSize <= 0 {
		c.QueueMaxSize = 1000
	}
	if c.QueueMaxWait <= 0 {
		c.QueueMaxWait = 300 * time.Second
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = 4096
	}
}

// Gateway coordinates providers, breakers, limiters, and the selector.
type Gateway struct {
	config    Config
	providers *ProviderRegistry
	caps      *capability.Registry
	breakers  *reliability.BreakerRegistry
	limiter   ratelimit.Limiter
	selector  *selector.Selector
	queue     *reliability.RequestQueue
	retry     *reliability.RetryExecutor
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	oplog     *logger.OperationLog
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics attaches Prometheus instruments to the pipeline.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer attaches an OpenTelemetry tracer to the pipeline.
func WithTracer(t *observability.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithOperationLog records every processed request to the per-call
// operation log.
func WithOperationLog(ol *logger.OperationLog) Option {
	return func(g *Gateway) { g.oplog = ol }
}

// New wires a gateway around an already populated provider registry,
// capability registry, and limiter.
func New(config Config, providers *ProviderRegistry, caps *capability.Registry, limiter ratelimit.Limiter, opts ...Option) *Gateway {
	config.SetDefaults()
	breakers := reliability.NewBreakerRegistry(config.Breaker)
	g := &Gateway{
		config:    config,
		providers: providers,
		caps:      caps,
		breakers:  breakers,
		limiter:   limiter,
		selector:  selector.New(caps, breakers),
		queue:     reliability.NewRequestQueue(config.QueueMaxSize, config.QueueMaxWait),
		retry:     reliability.NewRetryExecutor(config.Retry),
		logger:    slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Selector exposes the model selector for routing configuration.
func (g *Gateway) Selector() *selector.Selector { return g.selector }

// Breakers exposes the per-model circuit breakers.
func (g *Gateway) Breakers() *reliability.BreakerRegistry { return g.breakers }

// QueueLen reports the number of requests waiting for recovery.
func (g *Gateway) QueueLen() int { return g.queue.Len() }

// Generate runs a generation request through the full pipeline.
func (g *Gateway) Generate(ctx context.Context, req *protocol.Request) *protocol.Response {
	req.RequestType = protocol.RequestGenerate
	return g.Process(ctx, req)
}

// Analyze runs an analysis request through the full pipeline.
func (g *Gateway) Analyze(ctx context.Context, req *protocol.Request) *protocol.Response {
	req.RequestType = protocol.RequestAnalyze
	return g.Process(ctx, req)
}

// Evaluate runs an evaluation request through the full pipeline.
func (g *Gateway) Evaluate(ctx context.Context, req *protocol.Request) *protocol.Response {
	req.RequestType = protocol.RequestEvaluate
	return g.Process(ctx, req)
}

// Compare runs a comparison request through the full pipeline.
func (g *Gateway) Compare(ctx context.Context, req *protocol.Request) *protocol.Response {
	req.RequestType = protocol.RequestCompare
	return g.Process(ctx, req)
}

// Process runs one request through the reliability envelope and returns
// a terminal response. It never returns nil.
func (g *Gateway) Process(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	ctx, span := g.tracer.StartLLMCall(ctx, req.RequestID, "", string(req.AgentType), string(req.RequestType))
	defer span.End()

	resp := g.process(ctx, req)

	status := "success"
	if resp.Error != nil {
		status = resp.Error.Code
	} else if resp.Queued() {
		status = "queued"
	}
	g.metrics.ObserveRequest(string(req.AgentType), string(req.RequestType), status, time.Since(start))
	g.metrics.SetQueueDepth(g.queue.Len())

	if g.oplog != nil {
		fields := map[string]any{"status": status}
		if resp.Response != nil {
			if m, ok := resp.Response.Metadata["model"].(string); ok {
				fields["model"] = m
			}
		}
		if err := g.oplog.Record(logger.OperationRecord{
			RequestID: req.RequestID,
			Client:    string(req.AgentType),
			Function:  string(req.RequestType),
			Duration:  time.Since(start),
			Success:   resp.Error == nil,
			Fields:    fields,
		}); err != nil {
			g.logger.Warn("operation log write failed", "request_id", req.RequestID, "error", err)
		}
	}
	return resp
}

func (g *Gateway) process(ctx context.Context, req *protocol.Request) *protocol.Response {
	validated, err := validation.Validate(req)
	if err != nil {
		return protocol.ErrorResponse(req.RequestID, CodeInvalidRequest, err.Error(), false)
	}

	model, err := g.resolveModel(validated)
	if err != nil {
		return protocol.ErrorResponse(validated.RequestID, CodeNoModelAvailable, err.Error(), true)
	}

	if err := g.caps.ValidateModel(model, requirementsOf(validated)); err != nil {
		return protocol.ErrorResponse(validated.RequestID, CodeInvalidRequest, err.Error(), false)
	}

	// A tripped breaker diverts the request to the recovery queue
	// instead of failing it outright.
	breaker := g.breakers.Get(model)
	if err := breaker.Allow(); err != nil {
		g.metrics.SetBreakerState(model, observability.BreakerOpen)
		return g.enqueue(validated, model)
	}

	if ok, _ := g.limiter.AcquireForRequest(validated, g.estimateTokens(validated)); !ok {
		return protocol.ErrorResponse(validated.RequestID, CodeRateLimitExceeded,
			"local rate limit exceeded, retry later", true)
	}

	release, err := g.limiter.ConcurrentRequest(ctx)
	if err != nil {
		return protocol.ErrorResponse(validated.RequestID, CodeRateLimitExceeded, err.Error(), true)
	}
	defer release()

	return g.dispatch(ctx, validated, model)
}

// dispatch calls the upstream, walking the ranked fallback chain when
// the preferred model keeps failing. The preferred model's breaker
// admission belongs to the caller: both the pipeline edge and the
// queue processor take it before dispatching, so only fallback models
// are admitted here.
func (g *Gateway) dispatch(ctx context.Context, req *protocol.Request, preferred string) *protocol.Response {
	chain := reliability.NewFallbackChain(g.config.FallbackModels)

	var final *ChatResponse
	_, used, err := chain.Execute(ctx, preferred, func(ctx context.Context, model string) (string, error) {
		breaker := g.breakers.Get(model)
		if model != preferred {
			if allowErr := breaker.Allow(); allowErr != nil {
				return "", allowErr
			}
		}
		var resp *ChatResponse
		callErr := g.retry.Execute(ctx, func(ctx context.Context) error {
			var err error
			resp, err = g.callProvider(ctx, req, model)
			if err != nil {
				breaker.RecordFailure()
				return err
			}
			breaker.RecordSuccess()
			return nil
		})
		if callErr != nil {
			return "", callErr
		}
		final = resp
		g.selector.RecordUsage(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		g.metrics.AddTokens(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return resp.Text(), nil
	})
	if err != nil {
		category := reliability.Categorize(err)
		g.logger.Error("request failed after fallback",
			"request_id", req.RequestID,
			"model", preferred,
			"category", string(category),
			"error", err)
		return protocol.ErrorResponse(req.RequestID, CodeUpstreamFailure, err.Error(), category.Recoverable())
	}

	metadata := map[string]any{
		"model":      used,
		"agent_type": string(req.AgentType),
		"usage": map[string]any{
			"prompt_tokens":     final.Usage.PromptTokens,
			"completion_tokens": final.Usage.CompletionTokens,
			"total_tokens":      final.Usage.TotalTokens,
		},
	}
	if used != preferred {
		metadata["fallback_from"] = preferred
	}
	return protocol.SuccessResponse(req.RequestID, final.Text(), metadata)
}

// callProvider converts the request to the wire format and calls the
// default provider once.
func (g *Gateway) callProvider(ctx context.Context, req *protocol.Request, model string) (*ChatResponse, error) {
	provider, err := g.providers.Default()
	if err != nil {
		return nil, err
	}

	chat := &ChatRequest{
		Model:     model,
		Messages:  buildMessages(req),
		MaxTokens: g.config.DefaultMaxTokens,
	}
	if t, ok := floatParam(req, "temperature"); ok {
		chat.Temperature = &t
	}
	if n, ok := intParam(req, "max_length"); ok {
		chat.MaxTokens = n
	}

	resp, err := provider.ChatCompletion(ctx, chat)
	if err != nil {
		return nil, err
	}
	if resp.Text() == "" {
		return nil, fmt.Errorf("model %s returned an empty completion", model)
	}
	return resp, nil
}

// enqueue parks a request for the background processor and returns the
// queued sentinel, or QUEUE_FULL when the queue rejects it.
func (g *Gateway) enqueue(req *protocol.Request, model string) *protocol.Response {
	_, ok := g.queue.Enqueue(req, model)
	if !ok {
		return protocol.ErrorResponse(req.RequestID, CodeQueueFull,
			fmt.Sprintf("recovery queue is full (capacity %d)", g.config.QueueMaxSize), true)
	}
	g.logger.Info("request queued while breaker is open",
		"request_id", req.RequestID,
		"model", model,
		"queue_depth", g.queue.Len())
	return protocol.SuccessResponse(req.RequestID, QueuedMessage, map[string]any{
		"queued": true,
		"model":  model,
	})
}

// resolveModel picks a model for the request: explicit parameter first,
// then the selector's per-agent routing with failover.
func (g *Gateway) resolveModel(req *protocol.Request) (string, error) {
	if m, ok := req.Content.Parameters["model"].(string); ok && m != "" {
		return g.caps.Resolve(m), nil
	}
	preferred, err := g.selector.SelectForAgent(req.AgentType)
	if err != nil {
		return "", err
	}
	model, err := g.selector.SelectWithFailover(taskOf(req), preferred)
	if err != nil {
		// Every candidate breaker is open. Keep the preferred model so
		// the request lands on the recovery queue instead of failing.
		return preferred, nil
	}
	return model, nil
}

func taskOf(req *protocol.Request) selector.Task {
	switch req.RequestType {
	case protocol.RequestAnalyze:
		return selector.TaskAnalysis
	case protocol.RequestEvaluate:
		return selector.TaskEvaluation
	case protocol.RequestCompare:
		return selector.TaskComparison
	default:
		return selector.TaskGeneration
	}
}

func requirementsOf(req *protocol.Request) capability.Requirements {
	reqs := capability.Requirements{}
	if n, ok := intParam(req, "max_length"); ok {
		reqs.OutputTokens = n
	}
	if f, ok := req.Content.Parameters["response_format"].(string); ok && f == "structured" {
		reqs.JSONMode = true
	}
	return reqs
}

// estimateTokens approximates request cost for the token-budget limiter.
func (g *Gateway) estimateTokens(req *protocol.Request) int {
	est := len(req.Content.Prompt) / 4
	if n, ok := intParam(req, "max_length"); ok {
		est += n
	} else {
		est += g.config.DefaultMaxTokens
	}
	return est
}

// buildMessages renders prompt and context into chat turns. Context
// entries become part of the system message so the prompt stays clean.
func buildMessages(req *protocol.Request) []ChatMessage {
	system := fmt.Sprintf("You are a %s agent in a scientific hypothesis pipeline.", req.AgentType)
	if len(req.Content.Context) > 0 {
		system += "\nContext:"
		for k, v := range req.Content.Context {
			system += fmt.Sprintf("\n- %s: %v", k, v)
		}
	}
	return []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: req.Content.Prompt},
	}
}

func floatParam(req *protocol.Request, key string) (float64, bool) {
	switch v := req.Content.Parameters[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func intParam(req *protocol.Request, key string) (int, bool) {
	switch v := req.Content.Parameters[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
