package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/coscientist-ai/coscientist/pkg/memory"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// Gateway is the slice of the LLM gateway agents depend on.
type Gateway interface {
	Generate(ctx context.Context, req *protocol.Request) *protocol.Response
	Analyze(ctx context.Context, req *protocol.Request) *protocol.Response
	Evaluate(ctx context.Context, req *protocol.Request) *protocol.Response
	Compare(ctx context.Context, req *protocol.Request) *protocol.Response
}

// Memory is the slice of the context store agents depend on.
type Memory interface {
	StoreAgentOutput(o *memory.AgentOutput) (string, error)
}

// Config is the per-agent tuning envelope. Any field can be overridden
// at construction time through a configuration map.
type Config struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	GenerationTimeout   time.Duration `mapstructure:"generation_timeout"`
	ReviewTimeout       time.Duration `mapstructure:"review_timeout"`
	CachingEnabled      bool          `mapstructure:"caching_enabled"`
}

// SetDefaults fills zero fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 120 * time.Second
	}
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = 60 * time.Second
	}
}

// ApplyOverrides decodes a configuration map onto the config. Unknown
// keys are rejected so typos surface at construction time.
func (c *Config) ApplyOverrides(overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      c,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(overrides); err != nil {
		return fmt.Errorf("invalid agent config overrides: %w", err)
	}
	return nil
}

// GatewayError wraps an error response handed back by the gateway.
type GatewayError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BaseAgent carries the shared plumbing: gateway access, persistence,
// config, and the typed operation wrappers.
type BaseAgent struct {
	name      string
	agentType protocol.AgentType
	gateway   Gateway
	memory    Memory
	config    Config
	safety    *SafetyLogger
	logger    *slog.Logger
}

// Option configures a BaseAgent.
type Option func(*BaseAgent)

// WithSafetyLogger attaches a safety logger receiving every artifact.
func WithSafetyLogger(sl *SafetyLogger) Option {
	return func(a *BaseAgent) { a.safety = sl }
}

// WithConfigOverrides applies a configuration map on top of defaults.
// Invalid overrides panic at construction, never at request time.
func WithConfigOverrides(overrides map[string]any) Option {
	return func(a *BaseAgent) {
		if err := a.config.ApplyOverrides(overrides); err != nil {
			panic(err)
		}
	}
}

// NewBaseAgent builds the shared envelope for a specialized agent.
func NewBaseAgent(name string, agentType protocol.AgentType, gw Gateway, mem Memory, opts ...Option) *BaseAgent {
	a := &BaseAgent{
		name:      name,
		agentType: agentType,
		gateway:   gw,
		memory:    mem,
		logger:    slog.Default().With("agent", name),
	}
	a.config.SetDefaults()
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent's instance name.
func (a *BaseAgent) Name() string { return a.name }

// Type returns the agent's family.
func (a *BaseAgent) Type() protocol.AgentType { return a.agentType }

// Config returns a copy of the effective configuration.
func (a *BaseAgent) Config() Config { return a.config }

// call runs one gateway operation with the agent's timeout and turns
// error responses into typed errors. Queued sentinels are surfaced as
// recoverable errors; agents never treat them as artifacts.
func (a *BaseAgent) call(ctx context.Context, op func(context.Context, *protocol.Request) *protocol.Response,
	req *protocol.Request, timeout time.Duration) (string, map[string]any, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := op(ctx, req)
	if resp.Error != nil {
		return "", nil, &GatewayError{
			Code:        resp.Error.Code,
			Message:     resp.Error.Message,
			Recoverable: resp.Error.Recoverable,
		}
	}
	if resp.Queued() {
		return "", nil, &GatewayError{
			Code:        "queued",
			Message:     "request deferred until the model recovers",
			Recoverable: true,
		}
	}
	return resp.Response.Content, resp.Response.Metadata, nil
}

func (a *BaseAgent) newRequest(requestType protocol.RequestType, prompt string, params map[string]any) *protocol.Request {
	req := protocol.NewRequest(a.agentType, requestType, prompt)
	req.Content.Parameters = params
	return req
}

// persist stores a typed artifact as an agent output in the active
// iteration. Persistence failures are logged, not fatal.
func (a *BaseAgent) persist(taskType string, artifact any) {
	if a.memory == nil {
		return
	}
	results := toResultsMap(artifact)
	if _, err := a.memory.StoreAgentOutput(&memory.AgentOutput{
		AgentType: string(a.agentType),
		TaskType:  taskType,
		WriterID:  a.name,
		Results:   results,
	}); err != nil {
		a.logger.Warn("failed to persist agent output", "task", taskType, "error", err)
	}
	if a.safety != nil {
		a.safety.Log(a.name, taskType, results)
	}
}

func toResultsMap(artifact any) map[string]any {
	data, err := json.Marshal(artifact)
	if err != nil {
		return map[string]any{"raw": fmt.Sprint(artifact)}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return m
}

// GenerateHypothesis asks the model for a hypothesis toward a goal.
func (a *BaseAgent) GenerateHypothesis(ctx context.Context, goal string, params map[string]any) (*Hypothesis, error) {
	prompt := fmt.Sprintf("Propose a specific, testable scientific hypothesis for this research goal:\n%s", goal)
	content, meta, err := a.call(ctx, a.gateway.Generate, a.newRequest(protocol.RequestGenerate, prompt, params), a.config.GenerationTimeout)
	if err != nil {
		return nil, err
	}

	method, _ := params["method"].(string)
	h := NewHypothesis(content, method)
	h.Confidence = a.config.ConfidenceThreshold
	if m, ok := meta["model"].(string); ok {
		h.Model = m
	}
	a.persist("generate_hypothesis", h)
	return h, nil
}

// EvaluateHypothesis asks the model to critique a hypothesis.
func (a *BaseAgent) EvaluateHypothesis(ctx context.Context, h *Hypothesis) (*Evaluation, error) {
	prompt := fmt.Sprintf("Critically evaluate this hypothesis for novelty, plausibility, and testability. "+
		"End with a line 'SCORE: <0-1>'.\n\nHypothesis:\n%s", h.Content)
	content, _, err := a.call(ctx, a.gateway.Evaluate, a.newRequest(protocol.RequestEvaluate, prompt, nil), a.config.ReviewTimeout)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{
		HypothesisID: h.ID,
		Score:        parseScore(content),
		Critique:     content,
		Confidence:   a.config.ConfidenceThreshold,
	}
	a.persist("evaluate_hypothesis", ev)
	return ev, nil
}

// PerformSafetyCheck reviews an artifact for safety concerns.
func (a *BaseAgent) PerformSafetyCheck(ctx context.Context, text string) (*SafetyCheck, error) {
	prompt := fmt.Sprintf("Review the following research artifact for safety or dual-use concerns. "+
		"Answer with 'SAFE' or 'UNSAFE' on the first line, then list any concerns.\n\n%s", text)
	content, _, err := a.call(ctx, a.gateway.Evaluate, a.newRequest(protocol.RequestEvaluate, prompt, nil), a.config.ReviewTimeout)
	if err != nil {
		return nil, err
	}

	check := parseSafetyVerdict(content)
	a.persist("safety_check", check)
	return check, nil
}

// CompareHypotheses runs a pairwise tournament comparison.
func (a *BaseAgent) CompareHypotheses(ctx context.Context, first, second *Hypothesis) (*Comparison, error) {
	prompt := fmt.Sprintf("Compare these two hypotheses and pick the stronger one. "+
		"Answer with 'WINNER: 1' or 'WINNER: 2' on the first line, then your rationale.\n\n"+
		"Hypothesis 1:\n%s\n\nHypothesis 2:\n%s", first.Content, second.Content)
	content, _, err := a.call(ctx, a.gateway.Compare, a.newRequest(protocol.RequestCompare, prompt, nil), a.config.ReviewTimeout)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{WinnerID: first.ID, LoserID: second.ID, Rationale: content}
	if strings.Contains(firstLine(content), "2") {
		cmp.WinnerID, cmp.LoserID = second.ID, first.ID
	}
	a.persist("compare_hypotheses", cmp)
	return cmp, nil
}

// EnhanceHypothesis evolves a hypothesis guided by feedback.
func (a *BaseAgent) EnhanceHypothesis(ctx context.Context, h *Hypothesis, feedback string) (*Hypothesis, error) {
	prompt := fmt.Sprintf("Improve this hypothesis, addressing the feedback while keeping it testable.\n\n"+
		"Hypothesis:\n%s\n\nFeedback:\n%s", h.Content, feedback)
	content, meta, err := a.call(ctx, a.gateway.Generate, a.newRequest(protocol.RequestGenerate, prompt, nil), a.config.GenerationTimeout)
	if err != nil {
		return nil, err
	}

	improved := NewHypothesis(content, h.Method)
	improved.Confidence = h.Confidence
	if m, ok := meta["model"].(string); ok {
		improved.Model = m
	}
	a.persist("enhance_hypothesis", improved)
	return improved, nil
}

// CalculateSimilarity measures how close two hypotheses are.
func (a *BaseAgent) CalculateSimilarity(ctx context.Context, first, second *Hypothesis) (*Similarity, error) {
	prompt := fmt.Sprintf("Rate the conceptual similarity of these two hypotheses from 0 (unrelated) "+
		"to 1 (equivalent). End with a line 'SCORE: <0-1>'.\n\n"+
		"Hypothesis 1:\n%s\n\nHypothesis 2:\n%s", first.Content, second.Content)
	content, _, err := a.call(ctx, a.gateway.Analyze, a.newRequest(protocol.RequestAnalyze, prompt, nil), a.config.ReviewTimeout)
	if err != nil {
		return nil, err
	}

	sim := &Similarity{Score: parseScore(content), Rationale: content}
	a.persist("calculate_similarity", sim)
	return sim, nil
}

// ExtractResearchPatterns summarizes recurring themes across artifacts.
func (a *BaseAgent) ExtractResearchPatterns(ctx context.Context, artifacts []string) (*ResearchPatterns, error) {
	prompt := "Identify recurring research patterns across these artifacts. " +
		"List each pattern on its own line prefixed with '- '.\n\n" + strings.Join(artifacts, "\n---\n")
	content, _, err := a.call(ctx, a.gateway.Analyze, a.newRequest(protocol.RequestAnalyze, prompt, nil), a.config.ReviewTimeout)
	if err != nil {
		return nil, err
	}

	patterns := &ResearchPatterns{Summary: content}
	for _, line := range strings.Split(content, "\n") {
		if trimmed, ok := strings.CutPrefix(strings.TrimSpace(line), "- "); ok {
			patterns.Patterns = append(patterns.Patterns, trimmed)
		}
	}
	a.persist("extract_research_patterns", patterns)
	return patterns, nil
}

// ParseResearchGoal structures a free-text research goal.
func (a *BaseAgent) ParseResearchGoal(ctx context.Context, text string) (*ResearchGoal, error) {
	prompt := fmt.Sprintf("Parse this research goal. Respond with JSON "+
		"{\"goal\": string, \"domain\": string, \"constraints\": [string]}.\n\n%s", text)
	content, _, err := a.call(ctx, a.gateway.Analyze,
		a.newRequest(protocol.RequestAnalyze, prompt, map[string]any{"response_format": "structured"}),
		a.config.ReviewTimeout)
	if err != nil {
		return nil, err
	}

	goal := &ResearchGoal{Goal: text}
	if err := json.Unmarshal([]byte(extractJSON(content)), goal); err != nil {
		a.logger.Warn("failed to parse structured goal, keeping raw text", "error", err)
		goal = &ResearchGoal{Goal: text}
	}
	a.persist("parse_research_goal", goal)
	return goal, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// parseScore finds a 'SCORE: x' line, clamping to [0,1]. Missing scores
// default to 0.5.
func parseScore(content string) float64 {
	for _, line := range strings.Split(content, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(strings.ToUpper(line)), "SCORE:")
		if !ok {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(rest), "%f", &v); err == nil {
			if v < 0 {
				return 0
			}
			if v > 1 {
				return 1
			}
			return v
		}
	}
	return 0.5
}

func parseSafetyVerdict(content string) *SafetyCheck {
	check := &SafetyCheck{Rationale: content}
	check.Safe = strings.HasPrefix(strings.ToUpper(strings.TrimSpace(firstLine(content))), "SAFE")
	for _, line := range strings.Split(content, "\n")[1:] {
		if trimmed, ok := strings.CutPrefix(strings.TrimSpace(line), "- "); ok {
			check.Concerns = append(check.Concerns, trimmed)
		}
	}
	return check
}

// extractJSON pulls the outermost JSON object from a completion that
// may wrap it in prose or code fences.
func extractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return content
	}
	return content[start : end+1]
}
