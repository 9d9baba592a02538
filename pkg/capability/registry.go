// Package capability tracks per-model limits, feature flags, and costs,
// and answers whether a model can serve a given request shape.
package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Capabilities describes what a single model can do and what it costs.
type Capabilities struct {
	MaxContext      int     `json:"max_context"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Multimodal      bool    `json:"multimodal"`
	Streaming       bool    `json:"streaming"`
	FunctionCalling bool    `json:"function_calling"`
	JSONMode        bool    `json:"json_mode"`
	CostInPer1K     float64 `json:"cost_in_per_1k"`
	CostOutPer1K    float64 `json:"cost_out_per_1k"`
}

// Validate checks the numeric invariants on a capability record.
func (c *Capabilities) Validate() error {
	if c.MaxContext <= 0 {
		return fmt.Errorf("max_context must be positive, got %d", c.MaxContext)
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("max_output_tokens must be positive, got %d", c.MaxOutputTokens)
	}
	if c.CostInPer1K < 0 || c.CostOutPer1K < 0 {
		return fmt.Errorf("costs must be non-negative")
	}
	return nil
}

// Requirements expresses what a request needs from a model.
type Requirements struct {
	ContextTokens   int
	OutputTokens    int
	Multimodal      bool
	Streaming       bool
	FunctionCalling bool
	JSONMode        bool
}

// MismatchError reports the first capability a model fails to meet.
type MismatchError struct {
	Model     string
	Field     string
	Limit     any
	Requested any
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("model %s does not satisfy %s: limit %v, requested %v",
		e.Model, e.Field, e.Limit, e.Requested)
}

// Registry maps model names to their capabilities, with alias
// resolution for common shorthand names.
type Registry struct {
	mu      sync.RWMutex
	models  map[string]Capabilities
	aliases map[string]string
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		models:  make(map[string]Capabilities),
		aliases: make(map[string]string),
	}
}

// Register adds or replaces a model's capability record.
func (r *Registry) Register(model string, caps Capabilities) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if err := caps.Validate(); err != nil {
		return fmt.Errorf("invalid capabilities for %s: %w", model, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[model] = caps
	return nil
}

// RegisterAlias maps a shorthand name to a canonical model name.
func (r *Registry) RegisterAlias(alias, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = model
}

// Resolve returns the canonical model name for a possibly aliased name.
func (r *Registry) Resolve(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	return name
}

// Get returns the capabilities for a model, resolving aliases.
func (r *Registry) Get(model string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := model
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	caps, ok := r.models[name]
	return caps, ok
}

// Models returns the registered canonical model names, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether the model can serve a request of the given
// shape.
func (r *Registry) Supports(model string, reqs Requirements) bool {
	return r.ValidateModel(model, reqs) == nil
}

// ValidateModel checks a model against requirements and reports the
// first mismatch.
func (r *Registry) ValidateModel(model string, reqs Requirements) error {
	caps, ok := r.Get(model)
	if !ok {
		return fmt.Errorf("unknown model: %s", model)
	}
	return check(r.Resolve(model), caps, reqs)
}

func check(model string, caps Capabilities, reqs Requirements) error {
	if reqs.ContextTokens > caps.MaxContext {
		return &MismatchError{Model: model, Field: "max_context",
			Limit: caps.MaxContext, Requested: reqs.ContextTokens}
	}
	if reqs.OutputTokens > caps.MaxOutputTokens {
		return &MismatchError{Model: model, Field: "max_output_tokens",
			Limit: caps.MaxOutputTokens, Requested: reqs.OutputTokens}
	}
	if reqs.Multimodal && !caps.Multimodal {
		return &MismatchError{Model: model, Field: "multimodal",
			Limit: false, Requested: true}
	}
	if reqs.Streaming && !caps.Streaming {
		return &MismatchError{Model: model, Field: "streaming",
			Limit: false, Requested: true}
	}
	if reqs.FunctionCalling && !caps.FunctionCalling {
		return &MismatchError{Model: model, Field: "function_calling",
			Limit: false, Requested: true}
	}
	if reqs.JSONMode && !caps.JSONMode {
		return &MismatchError{Model: model, Field: "json_mode",
			Limit: false, Requested: true}
	}
	return nil
}

// FindSuitable returns all models satisfying the requirements, sorted
// by name for deterministic output.
func (r *Registry) FindSuitable(reqs Requirements) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var suitable []string
	for name, caps := range r.models {
		if check(name, caps, reqs) == nil {
			suitable = append(suitable, name)
		}
	}
	sort.Strings(suitable)
	return suitable
}

// FindCheapest returns the suitable model with the lowest estimated
// cost for the given input size and estimated output tokens, or "" when
// no model qualifies.
func (r *Registry) FindCheapest(reqs Requirements, estimatedOutput int) string {
	candidates := r.FindSuitable(reqs)
	if len(candidates) == 0 {
		return ""
	}

	best := ""
	bestCost := 0.0
	for _, name := range candidates {
		caps, _ := r.Get(name)
		cost := EstimateCost(caps, reqs.ContextTokens, estimatedOutput)
		if best == "" || cost < bestCost {
			best = name
			bestCost = cost
		}
	}
	return best
}

// EstimateCost computes the dollar cost of a call given token counts.
func EstimateCost(caps Capabilities, inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*caps.CostInPer1K + float64(outputTokens)*caps.CostOutPer1K) / 1000
}
