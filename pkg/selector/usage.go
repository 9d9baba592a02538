package selector

import (
	"sort"

	"github.com/coscientist-ai/coscientist/pkg/capability"
)

// UsageRecord accumulates monotonically non-decreasing usage for one
// model.
type UsageRecord struct {
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	RequestCount    int64   `json:"request_count"`
	AccumulatedCost float64 `json:"accumulated_cost"`
}

// RecordUsage adds a completed request's token counts and computed cost
// to the model's record.
func (s *Selector) RecordUsage(model string, inputTokens, outputTokens int) {
	caps, _ := s.capabilities.Get(model)
	cost := capability.EstimateCost(caps, inputTokens, outputTokens)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[model]
	if !ok {
		rec = &UsageRecord{}
		s.usage[model] = rec
	}
	rec.InputTokens += int64(inputTokens)
	rec.OutputTokens += int64(outputTokens)
	rec.RequestCount++
	rec.AccumulatedCost += cost
}

// Usage returns a copy of one model's usage record.
func (s *Selector) Usage(model string) UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.usage[model]; ok {
		return *rec
	}
	return UsageRecord{}
}

// UsageReport aggregates usage per model.
type UsageReport struct {
	Models    map[string]UsageRecord `json:"models"`
	TotalCost float64                `json:"total_cost"`
	Requests  int64                  `json:"requests"`
}

// Report returns the per-model usage aggregate.
func (s *Selector) Report() UsageReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := UsageReport{Models: make(map[string]UsageRecord, len(s.usage))}
	for model, rec := range s.usage {
		report.Models[model] = *rec
		report.TotalCost += rec.AccumulatedCost
		report.Requests += rec.RequestCount
	}
	return report
}

// TrackedModels returns the models with recorded usage, sorted.
func (s *Selector) TrackedModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	models := make([]string, 0, len(s.usage))
	for model := range s.usage {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
