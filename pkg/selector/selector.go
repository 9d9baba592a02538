// Package selector routes agent tasks to model names, tracks model
// availability, and accumulates per-model usage and cost.
package selector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coscientist-ai/coscientist/pkg/capability"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
	"github.com/coscientist-ai/coscientist/pkg/reliability"
)

// Task names the canonical task classes models are ranked for.
type Task string

const (
	TaskGeneration Task = "generation"
	TaskAnalysis   Task = "analysis"
	TaskEvaluation Task = "evaluation"
	TaskComparison Task = "comparison"
)

// agentTaskMap maps an agent type to its canonical task.
var agentTaskMap = map[protocol.AgentType]Task{
	protocol.AgentGeneration: TaskGeneration,
	protocol.AgentReflection: TaskEvaluation,
	protocol.AgentRanking:    TaskComparison,
	protocol.AgentEvolution:  TaskGeneration,
	protocol.AgentProximity:  TaskAnalysis,
	protocol.AgentMetaReview: TaskAnalysis,
}

// NoModelAvailableError is returned when every candidate is filtered
// out.
type NoModelAvailableError struct {
	Task Task
}

func (e *NoModelAvailableError) Error() string {
	return fmt.Sprintf("no model available for task %q", e.Task)
}

// Selector owns task preferences, per-agent routing rules, model
// availability, and usage records.
type Selector struct {
	capabilities *capability.Registry
	breakers     *reliability.BreakerRegistry

	mu              sync.RWMutex
	taskPreferences map[Task][]string
	routingRules    map[protocol.AgentType]string
	unavailable     map[string]bool
	usage           map[string]*UsageRecord
	defaultModel    string
}

// New creates a selector backed by the capability registry and breaker
// registry.
func New(caps *capability.Registry, breakers *reliability.BreakerRegistry) *Selector {
	return &Selector{
		capabilities:    caps,
		breakers:        breakers,
		taskPreferences: make(map[Task][]string),
		routingRules:    make(map[protocol.AgentType]string),
		unavailable:     make(map[string]bool),
		usage:           make(map[string]*UsageRecord),
	}
}

// SetDefaultModel sets the fallback model used when no preference or
// routing rule applies.
func (s *Selector) SetDefaultModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultModel = model
}

// SetTaskPreference installs the ranked model list for a task.
func (s *Selector) SetTaskPreference(task Task, models []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskPreferences[task] = append([]string(nil), models...)
}

// SetRoutingRule pins an agent type to a model.
func (s *Selector) SetRoutingRule(agentType protocol.AgentType, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routingRules[agentType] = model
}

// MarkUnavailable removes a model from selection until marked available.
func (s *Selector) MarkUnavailable(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[model] = true
}

// MarkAvailable returns a model to selection.
func (s *Selector) MarkAvailable(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unavailable, model)
}

// IsAvailable reports whether the model is selectable.
func (s *Selector) IsAvailable(model string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.unavailable[model]
}

// SelectForTask returns the first available preferred model for a task.
// With budgetConscious set, available candidates are sorted ascending
// by input cost before picking.
func (s *Selector) SelectForTask(task Task, budgetConscious bool) (string, error) {
	candidates := s.availableCandidates(task)
	if len(candidates) == 0 {
		return "", &NoModelAvailableError{Task: task}
	}

	if budgetConscious {
		sort.SliceStable(candidates, func(i, j int) bool {
			ci, _ := s.capabilities.Get(candidates[i])
			cj, _ := s.capabilities.Get(candidates[j])
			return ci.CostInPer1K < cj.CostInPer1K
		})
	}

	return candidates[0], nil
}

// SelectForAgent resolves a model for an agent type: routing rule
// first, then the agent's canonical task preference.
func (s *Selector) SelectForAgent(agentType protocol.AgentType) (string, error) {
	s.mu.RLock()
	pinned, hasRule := s.routingRules[agentType]
	s.mu.RUnlock()

	if hasRule && s.IsAvailable(pinned) {
		return pinned, nil
	}

	task, ok := agentTaskMap[agentType]
	if !ok {
		task = TaskGeneration
	}
	return s.SelectForTask(task, false)
}

// SelectWithFailover picks the first candidate whose breaker is not
// OPEN, trying preferred first when given.
func (s *Selector) SelectWithFailover(task Task, preferred string) (string, error) {
	candidates := s.availableCandidates(task)
	if preferred != "" && s.IsAvailable(preferred) {
		candidates = append([]string{preferred}, candidates...)
	}

	seen := make(map[string]bool)
	for _, model := range candidates {
		if seen[model] {
			continue
		}
		seen[model] = true

		if s.breakers.Get(model).State() == reliability.StateOpen {
			continue
		}
		return model, nil
	}

	return "", &NoModelAvailableError{Task: task}
}

func (s *Selector) availableCandidates(task Task) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs := s.taskPreferences[task]
	var out []string
	for _, model := range prefs {
		if !s.unavailable[model] {
			out = append(out, model)
		}
	}
	if len(out) == 0 && s.defaultModel != "" && !s.unavailable[s.defaultModel] {
		out = append(out, s.defaultModel)
	}
	return out
}
