// Package protocol defines the typed request/response contract shared by
// the gateway, the agents, and the scheduler.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// AgentType identifies the specialized agent family a request belongs to.
type AgentType string

const (
	AgentGeneration AgentType = "generation"
	AgentReflection AgentType = "reflection"
	AgentRanking    AgentType = "ranking"
	AgentEvolution  AgentType = "evolution"
	AgentProximity  AgentType = "proximity"
	AgentMetaReview AgentType = "meta-review"
)

// ValidAgentTypes returns the closed set of agent types.
func ValidAgentTypes() []AgentType {
	return []AgentType{
		AgentGeneration,
		AgentReflection,
		AgentRanking,
		AgentEvolution,
		AgentProximity,
		AgentMetaReview,
	}
}

// IsValid reports whether t is a member of the closed agent type set.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentGeneration, AgentReflection, AgentRanking,
		AgentEvolution, AgentProximity, AgentMetaReview:
		return true
	}
	return false
}

// RequestType identifies the gateway operation being requested.
type RequestType string

const (
	RequestGenerate RequestType = "generate"
	RequestAnalyze  RequestType = "analyze"
	RequestEvaluate RequestType = "evaluate"
	RequestCompare  RequestType = "compare"
)

// IsValid reports whether t is a member of the closed request type set.
func (t RequestType) IsValid() bool {
	switch t {
	case RequestGenerate, RequestAnalyze, RequestEvaluate, RequestCompare:
		return true
	}
	return false
}

// Content carries the prompt plus auxiliary context and generation
// parameters for a request.
type Content struct {
	Prompt     string         `json:"prompt"`
	Context    map[string]any `json:"context,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Request is the typed unit of work submitted to the gateway.
type Request struct {
	RequestID   string      `json:"request_id"`
	AgentType   AgentType   `json:"agent_type"`
	RequestType RequestType `json:"request_type"`
	Content     Content     `json:"content"`
}

// NewRequest builds a request with a generated id.
func NewRequest(agentType AgentType, requestType RequestType, prompt string) *Request {
	return &Request{
		RequestID:   uuid.NewString(),
		AgentType:   agentType,
		RequestType: requestType,
		Content:     Content{Prompt: prompt},
	}
}

// Status is the terminal disposition of a response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPartial Status = "partial"
)

// Result carries the model output and response metadata.
type Result struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorInfo is the {code, message, recoverable} triple carried by every
// error response.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response echoes the request id and carries exactly one of Result or
// ErrorInfo for a terminal status.
type Response struct {
	RequestID string     `json:"request_id"`
	Status    Status     `json:"status"`
	Response  *Result    `json:"response,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// Queued reports whether the response is the queued-for-later sentinel
// rather than a real model reply. Callers must not treat queued
// responses as final artifacts.
func (r *Response) Queued() bool {
	return r.Response != nil && r.Response.Metadata != nil && r.Response.Metadata["queued"] == true
}

// SuccessResponse builds a success response for a request.
func SuccessResponse(requestID, content string, metadata map[string]any) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StatusSuccess,
		Response:  &Result{Content: content, Metadata: metadata},
	}
}

// ErrorResponse builds an error response for a request.
func ErrorResponse(requestID, code, message string, recoverable bool) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StatusError,
		Error:     &ErrorInfo{Code: code, Message: message, Recoverable: recoverable},
	}
}

// Usage is the token accounting reported by an upstream endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
