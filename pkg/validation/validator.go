// Package validation performs structural, size, and semantic checks on
// gateway requests before they reach any provider.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

const (
	// MaxPromptChars caps the prompt length.
	MaxPromptChars = 100_000

	// MaxContextBytes caps the serialized context mapping.
	MaxContextBytes = 1 << 20

	// MaxRequestBytes caps the serialized request as a whole.
	MaxRequestBytes = 5 << 20

	// MaxLengthCeiling caps the max_length parameter.
	MaxLengthCeiling = 1_000_000
)

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// ValidationError marks a request as malformed. Validation failures are
// never recoverable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid_request: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks a request against the structural, enum, size, and
// parameter rules and returns a sanitized copy. The input request is not
// modified. Validate is idempotent: validating an already-sanitized
// request yields the same result.
func Validate(req *protocol.Request) (*protocol.Request, error) {
	if req == nil {
		return nil, invalid("request", "request is nil")
	}
	if req.RequestID == "" {
		return nil, invalid("request_id", "missing")
	}
	if !req.AgentType.IsValid() {
		return nil, invalid("agent_type", fmt.Sprintf("unknown agent type %q", req.AgentType))
	}
	if !req.RequestType.IsValid() {
		return nil, invalid("request_type", fmt.Sprintf("unknown request type %q", req.RequestType))
	}
	if req.Content.Prompt == "" {
		return nil, invalid("content.prompt", "missing or empty")
	}
	if len(req.Content.Prompt) > MaxPromptChars {
		return nil, invalid("content.prompt",
			fmt.Sprintf("prompt exceeds %d characters", MaxPromptChars))
	}

	if req.Content.Context != nil {
		raw, err := json.Marshal(req.Content.Context)
		if err != nil {
			return nil, invalid("content.context", "context is not serializable")
		}
		if len(raw) > MaxContextBytes {
			return nil, invalid("content.context",
				fmt.Sprintf("context exceeds %d bytes", MaxContextBytes))
		}
	}

	if err := validateParameters(req.Content.Parameters); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, invalid("request", "request is not serializable")
	}
	if len(raw) > MaxRequestBytes {
		return nil, invalid("request",
			fmt.Sprintf("request exceeds %d bytes", MaxRequestBytes))
	}

	return Sanitize(req), nil
}

func validateParameters(params map[string]any) error {
	if params == nil {
		return nil
	}

	if raw, ok := params["temperature"]; ok {
		temp, ok := asFloat(raw)
		if !ok || temp < 0 || temp > 1 {
			return invalid("parameters.temperature", "must be a number in [0, 1]")
		}
	}

	if raw, ok := params["max_length"]; ok {
		maxLen, ok := asFloat(raw)
		if !ok || maxLen <= 0 || maxLen > MaxLengthCeiling {
			return invalid("parameters.max_length",
				fmt.Sprintf("must be a number in (0, %d]", MaxLengthCeiling))
		}
	}

	if raw, ok := params["response_format"]; ok {
		format, isStr := raw.(string)
		if !isStr {
			return invalid("parameters.response_format", "must be a string")
		}
		switch format {
		case "text", "structured", "list":
		default:
			return invalid("parameters.response_format",
				fmt.Sprintf("unknown format %q (supported: text, structured, list)", format))
		}
	}

	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Sanitize strips HTML and script tags from the identifier and prompt
// fields and returns a copy. Sanitizing twice is a no-op.
func Sanitize(req *protocol.Request) *protocol.Request {
	out := *req
	out.RequestID = stripTags(req.RequestID)
	out.Content.Prompt = stripTags(req.Content.Prompt)
	return &out
}

func stripTags(s string) string {
	return htmlTagPattern.ReplaceAllString(s, "")
}
