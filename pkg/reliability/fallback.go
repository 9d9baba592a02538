package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FallbackAttempt records one hop in a fallback sequence.
type FallbackAttempt struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Reason   string        `json:"reason"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// ClientFunc performs the operation against a named client and returns
// its content.
type ClientFunc func(ctx context.Context, client string) (string, error)

// FallbackChain tries a preferred client first, then a configured
// ranked list, recording each hop.
type FallbackChain struct {
	clients []string

	mu      sync.Mutex
	history []FallbackAttempt
}

// NewFallbackChain creates a chain over the ranked client list.
func NewFallbackChain(clients []string) *FallbackChain {
	return &FallbackChain{clients: clients}
}

// Execute runs fn against preferred first, then each configured client
// in rank order, skipping duplicates. It returns the first successful
// result together with the client that produced it; when every client
// fails, the last error is returned.
func (f *FallbackChain) Execute(ctx context.Context, preferred string, fn ClientFunc) (string, string, error) {
	order := f.order(preferred)
	if len(order) == 0 {
		return "", "", fmt.Errorf("no fallback clients configured")
	}

	var lastErr error
	previous := ""

	for _, client := range order {
		start := time.Now()
		result, err := fn(ctx, client)
		duration := time.Since(start)

		attempt := FallbackAttempt{
			From:     previous,
			To:       client,
			Success:  err == nil,
			Duration: duration,
			At:       start,
		}
		if err != nil {
			attempt.Reason = string(Categorize(err))
		}
		f.record(attempt)

		if err == nil {
			if previous != "" {
				slog.Info("fallback succeeded",
					"from", previous,
					"to", client,
					"duration", duration)
			}
			return result, client, nil
		}

		slog.Warn("client attempt failed",
			"client", client,
			"category", Categorize(err),
			"error", err)

		lastErr = err
		previous = client

		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
	}

	return "", "", fmt.Errorf("all fallback clients failed: %w", lastErr)
}

// History returns a copy of the recorded attempts.
func (f *FallbackChain) History() []FallbackAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FallbackAttempt, len(f.history))
	copy(out, f.history)
	return out
}

func (f *FallbackChain) record(attempt FallbackAttempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, attempt)
}

func (f *FallbackChain) order(preferred string) []string {
	seen := make(map[string]bool)
	var order []string
	if preferred != "" {
		order = append(order, preferred)
		seen[preferred] = true
	}
	for _, client := range f.clients {
		if !seen[client] {
			order = append(order, client)
			seen[client] = true
		}
	}
	return order
}
