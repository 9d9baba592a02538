// Package health runs the periodic upstream probe loop and feeds the
// results back into model availability and circuit breakers.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/reliability"
	"github.com/coscientist-ai/coscientist/pkg/selector"
)

// Status is the coarse system health reported by a probe.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Report is the result of one probe: overall status plus per-model
// availability.
type Report struct {
	Status Status
	Models map[string]bool
}

// Prober answers health probes. The gateway implements this.
type Prober interface {
	HealthStatus(ctx context.Context) (*Report, error)
}

// Stats is a snapshot of the monitor's counters.
type Stats struct {
	CurrentStatus    Status        `json:"current_status"`
	TotalChecks      int64         `json:"total_checks"`
	ErrorCount       int64         `json:"error_count"`
	ErrorRate        float64       `json:"error_rate"`
	UptimePercentage float64       `json:"uptime_percentage"`
	LastStatusChange time.Time     `json:"last_status_change"`
	Interval         time.Duration `json:"interval"`
}

// Monitor probes the gateway on a fixed interval, marking models
// (un)available in the selector and resetting breakers on recovery.
type Monitor struct {
	prober   Prober
	selector *selector.Selector
	breakers *reliability.BreakerRegistry
	interval time.Duration

	onStatusChange func(old, new Status)

	mu               sync.Mutex
	currentStatus    Status
	totalChecks      int64
	errorCount       int64
	healthyChecks    int64
	lastStatusChange time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStatusChangeCallback registers a transition callback.
func WithStatusChangeCallback(fn func(old, new Status)) Option {
	return func(m *Monitor) {
		m.onStatusChange = fn
	}
}

// NewMonitor creates a monitor. Start must be called to begin probing.
func NewMonitor(prober Prober, sel *selector.Selector, breakers *reliability.BreakerRegistry, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		prober:           prober,
		selector:         sel,
		breakers:         breakers,
		interval:         interval,
		currentStatus:    StatusUnknown,
		lastStatusChange: time.Now(),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the probe loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// CheckNow performs a single probe outside the loop schedule.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.check(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	report, err := m.prober.HealthStatus(ctx)

	m.mu.Lock()
	m.totalChecks++
	if err != nil {
		m.errorCount++
		m.mu.Unlock()
		// A failed probe is noted and the loop keeps going.
		slog.Warn("health probe failed", "error", err)
		m.setStatus(StatusUnknown)
		return
	}
	if report.Status == StatusHealthy {
		m.healthyChecks++
	}
	m.mu.Unlock()

	m.setStatus(report.Status)

	for model, available := range report.Models {
		if available {
			if m.selector != nil {
				m.selector.MarkAvailable(model)
			}
			if m.breakers != nil {
				cb := m.breakers.Get(model)
				if cb.State() != reliability.StateClosed {
					slog.Info("model recovered, resetting breaker", "model", model)
					cb.Reset()
				}
			}
		} else {
			if m.selector != nil {
				m.selector.MarkUnavailable(model)
			}
			slog.Warn("model unavailable", "model", model)
		}
	}
}

func (m *Monitor) setStatus(status Status) {
	m.mu.Lock()
	old := m.currentStatus
	if old != status {
		m.currentStatus = status
		m.lastStatusChange = time.Now()
	}
	callback := m.onStatusChange
	m.mu.Unlock()

	if old != status {
		slog.Info("health status changed", "from", old, "to", status)
		if callback != nil {
			callback(old, status)
		}
	}
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		CurrentStatus:    m.currentStatus,
		TotalChecks:      m.totalChecks,
		ErrorCount:       m.errorCount,
		LastStatusChange: m.lastStatusChange,
		Interval:         m.interval,
	}
	if m.totalChecks > 0 {
		stats.ErrorRate = float64(m.errorCount) / float64(m.totalChecks)
		stats.UptimePercentage = float64(m.healthyChecks) / float64(m.totalChecks) * 100
	}
	return stats
}
