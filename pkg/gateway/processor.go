package gateway

import (
	"context"
	"sync"
	"time"
)

// QueueProcessor drains the recovery queue in the background, replaying
// parked requests once their model's breaker allows traffic again.
type QueueProcessor struct {
	gateway  *Gateway
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewQueueProcessor builds a processor polling at the given interval.
func NewQueueProcessor(g *Gateway, interval time.Duration) *QueueProcessor {
	if interval <= 0 {
		interval = time.Second
	}
	return &QueueProcessor{
		gateway:  g,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the drain loop. It returns immediately.
func (p *QueueProcessor) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (p *QueueProcessor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *QueueProcessor) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain replays queued requests until the queue is empty or the head
// entry's breaker is still refusing traffic.
func (p *QueueProcessor) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		entry := p.gateway.queue.Dequeue()
		if entry == nil {
			return
		}

		breaker := p.gateway.breakers.Get(entry.Model)
		if err := breaker.Allow(); err != nil {
			// Still down. Put it back and try next tick.
			if !p.gateway.queue.Requeue(entry) {
				entry.Future.Fail(err)
			}
			return
		}

		resp := p.gateway.dispatch(ctx, entry.Request, entry.Model)
		if resp.Error != nil {
			entry.Future.Fail(resp.Error)
			p.gateway.logger.Warn("queued request failed on replay",
				"request_id", entry.Request.RequestID,
				"model", entry.Model,
				"error", resp.Error.Message)
			continue
		}
		entry.Future.Complete(resp)
		p.gateway.logger.Info("queued request replayed",
			"request_id", entry.Request.RequestID,
			"model", entry.Model,
			"waited", time.Since(entry.EnqueuedAt).Round(time.Millisecond))
	}
}
