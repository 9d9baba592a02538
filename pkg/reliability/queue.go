package reliability

import (
	"fmt"
	"sync"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// QueueFullError is returned when a bounded queue rejects an enqueue.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("request queue full (capacity %d)", e.Capacity)
}

// QueueTimeoutError completes futures whose entries expired in queue.
type QueueTimeoutError struct {
	RequestID string
	Waited    time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("request %s expired after %v in queue", e.RequestID, e.Waited)
}

// Future delivers the eventual outcome of a queued request. Complete and
// Fail may each be called once; later calls are ignored.
type Future struct {
	once sync.Once
	ch   chan futureResult
}

type futureResult struct {
	response *protocol.Response
	err      error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{ch: make(chan futureResult, 1)}
}

// Complete resolves the future with a response.
func (f *Future) Complete(resp *protocol.Response) {
	f.once.Do(func() {
		f.ch <- futureResult{response: resp}
		close(f.ch)
	})
}

// Fail resolves the future with an error.
func (f *Future) Fail(err error) {
	f.once.Do(func() {
		f.ch <- futureResult{err: err}
		close(f.ch)
	})
}

// Wait blocks until the future resolves or the timeout elapses.
func (f *Future) Wait(timeout time.Duration) (*protocol.Response, error) {
	select {
	case res := <-f.ch:
		return res.response, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for queued response")
	}
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan futureResult {
	return f.ch
}

// QueueEntry is a request waiting out an open breaker.
type QueueEntry struct {
	Request    *protocol.Request
	Model      string
	EnqueuedAt time.Time
	Future     *Future
}

// RequestQueue is a bounded FIFO with per-entry TTL. Expired entries are
// dropped at dequeue time and their futures completed with a timeout
// error.
type RequestQueue struct {
	mu          sync.Mutex
	entries     []*QueueEntry
	maxSize     int
	maxWaitTime time.Duration
}

// NewRequestQueue creates a queue with the given capacity and TTL.
func NewRequestQueue(maxSize int, maxWaitTime time.Duration) *RequestQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if maxWaitTime <= 0 {
		maxWaitTime = 5 * time.Minute
	}
	return &RequestQueue{
		maxSize:     maxSize,
		maxWaitTime: maxWaitTime,
	}
}

// Enqueue appends an entry, returning false when the queue is full.
func (q *RequestQueue) Enqueue(req *protocol.Request, model string) (*Future, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return nil, false
	}

	entry := &QueueEntry{
		Request:    req,
		Model:      model,
		EnqueuedAt: time.Now(),
		Future:     NewFuture(),
	}
	q.entries = append(q.entries, entry)
	return entry.Future, true
}

// Requeue puts a dequeued entry back at the head, preserving its future
// and original enqueue time. Returns false when the queue is full.
func (q *RequestQueue) Requeue(entry *QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return false
	}
	q.entries = append([]*QueueEntry{entry}, q.entries...)
	return true
}

// Dequeue pops the oldest live entry, expiring stale entries along the
// way. Returns nil when the queue is empty.
func (q *RequestQueue) Dequeue() *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.entries) > 0 {
		entry := q.entries[0]
		q.entries = q.entries[1:]

		waited := now.Sub(entry.EnqueuedAt)
		if waited > q.maxWaitTime {
			entry.Future.Fail(&QueueTimeoutError{
				RequestID: entry.Request.RequestID,
				Waited:    waited,
			})
			continue
		}
		return entry
	}
	return nil
}

// Len returns the number of queued entries, including not-yet-expired
// stale ones.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear cancels every queued future and empties the queue.
func (q *RequestQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.entries {
		entry.Future.Fail(fmt.Errorf("request queue cleared"))
	}
	q.entries = nil
}
