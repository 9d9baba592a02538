package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

func queuedRequest(id string) *protocol.Request {
	return &protocol.Request{
		RequestID:   id,
		AgentType:   protocol.AgentGeneration,
		RequestType: protocol.RequestGenerate,
		Content:     protocol.Content{Prompt: "p"},
	}
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	q := NewRequestQueue(10, time.Minute)

	if _, ok := q.Enqueue(queuedRequest("a"), "gpt-4"); !ok {
		t.Fatal("Enqueue(a) = false")
	}
	if _, ok := q.Enqueue(queuedRequest("b"), "gpt-4"); !ok {
		t.Fatal("Enqueue(b) = false")
	}

	first := q.Dequeue()
	if first == nil || first.Request.RequestID != "a" {
		t.Fatalf("Dequeue() = %v, want request a", first)
	}
	second := q.Dequeue()
	if second == nil || second.Request.RequestID != "b" {
		t.Fatalf("Dequeue() = %v, want request b", second)
	}
	if q.Dequeue() != nil {
		t.Error("Dequeue() on empty queue != nil")
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewRequestQueue(1, time.Minute)
	if _, ok := q.Enqueue(queuedRequest("a"), "gpt-4"); !ok {
		t.Fatal("first Enqueue() = false")
	}
	if _, ok := q.Enqueue(queuedRequest("b"), "gpt-4"); ok {
		t.Error("Enqueue() on full queue = true, want false")
	}
}

func TestQueueExpiresStaleEntries(t *testing.T) {
	q := NewRequestQueue(10, 10*time.Millisecond)
	future, ok := q.Enqueue(queuedRequest("stale"), "gpt-4")
	if !ok {
		t.Fatal("Enqueue() = false")
	}

	time.Sleep(20 * time.Millisecond)

	if entry := q.Dequeue(); entry != nil {
		t.Errorf("Dequeue() = %v, want nil (expired)", entry)
	}

	_, err := future.Wait(time.Second)
	var timeoutErr *QueueTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Errorf("future error = %v, want QueueTimeoutError", err)
	}
}

func TestQueueClearCancelsFutures(t *testing.T) {
	q := NewRequestQueue(10, time.Minute)
	future, _ := q.Enqueue(queuedRequest("a"), "gpt-4")

	q.Clear()

	if q.Len() != 0 {
		t.Errorf("Len() = %d after Clear(), want 0", q.Len())
	}
	if _, err := future.Wait(time.Second); err == nil {
		t.Error("future error = nil after Clear(), want cancellation")
	}
}

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture()
	f.Complete(protocol.SuccessResponse("r", "ok", nil))
	f.Fail(errors.New("late failure is ignored"))

	resp, err := f.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if resp.Response.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Response.Content)
	}
}
