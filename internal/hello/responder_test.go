package hello

import (
	"sync"
	"testing"
	"time"

	"derp/internal/idset"
)

func TestPushPop(t *testing.T) {
	r := NewResponder(time.Hour, nil)
	if got := r.Pop(); got != nil {
		t.Fatalf("expected nil pop on empty responder, got %v", got)
	}

	r.Push("job-1", 100, "submit", idset.Of(0, 1))
	r.Push("job-2", 100, "start", idset.Of(1, 2))

	if r.Pending() != 2 {
		t.Fatalf("expected pending=2, got %d", r.Pending())
	}

	resp := r.Pop()
	if resp == nil {
		t.Fatal("expected a response")
	}
	if resp.Type != "state-update" {
		t.Errorf("type = %q", resp.Type)
	}
	if resp.Idset.Encode() != "0-2" {
		t.Errorf("idset = %q, want %q", resp.Idset.Encode(), "0-2")
	}
	jobs, ok := resp.Data.(map[string]any)["jobs"].([]jobEntry)
	if !ok || len(jobs) != 2 {
		t.Fatalf("expected 2 job entries, got %#v", resp.Data)
	}

	if r.Pending() != 0 {
		t.Fatalf("expected pending=0 after pop, got %d", r.Pending())
	}
	if got := r.Pop(); got != nil {
		t.Fatalf("expected nil pop after drain, got %v", got)
	}
}

func TestCoalescingTimerFires(t *testing.T) {
	var mu sync.Mutex
	var got *Response
	done := make(chan struct{})

	r := NewResponder(10*time.Millisecond, func(resp *Response) {
		mu.Lock()
		got = resp
		mu.Unlock()
		close(done)
	})

	r.Push("job-1", 1, "submit", idset.Of(0))
	r.Push("job-2", 1, "submit", idset.Of(1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalescing timer to fire")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected onReady to receive a response")
	}
	if got.Idset.Encode() != "0-1" {
		t.Errorf("idset = %q", got.Idset.Encode())
	}
}

func TestNarrow(t *testing.T) {
	r := &Response{Type: "state-update", Idset: idset.Of(0, 1, 2)}
	n := r.Narrow(idset.Of(1))
	if n.Idset.Encode() != "1" {
		t.Errorf("narrowed idset = %q", n.Idset.Encode())
	}
	if n.Type != r.Type {
		t.Errorf("narrow should preserve type")
	}
}
