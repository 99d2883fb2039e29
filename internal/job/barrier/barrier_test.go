package barrier

import (
	"testing"

	"derp/internal/derrors"
	"derp/internal/idset"
)

func TestEnterRejectsStaleSequence(t *testing.T) {
	b := New()
	err := b.Enter(1, idset.Of(0), Request{Respond: func() {}})
	if err != derrors.ErrInvalidSequence {
		t.Fatalf("expected ErrInvalidSequence, got %v", err)
	}
}

func TestEnterAccumulatesRanks(t *testing.T) {
	b := New()
	if err := b.Enter(0, idset.Of(1, 2), Request{Respond: func() {}}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	b.EnterLocal(0)
	if got := b.Ranks().Encode(); got != "0-2" {
		t.Errorf("ranks = %q, want %q", got, "0-2")
	}
}

func TestRespondAllInvokesEveryPinnedRequest(t *testing.T) {
	b := New()
	var fired []int
	for i, rank := range []int{1, 2, 3} {
		i := i
		b.Enter(0, idset.Of(rank), Request{Respond: func() { fired = append(fired, i) }})
	}
	b.RespondAll()
	if len(fired) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(fired))
	}
	for i, v := range fired {
		if v != i {
			t.Errorf("responses fired out of arrival order: %v", fired)
		}
	}
}

func TestResetAdvancesSequenceAndClears(t *testing.T) {
	b := New()
	b.EnterLocal(0)
	b.Enter(0, idset.Of(1), Request{Respond: func() {}})

	b.Reset()

	if b.Sequence() != 1 {
		t.Fatalf("sequence = %d, want 1", b.Sequence())
	}
	if !b.Ranks().IsEmpty() {
		t.Fatalf("expected ranks cleared after reset, got %q", b.Ranks().Encode())
	}
	// a request entered against the old sequence must be rejected now.
	if err := b.Enter(0, idset.Of(2), Request{Respond: func() {}}); err != derrors.ErrInvalidSequence {
		t.Errorf("expected stale-sequence rejection after reset, got %v", err)
	}
	if err := b.Enter(1, idset.Of(2), Request{Respond: func() {}}); err != nil {
		t.Errorf("enter at new sequence: %v", err)
	}
}
