// Package barrier implements the per-job barrier: a sequence-guarded
// accumulation of entered ranks plus the FIFO of pending requests waiting
// on the barrier to complete so they can all be released together.
package barrier

import (
	"container/list"

	"go.uber.org/atomic"

	"derp/internal/derrors"
	"derp/internal/idset"
)

// Request is a pinned caller waiting for this barrier round to complete.
// The coordinator supplies a Respond closure that sends an empty reply
// back to whoever issued the original barrier-enter RPC.
type Request struct {
	Respond func()
}

// Barrier tracks one job's current barrier round: which ranks have
// entered it, at what sequence number, and who is waiting to be released
// when every target rank has entered.
type Barrier struct {
	sequence atomic.Int64
	ranks    *idset.Set
	requests *list.List
}

// New returns a barrier at sequence 0 with no ranks entered.
func New() *Barrier {
	return &Barrier{
		ranks:    idset.New(),
		requests: list.New(),
	}
}

// Sequence returns the barrier's current round number.
func (b *Barrier) Sequence() int64 {
	return b.sequence.Load()
}

// Ranks returns the set of ranks that have entered the current round.
func (b *Barrier) Ranks() *idset.Set {
	return b.ranks.Copy()
}

// Enter records a remote enter request: the ranks it reports as entered,
// tagged with the sequence number the requester believed was current. It
// is rejected with ErrInvalidSequence if that does not match the
// barrier's current sequence — the requester is stale and must retry
// against the new round. On success req is pinned until Reset or
// RespondAll releases it.
func (b *Barrier) Enter(seq int64, ranks *idset.Set, req Request) error {
	if seq != b.sequence.Load() {
		return derrors.ErrInvalidSequence
	}
	b.ranks.Add(ranks)
	b.requests.PushBack(req)
	return nil
}

// EnterLocal records that the local node's own rank has entered the
// barrier, without pinning any request — the local task signals entry
// through the executor's side channel, not a tree RPC, so there is
// nothing to respond to later.
func (b *Barrier) EnterLocal(rank int) {
	b.ranks.Set(rank)
}

// RespondAll releases every pinned request accumulated this round by
// invoking its Respond closure, in arrival order.
func (b *Barrier) RespondAll() {
	for e := b.requests.Front(); e != nil; e = e.Next() {
		e.Value.(Request).Respond()
	}
}

// Reset advances the barrier to its next round: increments the sequence,
// clears entered ranks, and discards any still-pinned requests (callers
// must invoke RespondAll first if those requests need a reply).
func (b *Barrier) Reset() {
	b.sequence.Inc()
	b.ranks.ClearAll()
	b.requests.Init()
}
