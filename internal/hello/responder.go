// Package hello implements the hello responder: the per-node accumulator
// that batches job-lifecycle entries destined for late-joining or
// resynchronizing descendants into a single coalesced "state-update"
// response, and the Response value forwarded through the peer table.
package hello

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"derp/internal/idset"
)

// jobEntry is one pending state-update record, equivalent to the original
// implementation's {id, userid, type, ranks} job object.
type jobEntry struct {
	JobID  string `json:"id"`
	UserID uint32 `json:"userid"`
	Type   string `json:"type"`
	Ranks  string `json:"ranks"`
}

// Response is a single hello reply: a type tag, the id-set of ranks it
// targets, and an arbitrary JSON-able payload. It travels from the
// responder through the peer table down to (possibly several) children,
// narrowed to each child's subtree along the way.
type Response struct {
	Type  string
	Idset *idset.Set
	Data  any
}

// Narrow returns a copy of r targeted at a (typically smaller) id-set,
// used by the peer table to restrict a response to one child's subtree
// before sending.
func (r *Response) Narrow(ids *idset.Set) *Response {
	return &Response{Type: r.Type, Idset: ids, Data: r.Data}
}

// Responder accumulates job-lifecycle entries and coalesces them into one
// state-update Response, flushed either on demand (Pop) or automatically a
// short delay after the first entry arrives in an otherwise-empty batch —
// the same shape as a buffered log that flushes on a short timer instead
// of waiting for a size threshold.
type Responder struct {
	delay   time.Duration
	onReady func(*Response)

	mu    sync.Mutex
	ranks *idset.Set
	jobs  []jobEntry
	timer *time.Timer

	pending atomic.Int64
}

// NewResponder creates a responder that, whenever Push makes a previously
// empty batch non-empty, arms a timer for delay and calls onReady with the
// coalesced Response when it fires. onReady may also never fire if the
// caller drains the batch itself via Pop first.
func NewResponder(delay time.Duration, onReady func(*Response)) *Responder {
	return &Responder{
		delay:   delay,
		onReady: onReady,
		ranks:   idset.New(),
	}
}

// Push appends one job-lifecycle entry to the current batch, unions ranks
// into the batch's accumulated target set, and arms the coalescing timer
// if this is the first entry since the last flush.
func (r *Responder) Push(jobID string, userID uint32, typ string, ranks *idset.Set) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs = append(r.jobs, jobEntry{
		JobID:  jobID,
		UserID: userID,
		Type:   typ,
		Ranks:  ranks.Encode(),
	})
	r.ranks.Add(ranks)
	r.pending.Inc()

	if r.timer == nil {
		r.timer = time.AfterFunc(r.delay, r.fire)
	}
}

func (r *Responder) fire() {
	if resp := r.Pop(); resp != nil && r.onReady != nil {
		r.onReady(resp)
	}
}

// Pending returns the number of job entries accumulated since the last
// Pop, read without taking the responder's mutex so callers (metrics,
// tests) can poll it cheaply.
func (r *Responder) Pending() int64 {
	return r.pending.Load()
}

// Pop clears the current batch and returns it as a single "state-update"
// Response, or nil if the batch is empty. Safe to call from any goroutine;
// it is what fire calls internally, and a caller may call it to flush a
// batch early instead of waiting out the timer.
func (r *Responder) Pop() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.jobs) == 0 {
		return nil
	}
	jobs := make([]jobEntry, len(r.jobs))
	copy(jobs, r.jobs)
	resp := &Response{
		Type:  "state-update",
		Idset: r.ranks.Copy(),
		Data:  map[string]any{"jobs": jobs},
	}

	r.jobs = r.jobs[:0]
	r.ranks.ClearAll()
	r.pending.Store(0)
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return resp
}
