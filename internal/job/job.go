// Package job owns the per-node job table and the per-job, per-node state
// machine described in the state machine summary: REGISTERED -> LAUNCHED
// -> STARTED -> FINISHED, with a barrier-enter self-loop on STARTED and an
// exception fast path to FINISHED from any state.
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/looplab/fsm"

	"derp/internal/derrors"
	"derp/internal/idset"
	"derp/internal/job/barrier"
)

// States.
const (
	StateRegistered = "registered"
	StateLaunched   = "launched"
	StateStarted    = "started"
	StateFinished   = "finished"
)

// Events.
const (
	EventLaunch    = "launch"
	EventRun       = "run"
	EventBarrier   = "barrier-enter"
	EventFinish    = "finish"
	EventException = "exception"
)

// Process is the local task handle a job owns once it has been launched
// on this node (rank is a member of the job's target set). It is
// satisfied by internal/localexec.Task.
type Process interface {
	Signal(sig os.Signal) error
	WriteProtocol(line string) error
}

// Responder completes the external request that created a job. It is set
// only on the node that originated the request (by Exec.Start), which
// therefore terminates aggregation instead of notifying further upstream.
type Responder struct {
	Start     func()
	Finish    func(status int)
	Exception func(severity int, typ, note string)
}

// Job is one job's state on this node: its target and derived id-sets,
// its barrier, and (if this node is a participant) its local process.
type Job struct {
	ID     string
	UserID uint32

	Ranks        *idset.Set // target: every rank the job runs on, cluster-wide
	SubtreeRanks *idset.Set // target ∩ this node's coverage

	StartRanks  *idset.Set
	FinishRanks *idset.Set
	Status      int

	Barrier *barrier.Barrier

	// Respond, if non-nil, completes the external request that created
	// this job (set only on the node that originated the request).
	// Completion notifies instead travel upstream via notify when Respond
	// is nil.
	Respond *Responder

	Process Process

	mu  sync.Mutex
	fsm *fsm.FSM
}

// New creates a job with target ranks decoded from ranksStr, scoped to
// this node's subtree by intersecting with coverage (the id-set of ranks
// this node and its descendants cover).
func New(id string, userid uint32, ranksStr string, coverage *idset.Set) (*Job, error) {
	target, err := idset.Decode(ranksStr)
	if err != nil {
		return nil, fmt.Errorf("job: %w: %v", derrors.ErrMalformed, err)
	}
	j := &Job{
		ID:           id,
		UserID:       userid,
		Ranks:        target,
		SubtreeRanks: idset.Intersect(target, coverage),
		StartRanks:   idset.New(),
		FinishRanks:  idset.New(),
		Barrier:      barrier.New(),
	}
	j.fsm = fsm.NewFSM(StateRegistered, fsm.Events{
		{Name: EventLaunch, Src: []string{StateRegistered}, Dst: StateLaunched},
		{Name: EventRun, Src: []string{StateLaunched}, Dst: StateStarted},
		{Name: EventBarrier, Src: []string{StateStarted}, Dst: StateStarted},
		{Name: EventFinish, Src: []string{StateLaunched, StateStarted}, Dst: StateFinished},
		{Name: EventException, Src: []string{StateRegistered, StateLaunched, StateStarted}, Dst: StateFinished},
	}, fsm.Callbacks{})
	return j, nil
}

// State returns the job's current state on this node.
func (j *Job) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fsm.Current()
}

// IsParticipant reports whether this node's own rank is among the job's
// target ranks — the launch condition, §4.5.
func (j *Job) IsParticipant(localRank int) bool {
	return j.Ranks.Has(localRank)
}

func (j *Job) event(name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fsm.Event(context.Background(), name); err != nil {
		return fmt.Errorf("job %s: %s: %w", j.ID, name, err)
	}
	return nil
}

// Launch transitions REGISTERED -> LAUNCHED, once a local task has been
// spawned for this job.
func (j *Job) Launch() error { return j.event(EventLaunch) }

// Run transitions LAUNCHED -> STARTED on the executor's running callback.
func (j *Job) Run() error { return j.event(EventRun) }

// EnterBarrier records the self-loop on STARTED triggered by a
// barrier-enter; it exists to mirror the state table exactly even though
// the transition is a no-op — callers still go through barrier.Barrier
// for the actual entered-ranks bookkeeping.
func (j *Job) EnterBarrier() error {
	err := j.event(EventBarrier)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Finish transitions to FINISHED on task completion or failure.
func (j *Job) Finish() error { return j.event(EventFinish) }

// Exception transitions to FINISHED via the severity-0 exception fast
// path, skippable from any pre-finish state.
func (j *Job) Exception() error { return j.event(EventException) }

// Table is the per-node hash of jobs keyed by id.
type Table struct {
	mu   sync.RWMutex
	byID map[string]*Job
}

// NewTable returns an empty job table.
func NewTable() *Table {
	return &Table{byID: make(map[string]*Job)}
}

// Add inserts job, returning derrors.ErrExists if its id is already
// present (mirrors derp_job_hash_add's EEXIST behavior).
func (t *Table) Add(j *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[j.ID]; exists {
		return derrors.ErrExists
	}
	t.byID[j.ID] = j
	return nil
}

// Lookup returns the job for id, or (nil, false) if none exists.
func (t *Table) Lookup(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.byID[id]
	return j, ok
}

// Delete removes a job from the table.
func (t *Table) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// All returns every job currently tracked, in no particular order.
func (t *Table) All() []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Job, 0, len(t.byID))
	for _, j := range t.byID {
		out = append(out, j)
	}
	return out
}
