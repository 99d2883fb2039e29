package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"syscall"
	"time"

	"derp/internal/auditlog"
	"derp/internal/coordinator"
	"derp/internal/derrors"
	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/job"
	"derp/internal/job/barrier"
	"derp/internal/localexec"
)

// Exec is this node's job dispatch module: it owns the job table, spawns
// the local task for every job this node participates in, and aggregates
// start/barrier/finish up the tree — completing locally once a job's
// subtree ranks are fully accounted for, and notifying further upstream
// otherwise.
type Exec struct {
	c         *coordinator.Coordinator
	jobs      *job.Table
	hr        *hello.Responder
	localRank int
	coverage  *idset.Set // this node's own rank plus every rank its peer table can reach
	shellPath string
	log       *auditlog.Logger // nil in tests that build an Exec without a database
}

// NewExec builds the exec action module and registers its handlers on c.
// Barrier-enter is deliberately NOT registered through c.RegisterNotify:
// unlike every other notify type here, it is a two-way RPC (a parent only
// replies once its own aggregation is satisfied), so the transport must
// call Exec.HandleBarrierEnter directly with a respond closure instead of
// going through the fire-and-forget notify registry.
func NewExec(c *coordinator.Coordinator, jobs *job.Table, hr *hello.Responder, localRank int, coverage *idset.Set, shellPath string, auditLogger *auditlog.Logger) (*Exec, error) {
	e := &Exec{c: c, jobs: jobs, hr: hr, localRank: localRank, coverage: coverage, shellPath: shellPath, log: auditLogger}
	if err := c.RegisterAction("state-update", e.handleStateUpdate); err != nil {
		return nil, err
	}
	if err := c.RegisterAction("kill", e.handleKill); err != nil {
		return nil, err
	}
	if err := c.RegisterNotify("start", e.handleStarted); err != nil {
		return nil, err
	}
	if err := c.RegisterNotify("finish", e.handleFinish); err != nil {
		return nil, err
	}
	if err := c.RegisterNotify("release", e.handleRelease); err != nil {
		return nil, err
	}
	if err := c.RegisterNotify("exception", e.handleException); err != nil {
		return nil, err
	}
	return e, nil
}

// logEvent records a job lifecycle event, a no-op when e was built without
// a logger (as every test's rootExec does).
func (e *Exec) logEvent(jobID, action, detail string) {
	if e.log == nil {
		return
	}
	if err := e.log.Log(auditlog.Event{
		Timestamp: time.Now().Unix(),
		JobID:     jobID,
		Rank:      e.localRank,
		Action:    action,
		Detail:    detail,
	}); err != nil {
		log.Printf("exec: %s: audit log: %v", jobID, err)
	}
}

// jobEntry mirrors the shape the hello responder batches job additions
// into (internal/hello).
type jobEntry struct {
	ID     string `json:"id"`
	UserID uint32 `json:"userid"`
	Type   string `json:"type"`
	Ranks  string `json:"ranks"`
}

// remarshal round-trips data through JSON so handlers can treat it
// uniformly whether it arrived as a concrete Go value (local dispatch, or
// a test double) or as the generic map/slice shape produced by decoding
// an envelope off the wire.
func remarshal(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", derrors.ErrMalformed, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", derrors.ErrMalformed, err)
	}
	return nil
}

// Start handles an externally issued start request: registers a new job
// targeting ranks and, unless the sole target is this node itself,
// queues an "add" entry so descendants not directly reached by this
// node's own forward still learn of the job via the hello protocol. The
// supplied closures (any of which may be nil) are invoked once the job
// reaches the corresponding aggregation point.
func (e *Exec) Start(id string, userid uint32, ranksStr string, onStart func(), onFinish func(status int), onException func(severity int, typ, note string)) error {
	ranks, err := idset.Decode(ranksStr)
	if err != nil {
		return fmt.Errorf("%w: %v", derrors.ErrMalformed, err)
	}
	if !(ranks.Count() == 1 && ranks.Has(e.localRank)) {
		e.hr.Push(id, userid, "add", ranks)
	}
	respond := &job.Responder{Start: onStart, Finish: onFinish, Exception: onException}
	_, err = e.addJob(id, userid, ranksStr, respond)
	return err
}

// Kill handles an externally issued kill request, forwarding the signal
// downward to every targeted rank.
func (e *Exec) Kill(ranks *idset.Set, id string, sig int) error {
	return e.c.Forward("kill", ranks, map[string]any{"id": id, "signal": sig})
}

// addJob registers a new job in the table and, if this node is a
// participant, launches its local task. It returns derrors.ErrExists if
// id is already tracked.
func (e *Exec) addJob(id string, userid uint32, ranksStr string, respond *job.Responder) (*job.Job, error) {
	if _, exists := e.jobs.Lookup(id); exists {
		return nil, derrors.ErrExists
	}
	j, err := job.New(id, userid, ranksStr, e.coverage)
	if err != nil {
		return nil, err
	}
	j.Respond = respond
	if err := e.jobs.Add(j); err != nil {
		return nil, err
	}
	e.logEvent(id, "add", fmt.Sprintf("userid=%d ranks=%s", userid, ranksStr))
	if j.IsParticipant(e.localRank) {
		if err := e.launch(j); err != nil {
			log.Printf("exec: %s: launch: %v", id, err)
		}
	}
	return j, nil
}

// launch spawns the local task for j. OnRunning is invoked from inside
// Spawn on the caller's goroutine; the other callbacks arrive on
// goroutines owned by the task (stdout/stderr/protocol scanners, Wait).
// Every state-touching callback is posted onto the coordinator's single
// event-loop goroutine rather than touching job/barrier state directly.
func (e *Exec) launch(j *job.Job) error {
	namespace := fmt.Sprintf("derp-job-%s", j.ID)
	task, err := localexec.Spawn(e.shellPath, j.ID, namespace, j.Ranks.Count(), localexec.Callbacks{
		OnRunning:    func() { e.c.Post(func() { e.onRunning(j) }) },
		OnProtocol:   func(line string) { e.c.Post(func() { e.onProtocol(j, line) }) },
		OnDiagnostic: func(stream, line string) { log.Printf("job %s %s: %s", j.ID, stream, line) },
		OnComplete:   func(status int) { e.c.Post(func() { e.onComplete(j, status) }) },
		OnFailed:     func(cause error) { e.c.Post(func() { e.onFailed(j, cause) }) },
	})
	if err != nil {
		return err
	}
	j.Process = task
	return j.Launch()
}

// handleStateUpdate is the registered "state-update" action: it fires on
// every node a hello-originated batch reaches, adding any job this node
// hasn't already registered.
func (e *Exec) handleStateUpdate(ids *idset.Set, data any) {
	var payload struct {
		Jobs []jobEntry `json:"jobs"`
	}
	if err := remarshal(data, &payload); err != nil {
		log.Printf("exec: state-update: %v", err)
		return
	}
	for _, entry := range payload.Jobs {
		if entry.Type != "add" {
			continue
		}
		if _, err := e.addJob(entry.ID, entry.UserID, entry.Ranks, nil); err != nil && err != derrors.ErrExists {
			log.Printf("exec: add job %s: %v", entry.ID, err)
		}
	}
}

// handleKill is the registered "kill" action: it fires on every node the
// forward reaches, signaling the local task if this node has one.
func (e *Exec) handleKill(ids *idset.Set, data any) {
	var payload struct {
		ID     string `json:"id"`
		Signal int    `json:"signal"`
	}
	if err := remarshal(data, &payload); err != nil {
		log.Printf("exec: kill: %v", err)
		return
	}
	j, ok := e.jobs.Lookup(payload.ID)
	if !ok {
		log.Printf("exec: kill: job %s not found", payload.ID)
		return
	}
	if j.Process == nil {
		return
	}
	if err := j.Process.Signal(syscall.Signal(payload.Signal)); err != nil {
		log.Printf("exec: kill: %s: %v", payload.ID, err)
	}
	e.logEvent(payload.ID, "kill", fmt.Sprintf("signal=%d", payload.Signal))
}

func (e *Exec) onRunning(j *job.Job) {
	j.StartRanks.Set(e.localRank)
	if err := j.Run(); err != nil {
		log.Printf("exec: %s: run: %v", j.ID, err)
	}
	e.logEvent(j.ID, "start", "")
	e.notifyStart(j)
}

func (e *Exec) notifyStart(j *job.Job) {
	if !j.StartRanks.Equal(j.SubtreeRanks) {
		return
	}
	if j.Respond != nil {
		if j.Respond.Start != nil {
			j.Respond.Start()
		}
		return
	}
	if err := e.c.Notify(context.Background(), "start", map[string]any{
		"id":    j.ID,
		"ranks": j.StartRanks.Encode(),
	}); err != nil {
		log.Printf("exec: %s: start notify: %v", j.ID, err)
	}
}

func (e *Exec) handleStarted(data any) {
	var payload struct {
		ID    string `json:"id"`
		Ranks string `json:"ranks"`
	}
	if err := remarshal(data, &payload); err != nil {
		log.Printf("exec: start: %v", err)
		return
	}
	j, ok := e.jobs.Lookup(payload.ID)
	if !ok {
		log.Printf("exec: start: job %s not found", payload.ID)
		return
	}
	ranks, err := idset.Decode(payload.Ranks)
	if err != nil {
		log.Printf("exec: start: %v", err)
		return
	}
	j.StartRanks.Add(ranks)
	e.notifyStart(j)
}

func (e *Exec) onComplete(j *job.Job, status int) {
	if status > j.Status {
		j.Status = status
	}
	e.finishLocal(j)
}

func (e *Exec) onFailed(j *job.Job, cause error) {
	if code := derrors.ExitCode(cause); code > j.Status {
		j.Status = code
	}
	e.finishLocal(j)
}

func (e *Exec) finishLocal(j *job.Job) {
	j.FinishRanks.Set(e.localRank)
	if err := j.Finish(); err != nil {
		log.Printf("exec: %s: finish: %v", j.ID, err)
	}
	e.logEvent(j.ID, "finish", fmt.Sprintf("status=%d", j.Status))
	e.notifyFinish(j)
}

func (e *Exec) notifyFinish(j *job.Job) {
	if !j.FinishRanks.Equal(j.SubtreeRanks) {
		return
	}
	if j.Respond != nil {
		if j.Respond.Finish != nil {
			j.Respond.Finish(j.Status)
		}
		return
	}
	if err := e.c.Notify(context.Background(), "finish", map[string]any{
		"id":     j.ID,
		"ranks":  j.FinishRanks.Encode(),
		"status": j.Status,
	}); err != nil {
		log.Printf("exec: %s: finish notify: %v", j.ID, err)
	}
}

func (e *Exec) handleFinish(data any) {
	var payload struct {
		ID     string `json:"id"`
		Ranks  string `json:"ranks"`
		Status int    `json:"status"`
	}
	if err := remarshal(data, &payload); err != nil {
		log.Printf("exec: finish: %v", err)
		return
	}
	j, ok := e.jobs.Lookup(payload.ID)
	if !ok {
		log.Printf("exec: finish: job %s not found", payload.ID)
		return
	}
	ranks, err := idset.Decode(payload.Ranks)
	if err != nil {
		log.Printf("exec: finish: %v", err)
		return
	}
	j.FinishRanks.Add(ranks)
	if payload.Status > j.Status {
		j.Status = payload.Status
	}
	e.notifyFinish(j)
}

// onProtocol handles a line read off a local task's auxiliary barrier
// channel. The only line the job shell ever sends is "enter"; anything
// else is logged and ignored rather than treated as a protocol error.
func (e *Exec) onProtocol(j *job.Job, line string) {
	if line != "enter" {
		log.Printf("exec: %s: unexpected protocol line %q", j.ID, line)
		return
	}
	j.Barrier.EnterLocal(e.localRank)
	if err := j.EnterBarrier(); err != nil {
		log.Printf("exec: %s: barrier-enter state: %v", j.ID, err)
	}
	e.checkBarrier(j)
}

// checkBarrier completes or forwards a job's barrier once every subtree
// rank has entered it. A node whose own target ranks equal its subtree
// ranks is the job's LCA (this is always true at the root, since the
// root's coverage is the whole cluster) and completes the barrier
// locally; every other node notifies upstream and, once that RPC's reply
// arrives, posts its own local completion onto the event loop.
func (e *Exec) checkBarrier(j *job.Job) {
	if !j.Barrier.Ranks().Equal(j.SubtreeRanks) {
		return
	}
	if j.Ranks.Equal(j.SubtreeRanks) {
		e.completeBarrier(j)
		return
	}
	seq := j.Barrier.Sequence()
	ranks := j.Barrier.Ranks()
	if err := e.c.NotifyBarrier(context.Background(), j.ID, ranks, seq, func() { e.c.Post(func() { e.completeBarrier(j) }) }); err != nil {
		log.Printf("exec: %s: barrier notify: %v", j.ID, err)
	}
}

// HandleBarrierEnter processes an inbound barrier-enter RPC from a
// direct child, pinning respond to be called once this node's own
// barrier aggregation completes (which may itself chain further
// upstream before that happens).
func (e *Exec) HandleBarrierEnter(id string, seq int64, ranksStr string, respond func()) error {
	j, ok := e.jobs.Lookup(id)
	if !ok {
		return derrors.ErrNotFound
	}
	ranks, err := idset.Decode(ranksStr)
	if err != nil {
		return fmt.Errorf("%w: %v", derrors.ErrMalformed, err)
	}
	if err := j.Barrier.Enter(seq, ranks, barrier.Request{Respond: respond}); err != nil {
		return err
	}
	e.checkBarrier(j)
	return nil
}

// completeBarrier releases every pinned downstream request, writes the
// release line to the local task (if this node has one) so it can resume
// past its own barrier call, and resets the barrier for the job's next
// synchronization point.
func (e *Exec) completeBarrier(j *job.Job) {
	j.Barrier.RespondAll()
	if j.Process != nil {
		if err := j.Process.WriteProtocol("exit=0"); err != nil {
			log.Printf("exec: %s: barrier release: %v", j.ID, err)
		}
	}
	j.Barrier.Reset()
	e.logEvent(j.ID, "barrier-release", "")
}

// handleRelease always rejects: this notify type is reserved by the
// protocol but has no defined behavior here.
func (e *Exec) handleRelease(data any) {
	log.Printf("exec: release notify received but not supported")
}

// handleException is the registered "exception" notify: accepted only at
// the root, since an exception always terminates at the top of the tree.
// A severity of 0 (fatal) additionally forwards a SIGTERM kill to every
// rank in the job's subtree.
func (e *Exec) handleException(data any) {
	if !e.c.IsRoot {
		log.Printf("exec: exception notify received at non-root rank %d, ignoring", e.localRank)
		return
	}
	var payload struct {
		ID       string `json:"id"`
		Severity int    `json:"severity"`
		Type     string `json:"type"`
		Note     string `json:"note"`
	}
	if err := remarshal(data, &payload); err != nil {
		log.Printf("exec: exception: %v", err)
		return
	}
	j, ok := e.jobs.Lookup(payload.ID)
	if !ok {
		log.Printf("exec: exception: job %s not found", payload.ID)
		return
	}
	e.logEvent(payload.ID, "exception", fmt.Sprintf("severity=%d type=%s note=%s", payload.Severity, payload.Type, payload.Note))
	if j.Respond != nil && j.Respond.Exception != nil {
		j.Respond.Exception(payload.Severity, payload.Type, payload.Note)
	}
	if payload.Severity == 0 {
		if err := e.c.Forward("kill", j.SubtreeRanks, map[string]any{"id": j.ID, "signal": int(syscall.SIGTERM)}); err != nil {
			log.Printf("exec: %s: exception kill forward: %v", j.ID, err)
		}
	}
}
