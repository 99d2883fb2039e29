package actions

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"derp/internal/coordinator"
	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/job"
	"derp/internal/peer"
	"derp/internal/topology"
)

// fakeProcess stands in for a localexec.Task in tests that exercise kill
// and barrier release without spawning a real subprocess.
type fakeProcess struct {
	signaled chan os.Signal
	protocol chan string
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{signaled: make(chan os.Signal, 1), protocol: make(chan string, 1)}
}

func (f *fakeProcess) Signal(sig os.Signal) error {
	f.signaled <- sig
	return nil
}

func (f *fakeProcess) WriteProtocol(line string) error {
	f.protocol <- line
	return nil
}

func rootExec(t *testing.T) (*Exec, *coordinator.Coordinator, *idset.Set) {
	t.Helper()
	root := &topology.Node{Rank: 0, Children: []*topology.Node{{Rank: 1}, {Rank: 2}}}
	table, err := peer.New(root, 0, noopSender{})
	if err != nil {
		t.Fatal(err)
	}
	c := coordinator.New(0, table, hello.NewResponder(10*time.Millisecond, nil), nil)
	coverage := idset.Union(idset.Of(0), table.Idset)
	e, err := NewExec(c, job.NewTable(), hello.NewResponder(10*time.Millisecond, nil), 0, coverage, "/bin/true", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)

	return e, c, coverage
}

func TestAddJobRejectsDuplicate(t *testing.T) {
	e, _, _ := rootExec(t)
	// Rank 5 is outside this node's coverage, so addJob registers the job
	// without attempting to launch a local task.
	if _, err := e.addJob("job-1", 42, "5", nil); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := e.addJob("job-1", 42, "5", nil); err == nil {
		t.Fatal("expected duplicate add to fail")
	}
}

func TestStateUpdateAddsJobWithoutLocalParticipation(t *testing.T) {
	e, _, _ := rootExec(t)
	e.handleStateUpdate(idset.Of(5), map[string]any{
		"jobs": []map[string]any{
			{"id": "job-2", "userid": 7, "type": "add", "ranks": "5"},
		},
	})
	j, ok := e.jobs.Lookup("job-2")
	if !ok {
		t.Fatal("expected job-2 to be registered")
	}
	if j.Process != nil {
		t.Fatal("expected no local process for a job not targeting this rank")
	}
}

func TestHandleKillSignalsLocalProcess(t *testing.T) {
	e, _, coverage := rootExec(t)
	j, err := job.New("job-3", 1, "0", coverage)
	if err != nil {
		t.Fatal(err)
	}
	proc := newFakeProcess()
	j.Process = proc
	if err := e.jobs.Add(j); err != nil {
		t.Fatal(err)
	}

	e.handleKill(idset.Of(0), map[string]any{"id": "job-3", "signal": int(syscall.SIGTERM)})

	select {
	case sig := <-proc.signaled:
		if sig != syscall.SIGTERM {
			t.Fatalf("expected SIGTERM, got %v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("expected local process to be signaled")
	}
}

func TestBarrierCompletesLocallyWhenRootIsLCA(t *testing.T) {
	e, _, coverage := rootExec(t)
	j, err := job.New("job-4", 1, "0,1", coverage)
	if err != nil {
		t.Fatal(err)
	}
	proc := newFakeProcess()
	j.Process = proc
	if err := j.Launch(); err != nil {
		t.Fatal(err)
	}
	if err := j.Run(); err != nil {
		t.Fatal(err)
	}
	if err := e.jobs.Add(j); err != nil {
		t.Fatal(err)
	}
	if !j.Ranks.Equal(j.SubtreeRanks) {
		t.Fatalf("expected root to be the job's LCA, ranks=%v subtree=%v", j.Ranks, j.SubtreeRanks)
	}

	// Rank 1 (a descendant) enters first, via a simulated inbound RPC from
	// that child, pinning a respond closure.
	responded := make(chan struct{})
	if err := e.HandleBarrierEnter("job-4", 0, "1", func() { close(responded) }); err != nil {
		t.Fatalf("handle barrier enter: %v", err)
	}

	select {
	case <-responded:
		t.Fatal("should not complete before the local rank enters")
	default:
	}

	// The local job shell signals its own entry over the protocol channel.
	e.onProtocol(j, "enter")

	select {
	case <-responded:
	case <-time.After(time.Second):
		t.Fatal("expected the barrier to complete once every subtree rank entered")
	}

	select {
	case line := <-proc.protocol:
		if line != "exit=0" {
			t.Fatalf("expected release line exit=0, got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the local process to receive a barrier release")
	}
}

func TestStartSkipsHelloPushWhenSoleTargetIsSelf(t *testing.T) {
	e, _, _ := rootExec(t)
	started := make(chan struct{})
	if err := e.Start("job-5", 1, "0", func() { close(started) }, nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected onStart to fire once the sole targeted rank is this one")
	}
	if e.hr.Pending() != 0 {
		t.Fatalf("expected no hello entry queued for a job targeting only this rank, got %d pending", e.hr.Pending())
	}
	j, ok := e.jobs.Lookup("job-5")
	if !ok {
		t.Fatal("expected job-5 to be registered")
	}
	if j.Process == nil {
		t.Fatal("expected a local task for a job targeting this rank")
	}
}
