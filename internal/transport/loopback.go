package transport

import (
	"context"
	"sync"

	"derp/internal/coordinator"
	"derp/internal/hello"
	"derp/internal/idset"
)

// Loopback is an in-process, direct-call double standing in for a real
// parent/child edge in tests: it wires one child's coordinator.Upstream
// straight into its parent's coordinator/peer.Sender methods, with no
// marshaling or network round trip — the same shape as exercising a
// manager's methods directly rather than through HTTP.
type Loopback struct {
	parent   *coordinator.Coordinator
	exec     BarrierEnterer
	childRnk int

	mu      sync.Mutex
	onReply func(typ string, ids *idset.Set, data any)
}

// NewLoopback builds a Loopback representing the edge from a child at
// childRank up to its parent. Since a Loopback must exist before the
// parent's peer.Table can be constructed (the table needs a Sender) but
// the parent's coordinator/exec do not exist until after that, callers
// typically build an empty Loopback, wire it into peer.New as the
// Sender, build the parent's coordinator and exec, and only then call
// SetParent.
func NewLoopback(childRank int) *Loopback {
	return &Loopback{childRnk: childRank}
}

// SetParent completes construction, wiring in the parent coordinator and
// exec module once they exist.
func (l *Loopback) SetParent(parent *coordinator.Coordinator, exec BarrierEnterer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parent = parent
	l.exec = exec
}

// SendHello implements peer.Sender for the parent side: instead of
// writing to a socket, it calls the stored onReply directly, as if the
// child had just read the frame off its connection.
func (l *Loopback) SendHello(routeToken string, resp *hello.Response) error {
	l.mu.Lock()
	onReply := l.onReply
	l.mu.Unlock()
	if onReply == nil {
		return nil // child hasn't called Hello yet; nothing to deliver to
	}
	onReply(resp.Type, resp.Idset, resp.Data)
	return nil
}

// Hello implements coordinator.Upstream for the child side: it connects
// by calling the parent's HandleHello directly and then blocks until ctx
// is canceled, exactly like a real streaming connection would.
func (l *Loopback) Hello(ctx context.Context, rank int, onReply func(typ string, ids *idset.Set, data any)) error {
	token := routeTokenFor(rank)
	l.mu.Lock()
	l.onReply = onReply
	parent := l.parent
	l.mu.Unlock()
	if err := parent.HandleHello(rank, token); err != nil {
		return err
	}
	<-ctx.Done()
	parent.HandleDisconnect(token)
	return ctx.Err()
}

// Notify implements coordinator.Upstream by dispatching directly into the
// parent's notify registry.
func (l *Loopback) Notify(ctx context.Context, typ string, data any) error {
	l.mu.Lock()
	parent := l.parent
	l.mu.Unlock()
	parent.HandleNotify(typ, data)
	return nil
}

// NotifyBarrier implements coordinator.Upstream by calling the parent's
// exec module directly, invoking onComplete synchronously once the
// parent's own aggregation finishes.
func (l *Loopback) NotifyBarrier(ctx context.Context, id string, ranks *idset.Set, seq int64, onComplete func()) error {
	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	return exec.HandleBarrierEnter(id, seq, ranks.Encode(), onComplete)
}

func routeTokenFor(rank int) string {
	return "loopback-" + idset.Of(rank).Encode()
}
