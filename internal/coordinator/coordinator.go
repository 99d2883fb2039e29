// Package coordinator wires the peer table, hello responder, and action /
// notify registries together into the two operations that drive the
// protocol's fan-out and fan-in: forward (downward, toward targeted
// ranks) and notify (upward, toward the root).
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/peer"
)

// Upstream is the coordinator's view of the transport's link to this
// node's parent.
type Upstream interface {
	// Notify sends a fire-and-forget upward notification.
	Notify(ctx context.Context, typ string, data any) error
	// NotifyBarrier sends a two-way upward barrier-enter aggregation,
	// invoking onComplete once the ancestor's own aggregation (which may
	// itself chain further upstream) completes. Unlike Notify, the
	// barrier-enter protocol expects a reply: a parent only answers once
	// its own subtree's barrier is satisfied, possibly well after the RPC
	// is sent.
	NotifyBarrier(ctx context.Context, id string, ranks *idset.Set, seq int64, onComplete func()) error
	// Hello issues the streaming upstream hello RPC and calls onReply for
	// every reply received until ctx is canceled or the stream ends.
	Hello(ctx context.Context, rank int, onReply func(typ string, ids *idset.Set, data any)) error
}

// ActionFunc handles a state-update-style event reaching this node,
// whether by downward forward or (on the root) local origination.
type ActionFunc func(ids *idset.Set, data any)

// NotifyFunc handles an upward notification that terminated at this node
// (always the root, in a correctly operating tree).
type NotifyFunc func(data any)

// Coordinator is the per-node protocol engine.
type Coordinator struct {
	Rank     int
	IsRoot   bool
	Peers    *peer.Table
	Hello    *hello.Responder
	Upstream Upstream

	mu       sync.RWMutex
	actions  map[string]ActionFunc
	notifies map[string]NotifyFunc

	tasks chan func()
}

// New builds a Coordinator for the given rank. upstream may be nil on the
// root, which never issues a hello client RPC or an upward notify.
func New(rank int, peers *peer.Table, hr *hello.Responder, upstream Upstream) *Coordinator {
	return &Coordinator{
		Rank:     rank,
		IsRoot:   rank == 0,
		Peers:    peers,
		Hello:    hr,
		Upstream: upstream,
		actions:  make(map[string]ActionFunc),
		notifies: make(map[string]NotifyFunc),
		tasks:    make(chan func(), 256),
	}
}

// Post enqueues fn to run on the coordinator's single event-loop
// goroutine (Run), serialized against every other posted task. Anything
// that reaches the coordinator from outside that goroutine — a subprocess
// callback, an RPC reply, a timer firing — must route through Post rather
// than call Coordinator methods directly, so no two handlers ever execute
// concurrently against this node's state.
func (c *Coordinator) Post(fn func()) {
	c.tasks <- fn
}

// Run drains posted tasks one at a time until ctx is canceled. This is the
// single cooperative event loop every other package assumes: nothing
// registered as an action, notify, or hello callback ever runs on more
// than one goroutine at a time.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.tasks:
			fn()
		}
	}
}

// RegisterAction installs fn as the handler for type-tagged events of
// typ. Returns an error if typ is already registered.
func (c *Coordinator) RegisterAction(typ string, fn ActionFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.actions[typ]; exists {
		return fmt.Errorf("coordinator: action %q already registered", typ)
	}
	c.actions[typ] = fn
	return nil
}

// RegisterNotify installs fn as the handler for upward notifications of
// typ arriving at this node. Returns an error if typ is already
// registered.
func (c *Coordinator) RegisterNotify(typ string, fn NotifyFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.notifies[typ]; exists {
		return fmt.Errorf("coordinator: notify %q already registered", typ)
	}
	c.notifies[typ] = fn
	return nil
}

// Forward constructs a response from typ/ids/data, fans it out to every
// intersecting child via the peer table, and — only on the root — also
// dispatches it through the local action registry, so the root observes
// the same event its descendants do.
func (c *Coordinator) Forward(typ string, ids *idset.Set, data any) error {
	resp := &hello.Response{Type: typ, Idset: ids, Data: data}
	err := c.Peers.Forward(resp)
	if c.IsRoot {
		c.dispatchAction(typ, ids, data)
	}
	return err
}

func (c *Coordinator) dispatchAction(typ string, ids *idset.Set, data any) {
	c.mu.RLock()
	fn := c.actions[typ]
	c.mu.RUnlock()
	if fn == nil {
		log.Printf("coordinator: no action registered for %q", typ)
		return
	}
	fn(ids, data)
}

// Notify sends typ/data toward the root: dispatched locally if this node
// is the root, otherwise relayed upstream through Upstream.Notify.
func (c *Coordinator) Notify(ctx context.Context, typ string, data any) error {
	if c.IsRoot {
		c.HandleNotify(typ, data)
		return nil
	}
	return c.Upstream.Notify(ctx, typ, data)
}

// NotifyBarrier sends a two-way upward barrier-enter aggregation. Never
// called on the root: the root's subtree always equals every job's
// target ranks, so the root is always a job's LCA and never needs to
// notify further upstream.
func (c *Coordinator) NotifyBarrier(ctx context.Context, id string, ranks *idset.Set, seq int64, onComplete func()) error {
	return c.Upstream.NotifyBarrier(ctx, id, ranks, seq, onComplete)
}

// HandleNotify dispatches an upward notification of typ that terminated
// at this node — either because this node is the root, or because the
// transport delivered an inbound notify RPC from a child for a type that
// aggregates hop-by-hop rather than forwarding further (start, finish,
// ping-reply, release, exception).
func (c *Coordinator) HandleNotify(typ string, data any) {
	c.mu.RLock()
	fn := c.notifies[typ]
	c.mu.RUnlock()
	if fn == nil {
		log.Printf("coordinator: no notify handler registered for %q", typ)
		return
	}
	fn(data)
}

// RunHelloClient issues the streaming upstream hello RPC (a no-op on the
// root) and, for every reply, posts onto the event loop a task that
// re-forwards it downward before dispatching it locally, so grandchildren
// learn of the update even if they connected late to their own parent.
func (c *Coordinator) RunHelloClient(ctx context.Context) error {
	if c.IsRoot {
		return nil
	}
	return c.Upstream.Hello(ctx, c.Rank, func(typ string, ids *idset.Set, data any) {
		c.Post(func() {
			resp := &hello.Response{Type: typ, Idset: ids, Data: data}
			if err := c.Peers.Forward(resp); err != nil {
				log.Printf("coordinator: hello re-forward: %v", err)
			}
			c.dispatchAction(typ, ids, data)
		})
	})
}

// HandleHello processes an inbound hello request from a direct child:
// connects it, which flushes anything queued for it while it was
// disconnected, in arrival order.
func (c *Coordinator) HandleHello(rank int, routeToken string) error {
	_, err := c.Peers.Connect(rank, routeToken)
	return err
}

// HandleDisconnect processes a transport-level disconnect for whichever
// child (if any) currently holds routeToken.
func (c *Coordinator) HandleDisconnect(routeToken string) {
	c.Peers.Disconnect(routeToken)
}
