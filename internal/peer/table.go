// Package peer tracks this node's direct children in the overlay tree: each
// child's subtree id-set, its connection state, its route token, and a FIFO
// of hello responses queued while it is disconnected. It is the component
// that turns a HelloResponse targeted at an arbitrary rank set into the
// set of per-child deliveries (connected: send now; disconnected: queue).
package peer

import (
	"container/list"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"derp/internal/derrors"
	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/topology"
)

// NewRouteToken generates an opaque per-connection token. The transport
// assigns one when it accepts a child's hello connection, keeps it on its
// own side, and passes the same token to Disconnect when that connection
// closes. The original implementation matches disconnects against the live
// transport's route frame; over a transport with no such frame to reuse, a
// fresh UUID plays the same role.
func NewRouteToken() string {
	return uuid.NewString()
}

// Sender delivers an already-encoded hello response to one child. The
// transport implements this; peer.Table only decides which children get a
// message and what each one's targeted subset is.
type Sender interface {
	SendHello(routeToken string, resp *hello.Response) error
}

// Peer is one direct child of the local node.
type Peer struct {
	Rank    int
	Subtree *idset.Set // this child's own rank plus every rank below it

	mu         sync.Mutex
	connected  bool
	routeToken string
	pending    *list.List // FIFO of *hello.Response queued while disconnected
}

// Connected reports whether the child currently has an open session.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Table owns every direct child of the local node.
type Table struct {
	Idset *idset.Set // union of every child's Subtree; this node's own rank is not a member

	mu     sync.RWMutex
	byRank map[int]*Peer
	sender Sender
}

// New builds a Table from the local node's position in the overlay
// topology. root is the full tree; localRank is this node's rank, whose
// direct children become the table's peers.
func New(root *topology.Node, localRank int, sender Sender) (*Table, error) {
	local := findNode(root, localRank)
	if local == nil {
		return nil, fmt.Errorf("peer: rank %d not found in topology", localRank)
	}
	t := &Table{
		Idset:  idset.New(),
		byRank: make(map[int]*Peer),
		sender: sender,
	}
	for _, c := range local.Children {
		sub := topology.Subtree(local, c.Rank)
		if sub == nil {
			return nil, fmt.Errorf("peer: no subtree for child rank %d", c.Rank)
		}
		t.byRank[c.Rank] = &Peer{
			Rank:    c.Rank,
			Subtree: sub,
			pending: list.New(),
		}
		t.Idset.Add(sub)
	}
	return t, nil
}

func findNode(n *topology.Node, rank int) *topology.Node {
	if n == nil {
		return nil
	}
	if n.Rank == rank {
		return n
	}
	for _, c := range n.Children {
		if found := findNode(c, rank); found != nil {
			return found
		}
	}
	return nil
}

// Lookup returns the peer for rank, or (nil, false) if rank is not a
// direct child of the local node.
func (t *Table) Lookup(rank int) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byRank[rank]
	return p, ok
}

// Connect marks the child at rank connected with the given route token,
// draining anything queued for it while it was away. Returns an error
// wrapping derrors.ErrNotFound if rank is not a direct child.
func (t *Table) Connect(rank int, routeToken string) (*Peer, error) {
	p, ok := t.Lookup(rank)
	if !ok {
		return nil, fmt.Errorf("peer: connect: rank %d is not a direct child: %w", rank, derrors.ErrNotFound)
	}
	p.mu.Lock()
	p.connected = true
	p.routeToken = routeToken
	p.mu.Unlock()

	t.flushPending(p)
	return p, nil
}

// Disconnect marks the child holding routeToken disconnected. It is a
// no-op if no peer currently holds that token (the original matches on
// route-message prefix; here the route token is the single distinguishing
// credential handed out at Connect).
func (t *Table) Disconnect(routeToken string) {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.byRank))
	for _, p := range t.byRank {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, p := range peers {
		p.mu.Lock()
		if p.connected && p.routeToken == routeToken {
			p.connected = false
			p.routeToken = ""
		}
		p.mu.Unlock()
	}
}

// flushPending drains p's pending FIFO in arrival order, sending each
// queued response's intersection with p's subtree. Called right after
// Connect, mirroring peer_process_pending being invoked immediately in the
// hello connect handler rather than waiting for the next Forward.
func (t *Table) flushPending(p *Peer) {
	p.mu.Lock()
	var queued []*hello.Response
	for e := p.pending.Front(); e != nil; e = e.Next() {
		queued = append(queued, e.Value.(*hello.Response))
	}
	p.pending.Init()
	token := p.routeToken
	p.mu.Unlock()

	for _, resp := range queued {
		if err := t.sendTo(p, token, resp); err != nil {
			log.Printf("peer: flush pending to rank %d: %v", p.Rank, err)
		}
	}
}

// Forward delivers resp to every child whose subtree intersects
// resp.Idset: sent immediately if connected, queued to the pending FIFO
// otherwise. Errors from individual children are joined rather than
// dropped, resolving spec.md's open question about silently swallowing
// per-child forward failures.
func (t *Table) Forward(resp *hello.Response) error {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.byRank))
	for _, p := range t.byRank {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	var errs []error
	for _, p := range peers {
		if !p.Subtree.HasIntersection(resp.Idset) {
			continue
		}
		p.mu.Lock()
		connected := p.connected
		token := p.routeToken
		p.mu.Unlock()

		if connected {
			if err := t.sendTo(p, token, resp); err != nil {
				errs = append(errs, fmt.Errorf("rank %d: %w", p.Rank, err))
			}
		} else {
			p.mu.Lock()
			p.pending.PushBack(resp)
			p.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// sendTo narrows resp to the intersection of its idset and p's subtree
// before handing it to the sender, same as peer_hello_respond.
func (t *Table) sendTo(p *Peer, routeToken string, resp *hello.Response) error {
	narrowed := resp.Narrow(idset.Intersect(resp.Idset, p.Subtree))
	return t.sender.SendHello(routeToken, narrowed)
}
