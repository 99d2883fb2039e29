// Package actions implements the coordinator action/notify modules built
// on top of internal/coordinator: ping (hierarchical diagnostic fan-out)
// and exec (job dispatch, barrier, kill, exception).
package actions

import (
	"context"
	"log"
	"sync"
	"time"

	"derp/internal/auditlog"
	"derp/internal/coordinator"
	"derp/internal/derrors"
	"derp/internal/idset"
)

// PingResponder receives the accumulated set of ranks that replied to a
// ping request once every targeted rank has been accounted for.
type PingResponder func(reply *idset.Set)

// Ping is this node's ping action/notify module. Only one ping may be in
// flight at a time per node, matching the original's single in-flight
// restriction.
type Ping struct {
	c         *coordinator.Coordinator
	localRank int
	peerIdset *idset.Set // every rank this node's peer table can currently reach
	log       *auditlog.Logger

	mu       sync.Mutex
	active   bool
	request  PingResponder // set only on the node that received the external request
	target   *idset.Set
	replyIDs *idset.Set
}

// RegisterPing installs the ping action and ping-reply notify handlers on
// c. peerIdset is the combined id-set of this node's peer table
// (peer.Table.Idset), used to validate an incoming request's target
// before launching it.
func RegisterPing(c *coordinator.Coordinator, localRank int, peerIdset *idset.Set, auditLogger *auditlog.Logger) (*Ping, error) {
	p := &Ping{c: c, localRank: localRank, peerIdset: peerIdset, log: auditLogger}
	if err := c.RegisterAction("ping", p.handleForward); err != nil {
		return nil, err
	}
	if err := c.RegisterNotify("ping-reply", p.handleReply); err != nil {
		return nil, err
	}
	return p, nil
}

// Request launches a ping targeting ranks, invoking respond exactly once
// when every targeted rank has replied. It fails with derrors.ErrBusy if
// a ping is already active on this node, and derrors.ErrNotFound if
// ranks (excluding this node's own rank) is not a subset of the ranks
// this node's peer table can reach.
//
// Unlike the upstream forward path, the reply accumulator is initialized
// here directly rather than relying solely on the local dispatch
// triggered by Forward — that dispatch only happens unconditionally at
// the root, so a ping requested at a non-root rank would otherwise never
// see its own rank recorded.
func (p *Ping) Request(ranks *idset.Set, data any, respond PingResponder) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return derrors.ErrBusy
	}
	check := ranks.Copy()
	check.Clear(p.localRank)
	if !idset.IsSubset(check, p.peerIdset) {
		p.mu.Unlock()
		return derrors.ErrNotFound
	}

	p.active = true
	p.request = respond
	p.target = ranks.Copy()
	p.replyIDs = idset.New()
	if ranks.Has(p.localRank) {
		p.replyIDs.Set(p.localRank)
	}
	p.mu.Unlock()

	p.logEvent("ping", "target="+ranks.Encode())
	return p.c.Forward("ping", ranks, data)
}

// logEvent records a ping event, a no-op when p was built without a
// logger (as every test's rootCoordinator does).
func (p *Ping) logEvent(action, detail string) {
	if p.log == nil {
		return
	}
	if err := p.log.Log(auditlog.Event{
		Timestamp: time.Now().Unix(),
		Rank:      p.localRank,
		Action:    action,
		Detail:    detail,
	}); err != nil {
		log.Printf("ping: audit log: %v", err)
	}
}

// handleForward is the registered "ping" action: it fires on every node
// the forward reaches (including, through Forward's root rule, the root
// that originated it).
func (p *Ping) handleForward(ids *idset.Set, data any) {
	p.mu.Lock()
	if !p.active {
		p.target = ids.Copy()
		p.replyIDs = idset.New()
		p.active = true
	}
	if ids.Has(p.localRank) {
		p.replyIDs.Set(p.localRank)
	}
	p.mu.Unlock()

	p.tryRespond()
}

// tryRespond completes and clears the in-flight ping once every targeted
// rank has replied.
func (p *Ping) tryRespond() {
	p.mu.Lock()
	if !p.active || !p.target.Equal(p.replyIDs) {
		p.mu.Unlock()
		return
	}
	respond := p.request
	reply := p.replyIDs.Copy()
	p.active = false
	p.request = nil
	p.target = nil
	p.replyIDs = nil
	p.mu.Unlock()

	p.logEvent("ping-complete", "replies="+reply.Encode())
	if respond != nil {
		respond(reply)
		return
	}
	_ = p.c.Notify(context.Background(), "ping-reply", map[string]any{"ranks": reply.Encode()})
}

func (p *Ping) handleReply(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	ranksStr, _ := m["ranks"].(string)
	ranks, err := idset.Decode(ranksStr)
	if err != nil {
		return
	}

	p.mu.Lock()
	if p.active {
		p.replyIDs.Add(ranks)
	}
	p.mu.Unlock()

	p.tryRespond()
}
