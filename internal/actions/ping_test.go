package actions

import (
	"testing"

	"derp/internal/coordinator"
	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/peer"
	"derp/internal/topology"
)

type noopSender struct{}

func (noopSender) SendHello(routeToken string, resp *hello.Response) error { return nil }

func rootCoordinator(t *testing.T) (*coordinator.Coordinator, *peer.Table) {
	t.Helper()
	root := &topology.Node{Rank: 0, Children: []*topology.Node{{Rank: 1}, {Rank: 2}}}
	table, err := peer.New(root, 0, noopSender{})
	if err != nil {
		t.Fatal(err)
	}
	c := coordinator.New(0, table, hello.NewResponder(0, nil), nil)
	return c, table
}

func TestPingRequestRejectsOutOfRangeTarget(t *testing.T) {
	c, table := rootCoordinator(t)
	p, err := RegisterPing(c, 0, table.Idset, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = p.Request(idset.Of(99), nil, func(*idset.Set) {})
	if err == nil {
		t.Fatal("expected an error targeting an unreachable rank")
	}
}

func TestPingRequestRespondsWhenTargetIsSelfOnly(t *testing.T) {
	c, table := rootCoordinator(t)
	p, err := RegisterPing(c, 0, table.Idset, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got *idset.Set
	done := make(chan struct{})
	err = p.Request(idset.Of(0), nil, func(reply *idset.Set) {
		got = reply
		close(done)
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	<-done
	if got == nil || got.Encode() != "0" {
		t.Fatalf("expected reply set {0}, got %v", got)
	}
}

func TestPingRequestRejectsWhileActive(t *testing.T) {
	c, table := rootCoordinator(t)
	p, err := RegisterPing(c, 0, table.Idset, nil)
	if err != nil {
		t.Fatal(err)
	}
	// target rank 1, which never replies in this test, keeping the ping
	// active so a second Request must be rejected.
	if err := p.Request(idset.Of(0, 1), nil, func(*idset.Set) {}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := p.Request(idset.Of(0), nil, func(*idset.Set) {}); err == nil {
		t.Fatal("expected second concurrent request to fail")
	}
}

func TestPingReplyCompletesPendingRequest(t *testing.T) {
	c, table := rootCoordinator(t)
	p, err := RegisterPing(c, 0, table.Idset, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got *idset.Set
	if err := p.Request(idset.Of(0, 1), nil, func(reply *idset.Set) { got = reply }); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got != nil {
		t.Fatal("should not have completed before rank 1 replies")
	}

	p.handleReply(map[string]any{"ranks": "1"})

	if got == nil || got.Encode() != "0-1" {
		t.Fatalf("expected completed reply set 0-1, got %v", got)
	}
}
