package peer

import (
	"testing"

	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/topology"
)

type recordingSender struct {
	sent []sent
}

type sent struct {
	routeToken string
	resp       *hello.Response
}

func (s *recordingSender) SendHello(routeToken string, resp *hello.Response) error {
	s.sent = append(s.sent, sent{routeToken, resp})
	return nil
}

func sampleTree() *topology.Node {
	return &topology.Node{
		Rank: 0,
		Children: []*topology.Node{
			{Rank: 1, Children: []*topology.Node{{Rank: 3}, {Rank: 4}}},
			{Rank: 2},
		},
	}
}

func TestNewBuildsPerChildSubtrees(t *testing.T) {
	table, err := New(sampleTree(), 0, &recordingSender{})
	if err != nil {
		t.Fatal(err)
	}
	p1, ok := table.Lookup(1)
	if !ok {
		t.Fatal("expected rank 1 to be a direct child")
	}
	if got := p1.Subtree.Encode(); got != "1,3-4" {
		t.Fatalf("expected rank 1's subtree to be {1,3,4}, got %s", got)
	}
	if table.Idset.Encode() != "1-4" {
		t.Fatalf("expected table idset to union every child subtree, got %s", table.Idset.Encode())
	}
	if _, ok := table.Lookup(3); ok {
		t.Fatal("rank 3 is a grandchild, not a direct child, and should not be in byRank")
	}
}

func TestForwardQueuesWhileDisconnectedAndNarrowsOnFlush(t *testing.T) {
	sender := &recordingSender{}
	table, err := New(sampleTree(), 0, sender)
	if err != nil {
		t.Fatal(err)
	}

	resp := &hello.Response{Type: "state-update", Idset: idset.Of(1, 2, 3)}
	if err := table.Forward(resp); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected nothing sent before either child connects, got %d", len(sender.sent))
	}

	if _, err := table.Connect(1, "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the queued response flushed to rank 1 on connect, got %d sends", len(sender.sent))
	}
	if got := sender.sent[0].resp.Idset.Encode(); got != "1,3" {
		t.Fatalf("expected rank 1's flushed response narrowed to its subtree {1,3}, got %s", got)
	}
	if sender.sent[0].routeToken != "token-1" {
		t.Fatalf("expected the flushed send to use rank 1's route token, got %q", sender.sent[0].routeToken)
	}
}

func TestForwardSendsImmediatelyWhenConnected(t *testing.T) {
	sender := &recordingSender{}
	table, err := New(sampleTree(), 0, sender)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Connect(2, "token-2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp := &hello.Response{Type: "kill", Idset: idset.Of(2)}
	if err := table.Forward(resp); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one immediate send to rank 2, got %d", len(sender.sent))
	}
}

func TestForwardSkipsChildrenOutsideTarget(t *testing.T) {
	sender := &recordingSender{}
	table, err := New(sampleTree(), 0, sender)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Connect(1, "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := table.Connect(2, "token-2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp := &hello.Response{Type: "kill", Idset: idset.Of(2)}
	if err := table.Forward(resp); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected only rank 2 (whose subtree intersects {2}) to receive a send, got %d", len(sender.sent))
	}
}

func TestDisconnectClearsOnlyMatchingToken(t *testing.T) {
	sender := &recordingSender{}
	table, err := New(sampleTree(), 0, sender)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Connect(1, "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := table.Connect(2, "token-2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	table.Disconnect("token-1")

	p1, _ := table.Lookup(1)
	if p1.Connected() {
		t.Fatal("expected rank 1 to be disconnected")
	}
	p2, _ := table.Lookup(2)
	if !p2.Connected() {
		t.Fatal("expected rank 2 to remain connected after an unrelated token disconnects")
	}
}

func TestConnectRejectsUnknownRank(t *testing.T) {
	table, err := New(sampleTree(), 0, &recordingSender{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Connect(99, "token"); err == nil {
		t.Fatal("expected an error connecting a rank that is not a direct child")
	}
}
