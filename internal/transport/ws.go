package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"derp/internal/coordinator"
	"derp/internal/hello"
	"derp/internal/idset"
	"derp/internal/peer"
)

// safeConn serializes writes to a *websocket.Conn: gorilla/websocket
// permits at most one concurrent writer, but both the coordinator's event
// loop and directly-called Forward/Notify paths can reach the same
// connection.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// BarrierEnterer is the subset of internal/actions.Exec the server needs
// to route an inbound two-way barrier-enter RPC.
type BarrierEnterer interface {
	HandleBarrierEnter(id string, seq int64, ranksStr string, respond func()) error
}

// Server accepts hello connections from this node's direct children and
// implements peer.Sender, so internal/peer can deliver hello responses
// and forwards to whichever child they target.
type Server struct {
	coord *coordinator.Coordinator
	exec  BarrierEnterer

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*safeConn // keyed by route token
}

// NewServer builds a Server with no coordinator wired in yet. A Server
// must exist before the local node's peer.Table can be constructed (the
// table needs it as a Sender), but the coordinator and exec module that
// the Server dispatches into do not exist until after that table is
// built — so callers build a bare Server, pass it to peer.New, build the
// coordinator and exec, and only then call SetCoordinator.
func NewServer() *Server {
	return &Server{conns: make(map[string]*safeConn)}
}

// SetCoordinator completes construction, wiring in the coordinator and
// exec module inbound traffic dispatches into.
func (s *Server) SetCoordinator(c *coordinator.Coordinator, exec BarrierEnterer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coord = c
	s.exec = exec
}

// Router returns the HTTP handler children dial to establish their hello
// connection.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/derp/hello", s.handleHello)
	return r
}

func (s *Server) coordinatorAndExec() (*coordinator.Coordinator, BarrierEnterer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord, s.exec
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	coord, _ := s.coordinatorAndExec()
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade: %v", err)
		return
	}
	conn := &safeConn{conn: raw}

	var first Envelope
	if err := raw.ReadJSON(&first); err != nil || first.Kind != "hello" {
		raw.Close()
		return
	}

	token := peer.NewRouteToken()
	s.mu.Lock()
	s.conns[token] = conn
	s.mu.Unlock()

	if err := coord.HandleHello(first.Rank, token); err != nil {
		log.Printf("transport: hello from rank %d: %v", first.Rank, err)
		s.mu.Lock()
		delete(s.conns, token)
		s.mu.Unlock()
		raw.Close()
		return
	}

	defer func() {
		coord.HandleDisconnect(token)
		s.mu.Lock()
		delete(s.conns, token)
		s.mu.Unlock()
		raw.Close()
	}()

	for {
		var in Envelope
		if err := raw.ReadJSON(&in); err != nil {
			return
		}
		env := in
		coord.Post(func() { s.dispatchInbound(conn, env) })
	}
}

func (s *Server) dispatchInbound(conn *safeConn, env Envelope) {
	coord, exec := s.coordinatorAndExec()
	data, err := decodePayload(env.Payload)
	if err != nil {
		log.Printf("transport: decode payload: %v", err)
		return
	}
	switch env.Kind {
	case "notify":
		coord.HandleNotify(env.Type, data)
	case "notify-barrier":
		if err := exec.HandleBarrierEnter(env.Type, env.Seq, env.Ranks, func() {
			if err := conn.writeJSON(Envelope{Kind: "barrier-reply", CorrID: env.CorrID}); err != nil {
				log.Printf("transport: barrier reply: %v", err)
			}
		}); err != nil {
			log.Printf("transport: barrier-enter from job %s: %v", env.Type, err)
		}
	default:
		log.Printf("transport: unrecognized inbound kind %q", env.Kind)
	}
}

// SendHello implements peer.Sender: it delivers resp to whichever child
// currently holds routeToken.
func (s *Server) SendHello(routeToken string, resp *hello.Response) error {
	s.mu.Lock()
	conn, ok := s.conns[routeToken]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no connection for route token")
	}
	payload, err := encodePayload(resp.Data)
	if err != nil {
		return err
	}
	return conn.writeJSON(Envelope{Kind: "action", Type: resp.Type, Ranks: resp.Idset.Encode(), Payload: payload})
}

// Client is this node's connection to its parent. It implements
// coordinator.Upstream: Hello owns the connection's read loop (every
// downward forward arrives on it, for as long as the stream runs);
// Notify and NotifyBarrier write upward on the same connection.
type Client struct {
	url       string
	localRank int

	mu     sync.Mutex
	conn   *safeConn
	dialer *websocket.Dialer

	pendingMu sync.Mutex
	pending   map[int64]func()
	nextCorr  atomic.Int64
}

// NewClient builds a Client that will dial url (this node's parent's
// /derp/hello endpoint) when Hello is called.
func NewClient(url string, localRank int) *Client {
	return &Client{
		url:       url,
		localRank: localRank,
		dialer:    websocket.DefaultDialer,
		pending:   make(map[int64]func()),
	}
}

// Hello dials the parent, sends the initial hello frame, and then reads
// every subsequent frame as a forward for onReply until ctx is canceled
// or the connection drops — except barrier-reply frames, which complete
// whichever NotifyBarrier call is waiting on that correlation id instead.
func (c *Client) Hello(ctx context.Context, rank int, onReply func(typ string, ids *idset.Set, data any)) error {
	raw, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	conn := &safeConn{conn: raw}
	defer raw.Close()

	if err := conn.writeJSON(Envelope{Kind: "hello", Rank: rank}); err != nil {
		return fmt.Errorf("transport: hello handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	for {
		var env Envelope
		if err := raw.ReadJSON(&env); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		if env.Kind == "barrier-reply" {
			c.pendingMu.Lock()
			fn := c.pending[env.CorrID]
			delete(c.pending, env.CorrID)
			c.pendingMu.Unlock()
			if fn != nil {
				fn()
			}
			continue
		}
		ids, err := idset.Decode(env.Ranks)
		if err != nil {
			log.Printf("transport: forward with malformed ranks %q: %v", env.Ranks, err)
			continue
		}
		data, err := decodePayload(env.Payload)
		if err != nil {
			log.Printf("transport: forward payload: %v", err)
			continue
		}
		onReply(env.Type, ids, data)
	}
}

func (c *Client) parentConn() (*safeConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("transport: not connected to parent yet")
	}
	return c.conn, nil
}

// Notify sends a fire-and-forget upward notification.
func (c *Client) Notify(ctx context.Context, typ string, data any) error {
	conn, err := c.parentConn()
	if err != nil {
		return err
	}
	payload, err := encodePayload(data)
	if err != nil {
		return err
	}
	return conn.writeJSON(Envelope{Kind: "notify", Type: typ, Payload: payload})
}

// NotifyBarrier sends the two-way barrier-enter RPC, calling onComplete
// once the parent's matching barrier-reply frame arrives.
func (c *Client) NotifyBarrier(ctx context.Context, id string, ranks *idset.Set, seq int64, onComplete func()) error {
	conn, err := c.parentConn()
	if err != nil {
		return err
	}
	corrID := c.nextCorr.Add(1)
	c.pendingMu.Lock()
	c.pending[corrID] = onComplete
	c.pendingMu.Unlock()

	if err := conn.writeJSON(Envelope{Kind: "notify-barrier", Type: id, Ranks: ranks.Encode(), Seq: seq, CorrID: corrID}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, corrID)
		c.pendingMu.Unlock()
		return err
	}
	return nil
}
