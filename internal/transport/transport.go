// Package transport carries the overlay protocol between a node and its
// parent, and between a node and its direct children, over one persistent
// connection per edge. internal/peer and internal/coordinator only see
// the Sender and Upstream interfaces they already depend on; this package
// supplies the concrete wire implementation (ws.go, gorilla/websocket)
// and an in-process double for tests (loopback.go).
package transport

import "encoding/json"

// Envelope is the one message shape every edge in the tree exchanges,
// multiplexing hello catch-up/forward traffic (parent -> child), upward
// notifications (child -> parent), and the one two-way notify type —
// barrier-enter — that needs a reply distinct from the forward stream.
type Envelope struct {
	Kind string `json:"kind"` // "hello", "action", "notify", "notify-barrier", "barrier-reply"
	Type string `json:"type"` // action/notify type tag, or (notify-barrier) the job id

	Rank       int    `json:"rank,omitempty"`        // hello only: the child's own rank
	RouteToken string `json:"route_token,omitempty"` // hello only: assigned by the server on accept

	Ranks  string `json:"ranks,omitempty"`
	Seq    int64  `json:"seq,omitempty"`
	CorrID int64  `json:"corr_id,omitempty"` // notify-barrier / barrier-reply correlation

	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodePayload(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
