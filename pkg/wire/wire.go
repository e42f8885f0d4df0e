// Package wire defines the JSON messages exchanged over the live sync
// socket. Every message is a flat object discriminated by a `kind` field.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ystv/sports-scores/internal/action"
)

// Kind discriminates sync messages.
type Kind string

const (
	// KindHello is sent by the server once per connection with the
	// session id to use for resumption.
	KindHello Kind = "HELLO"
	// KindSubscribe asks the server to start relaying changes for a subject.
	KindSubscribe Kind = "SUBSCRIBE"
	// KindSubscribeOK acknowledges a subscription and carries the current
	// view of the subject.
	KindSubscribeOK Kind = "SUBSCRIBE_OK"
	// KindUnsubscribe removes a subject from the session.
	KindUnsubscribe Kind = "UNSUBSCRIBE"
	// KindUnsubscribeOK acknowledges an unsubscribe.
	KindUnsubscribeOK Kind = "UNSUBSCRIBE_OK"
	// KindChange carries a full merged-state snapshot (state mode).
	KindChange Kind = "CHANGE"
	// KindAction carries one raw logged action (actions mode).
	KindAction Kind = "ACTION"
	// KindBulkActions replaces the receiver's whole action mirror
	// (actions mode resync).
	KindBulkActions Kind = "BULK_ACTIONS"
	// KindError reports a protocol-level problem without closing the
	// connection.
	KindError Kind = "ERROR"
	// KindPing and KindPong are liveness heartbeats; either peer may ping.
	KindPing Kind = "PING"
	KindPong Kind = "PONG"
)

// Delivery modes for a sync connection.
const (
	// ModeState delivers full merged-state snapshots.
	ModeState = "state"
	// ModeActions delivers the raw action stream.
	ModeActions = "actions"
)

// Envelope sniffs the kind of an incoming message.
type Envelope struct {
	Kind Kind `json:"kind"`
}

// Hello is the first server message on a connection.
type Hello struct {
	Kind Kind `json:"kind"`
	// SID is the session id to present when resuming.
	SID string `json:"sid"`
	// Subs lists the subjects already recorded for a resumed session.
	Subs []string `json:"subs"`
	// Mode is the negotiated delivery mode.
	Mode string `json:"mode"`
}

// Subscribe asks for changes to one subject.
type Subscribe struct {
	Kind Kind   `json:"kind"`
	To   string `json:"to"`
}

// SubscribeOK acknowledges a subscription.
type SubscribeOK struct {
	Kind Kind   `json:"kind"`
	To   string `json:"to"`
	// Current is the subject's state at subscription time: the merged view
	// in state mode, or a BULK_ACTIONS message in actions mode. Unknown
	// subjects yield an empty object.
	Current json.RawMessage `json:"current"`
}

// Unsubscribe removes one subject.
type Unsubscribe struct {
	Kind Kind   `json:"kind"`
	To   string `json:"to"`
}

// UnsubscribeOK acknowledges an unsubscribe.
type UnsubscribeOK struct {
	Kind Kind   `json:"kind"`
	To   string `json:"to"`
}

// Change is a state-mode delivery: the full merged view after one accepted
// mutation.
type Change struct {
	Kind Kind `json:"kind"`
	// Changed is the subject the change applies to.
	Changed string `json:"changed"`
	// MID is the change-bus message id; later messages compare greater.
	MID string `json:"mid"`
	// Data is the merged state snapshot.
	Data json.RawMessage `json:"data"`
}

// Action is an actions-mode delivery: one action appended to the subject's
// log.
type Action struct {
	Kind Kind `json:"kind"`
	// MID is the change-bus message id.
	MID string `json:"mid"`
	// Event is the subject the action belongs to.
	Event   string         `json:"event"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Meta    action.Meta    `json:"meta"`
}

// BulkActions is an actions-mode resync: the receiver replaces its whole
// mirror for the subject with this list.
type BulkActions struct {
	Kind    Kind            `json:"kind"`
	Event   string          `json:"event"`
	Actions []action.Action `json:"actions"`
}

// Error reports a malformed or unprocessable client message.
type Error struct {
	Kind  Kind   `json:"kind"`
	Error string `json:"error"`
}

// Heartbeat is a PING or PONG.
type Heartbeat struct {
	Kind Kind `json:"kind"`
}

// ParseClient parses one client-to-server message. Unknown kinds and
// malformed JSON are errors; the caller reports them without closing the
// connection.
func ParseClient(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch env.Kind {
	case KindSubscribe:
		var msg Subscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("malformed SUBSCRIBE: %w", err)
		}
		if msg.To == "" {
			return nil, fmt.Errorf("SUBSCRIBE requires \"to\"")
		}
		return msg, nil
	case KindUnsubscribe:
		var msg Unsubscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("malformed UNSUBSCRIBE: %w", err)
		}
		if msg.To == "" {
			return nil, fmt.Errorf("UNSUBSCRIBE requires \"to\"")
		}
		return msg, nil
	case KindPing:
		return Heartbeat{Kind: KindPing}, nil
	case KindPong:
		return Heartbeat{Kind: KindPong}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", env.Kind)
	}
}
