// Package client is the Go SDK for the live sync socket. It keeps a local
// mirror of every subscribed event, reconnects with the stored session so
// nothing is missed, and exposes the reconciled state through callbacks and
// accessors.
package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ystv/sports-scores/internal/action"
	"github.com/ystv/sports-scores/internal/logger"
	"github.com/ystv/sports-scores/internal/sport"
	"github.com/ystv/sports-scores/pkg/wire"
)

// Status is the connection state exposed to consumers, e.g. to drive a
// "scores may be stale" banner.
type Status string

const (
	StatusNotConnected         Status = "NOT_CONNECTED"
	StatusConnected            Status = "CONNECTED"
	StatusReady                Status = "READY"
	StatusPossiblyDisconnected Status = "POSSIBLY_DISCONNECTED"
)

// missedPongLimit is how many consecutive unanswered pings mark the
// connection suspect.
const missedPongLimit = 2

// Options configures a Client. URL and Token are required.
type Options struct {
	// URL is the sync endpoint, e.g. "ws://localhost:8000/v1/live/sync".
	URL   string
	Token string
	// Mode selects state or actions delivery; defaults to state.
	Mode string
	// PingInterval is how long the connection may sit idle before the
	// client pings it. Default 10s.
	PingInterval time.Duration
	// ReconnectMin and ReconnectMax bound the backoff between redials.
	// Defaults 500ms and 10s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// OnChange fires whenever the reconciled state of a subject changes.
	OnChange func(subject string, state map[string]any)
	// OnStatus fires on every status transition.
	OnStatus func(status Status)

	Dialer *websocket.Dialer
}

// Client maintains one sync connection and its local mirror.
type Client struct {
	opts Options

	mu        sync.Mutex
	status    Status
	ws        *websocket.Conn
	sid       string
	lastMid   string
	ready     bool
	closed    bool
	desired   map[string]bool
	pending   []any
	states    map[string]map[string]any
	histories map[string][]action.Action

	// lastActivity and outstanding drive the liveness pings: a ping is only
	// sent when the connection has been idle for a full interval, and any
	// inbound message clears the outstanding count.
	lastActivity time.Time
	outstanding  int

	// wmu serializes socket writes; the reader, the pinger and user calls
	// all write.
	wmu    sync.Mutex
	cancel context.CancelFunc
}

// New creates a client. Call Connect to start it.
func New(opts Options) *Client {
	if opts.Mode == "" {
		opts.Mode = wire.ModeState
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:      opts,
		status:    StatusNotConnected,
		desired:   make(map[string]bool),
		states:    make(map[string]map[string]any),
		histories: make(map[string][]action.Action),
	}
}

// Connect starts the connection loop. It returns immediately; watch OnStatus
// for progress. The loop keeps reconnecting until Close or ctx cancellation.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Close stops the client and drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
	c.setStatus(StatusNotConnected)
}

// Subscribe registers interest in a subject. The subscription survives
// reconnects; if the connection is not ready yet the request is queued and
// flushed after HELLO.
func (c *Client) Subscribe(subject string) {
	c.mu.Lock()
	c.desired[subject] = true
	c.mu.Unlock()
	c.send(wire.Subscribe{Kind: wire.KindSubscribe, To: subject})
}

// Unsubscribe removes a subject. Its mirrored state is kept until replaced.
func (c *Client) Unsubscribe(subject string) {
	c.mu.Lock()
	delete(c.desired, subject)
	c.mu.Unlock()
	c.send(wire.Unsubscribe{Kind: wire.KindUnsubscribe, To: subject})
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SID returns the session id assigned by the server, if connected yet.
func (c *Client) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// State returns the reconciled state of a subject and whether any view of it
// has been received.
func (c *Client) State(subject string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[subject]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out, true
}

// History returns the mirrored action log of a subject (actions mode only).
func (c *Client) History(subject string) []action.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]action.Action(nil), c.histories[subject]...)
}

func (c *Client) run(ctx context.Context) {
	delay := c.opts.ReconnectMin
	for {
		if ctx.Err() != nil || c.isClosed() {
			c.setStatus(StatusNotConnected)
			return
		}

		ready, err := c.session(ctx)
		if ctx.Err() != nil || c.isClosed() {
			c.setStatus(StatusNotConnected)
			return
		}
		if err != nil {
			logger.Debugf("[client] connection lost: %v", err)
		}
		c.setStatus(StatusPossiblyDisconnected)

		if ready {
			delay = c.opts.ReconnectMin
		}
		// Randomize the redial so a restarting server is not hit by every
		// client at once.
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		select {
		case <-ctx.Done():
			c.setStatus(StatusNotConnected)
			return
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

// session runs one connection to completion. It reports whether the session
// reached READY, which resets the reconnect backoff.
func (c *Client) session(ctx context.Context) (bool, error) {
	u, err := c.syncURL()
	if err != nil {
		return false, err
	}

	ws, _, err := c.opts.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	c.ready = false
	c.lastActivity = time.Now()
	c.outstanding = 0
	c.mu.Unlock()
	c.setStatus(StatusConnected)

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pinger(pingCtx, ws)

	wasReady := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.ws = nil
			c.ready = false
			c.mu.Unlock()
			return wasReady, err
		}
		c.markActivity()
		if c.handleMessage(data) {
			wasReady = true
		}
	}
}

func (c *Client) syncURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	q.Set("mode", c.opts.Mode)
	c.mu.Lock()
	if c.sid != "" {
		q.Set("sid", c.sid)
	}
	if c.lastMid != "" {
		q.Set("last_mid", c.lastMid)
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handleMessage processes one server message and reports whether it was the
// HELLO that made the session ready.
func (c *Client) handleMessage(data []byte) bool {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warnf("[client] malformed server message: %v", err)
		return false
	}

	switch env.Kind {
	case wire.KindHello:
		var msg wire.Hello
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warnf("[client] malformed HELLO: %v", err)
			return false
		}
		c.handleHello(msg)
		return true
	case wire.KindSubscribeOK:
		var msg wire.SubscribeOK
		if err := json.Unmarshal(data, &msg); err == nil {
			c.handleSubscribeOK(msg)
		}
	case wire.KindChange:
		var msg wire.Change
		if err := json.Unmarshal(data, &msg); err == nil {
			c.handleChange(msg)
		}
	case wire.KindAction:
		var msg wire.Action
		if err := json.Unmarshal(data, &msg); err == nil {
			c.handleAction(msg)
		}
	case wire.KindBulkActions:
		var msg wire.BulkActions
		if err := json.Unmarshal(data, &msg); err == nil {
			c.replaceHistory(msg.Event, msg.Actions)
		}
	case wire.KindPing:
		c.write(wire.Heartbeat{Kind: wire.KindPong})
	case wire.KindPong:
		// Liveness already recorded by markActivity.
	case wire.KindError:
		var msg wire.Error
		if err := json.Unmarshal(data, &msg); err == nil {
			logger.Warnf("[client] server error: %s", msg.Error)
		}
	case wire.KindUnsubscribeOK:
		// Nothing to reconcile.
	default:
		logger.Debugf("[client] ignoring unknown message kind %q", env.Kind)
	}
	return false
}

// handleHello adopts the server session, flushes queued requests, and
// reconciles the session's subscription list against the desired set: it
// subscribes anything missing and unsubscribes anything stale. A fresh sid
// with an empty sub list therefore recovers every desired subject, each with
// a full resync in its SUBSCRIBE_OK.
func (c *Client) handleHello(msg wire.Hello) {
	c.mu.Lock()
	c.sid = msg.SID
	c.ready = true
	pending := c.pending
	c.pending = nil

	queuedSub := make(map[string]bool)
	queuedUnsub := make(map[string]bool)
	for _, v := range pending {
		switch m := v.(type) {
		case wire.Subscribe:
			queuedSub[m.To] = true
		case wire.Unsubscribe:
			queuedUnsub[m.To] = true
		}
	}

	covered := make(map[string]bool, len(msg.Subs))
	for _, sub := range msg.Subs {
		covered[sub] = true
	}
	var fixups []any
	for subject := range c.desired {
		if !covered[subject] && !queuedSub[subject] {
			fixups = append(fixups, wire.Subscribe{Kind: wire.KindSubscribe, To: subject})
		}
	}
	for _, subject := range msg.Subs {
		if !c.desired[subject] && !queuedUnsub[subject] {
			fixups = append(fixups, wire.Unsubscribe{Kind: wire.KindUnsubscribe, To: subject})
		}
	}
	c.mu.Unlock()

	for _, v := range pending {
		c.write(v)
	}
	for _, v := range fixups {
		c.write(v)
	}
	c.setStatus(StatusReady)
}

func (c *Client) handleSubscribeOK(msg wire.SubscribeOK) {
	if c.opts.Mode == wire.ModeActions {
		var bulk wire.BulkActions
		if err := json.Unmarshal(msg.Current, &bulk); err != nil {
			logger.Warnf("[client] bad resync for %s: %v", msg.To, err)
			return
		}
		c.replaceHistory(msg.To, bulk.Actions)
		return
	}

	var state map[string]any
	if err := json.Unmarshal(msg.Current, &state); err != nil {
		logger.Warnf("[client] bad current view for %s: %v", msg.To, err)
		return
	}
	c.setState(msg.To, state, "")
}

func (c *Client) handleChange(msg wire.Change) {
	var state map[string]any
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		logger.Warnf("[client] bad change for %s: %v", msg.Changed, err)
		return
	}
	c.setState(msg.Changed, state, msg.MID)
}

func (c *Client) handleAction(msg wire.Action) {
	c.mu.Lock()
	// Log timestamps are unique per event; an action already in the mirror
	// is a resync snapshot racing its own per-action delivery. Folding it
	// twice would double its effect.
	for _, act := range c.histories[msg.Event] {
		if act.Meta.TS == msg.Meta.TS {
			c.lastMid = msg.MID
			c.mu.Unlock()
			return
		}
	}
	c.histories[msg.Event] = append(c.histories[msg.Event], action.Action{
		Type:    msg.Type,
		Payload: msg.Payload,
		Meta:    msg.Meta,
	})
	c.lastMid = msg.MID
	c.mu.Unlock()

	c.refold(msg.Event)
}

// markActivity records inbound traffic of any kind as proof of liveness and
// lifts an unanswered-ping degradation.
func (c *Client) markActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.outstanding = 0
	recovered := c.status == StatusPossiblyDisconnected && c.ready
	c.mu.Unlock()
	if recovered {
		c.setStatus(StatusReady)
	}
}

func (c *Client) replaceHistory(subject string, actions []action.Action) {
	c.mu.Lock()
	c.histories[subject] = append([]action.Action(nil), actions...)
	c.mu.Unlock()
	c.refold(subject)
}

// refold recomputes a subject's state from its mirrored log with the same
// fold the server uses, so both sides always agree.
func (c *Client) refold(subject string) {
	c.mu.Lock()
	history := c.histories[subject]
	c.mu.Unlock()

	var reduce action.Reducer
	if sp, ok := sport.Get(subjectSport(subject)); ok {
		reduce = sport.Reduce(sp)
	}
	state, err := action.Resolve(reduce, history)
	if err != nil {
		logger.Warnf("[client] failed to fold %s: %v", subject, err)
		return
	}
	c.setState(subject, state, "")
}

func (c *Client) setState(subject string, state map[string]any, mid string) {
	c.mu.Lock()
	c.states[subject] = state
	if mid != "" {
		c.lastMid = mid
	}
	onChange := c.opts.OnChange
	c.mu.Unlock()
	if onChange != nil {
		onChange(subject, state)
	}
}

// pinger checks liveness only when the connection has gone quiet: a ping is
// sent after a full idle interval, and the status flips to
// POSSIBLY_DISCONNECTED once missedPongLimit pings have gone unanswered with
// no other traffic either. The socket is never closed here; any inbound
// message recovers the status, and a dead socket surfaces as a read error
// followed by a redial.
func (c *Client) pinger(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if time.Since(c.lastActivity) < c.opts.PingInterval {
			c.mu.Unlock()
			continue
		}
		suspect := c.outstanding >= missedPongLimit
		c.outstanding++
		c.mu.Unlock()

		if suspect {
			c.setStatus(StatusPossiblyDisconnected)
		}
		c.write(wire.Heartbeat{Kind: wire.KindPing})
	}
}

// send delivers a message now if the session is ready, otherwise queues it
// for the next HELLO.
func (c *Client) send(v any) {
	c.mu.Lock()
	if !c.ready || c.ws == nil {
		c.pending = append(c.pending, v)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.write(v)
}

func (c *Client) write(v any) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(v); err != nil {
		logger.Debugf("[client] write failed: %v", err)
	}
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	onStatus := c.opts.OnStatus
	c.mu.Unlock()
	logger.Debugf("[client] status -> %s", status)
	if onStatus != nil {
		onStatus(status)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func subjectSport(subject string) string {
	parts := strings.SplitN(subject, "/", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}
