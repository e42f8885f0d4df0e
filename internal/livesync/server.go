package livesync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ystv/sports-scores/internal/action"
	"github.com/ystv/sports-scores/internal/bus"
	"github.com/ystv/sports-scores/internal/crypto"
	"github.com/ystv/sports-scores/internal/eventstore"
	"github.com/ystv/sports-scores/internal/logger"
	"github.com/ystv/sports-scores/pkg/wire"
)

// writeWait bounds how long a single socket write may take.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for self-hosting
	},
}

// Server manages one long-lived sync connection per viewer. Each connection
// runs its own blocking tail loop against the change bus; there is no shared
// state across connections beyond the bus and the session store.
type Server struct {
	store      *eventstore.Store
	bus        *bus.Bus
	sessions   SessionStore
	jwtManager *crypto.JWTManager
	tailBlock  time.Duration
}

// NewServer creates a live sync server.
func NewServer(store *eventstore.Store, b *bus.Bus, sessions SessionStore, jwtManager *crypto.JWTManager, tailBlock time.Duration) *Server {
	return &Server{
		store:      store,
		bus:        b,
		sessions:   sessions,
		jwtManager: jwtManager,
		tailBlock:  tailBlock,
	}
}

// conn wraps one socket plus its session. The mutex covers both socket
// writes (reader replies and the tail goroutine interleave) and session
// mutation.
type conn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	sess *Session
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeJSONLocked(v)
}

// writeJSONLocked requires c.mu to be held.
func (c *conn) writeJSONLocked(v any) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) subscribed(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Subscribed(subject)
}

// HandleSync handles GET /v1/live/sync.
//
// Query parameters: mode (state|actions, default state), token (auth
// credential), sid + last_mid (resumption).
func (s *Server) HandleSync(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[livesync] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	// Transport-level auth failures close with a dedicated code so clients
	// can tell "reauthenticate" from a transient network failure.
	if _, err := s.jwtManager.VerifyToken(c.Query("token")); err != nil {
		closeWith(ws, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	mode := c.Query("mode")
	if mode == "" {
		mode = wire.ModeState
	}
	if mode != wire.ModeState && mode != wire.ModeActions {
		closeWith(ws, websocket.ClosePolicyViolation, "invalid mode")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sess, resumed := s.resolveSession(ctx, c.Query("sid"))
	lastMid, resume, err := s.resolveCursor(ctx, sess, resumed, c.Query("last_mid"))
	if err != nil {
		logger.Errorf("[livesync] failed to resolve cursor: %v", err)
		return
	}
	// The resolved cursor is persisted immediately. A session that never
	// received a message would otherwise resume with an empty stored cursor
	// and restart at the stream head, skipping everything published while it
	// was offline.
	sess.LastMid = lastMid
	if err := s.sessions.Put(ctx, sess); err != nil {
		logger.Errorf("[livesync] failed to store session %s: %v", sess.SID, err)
		return
	}

	cn := &conn{ws: ws, sess: sess}
	if err := cn.writeJSON(wire.Hello{Kind: wire.KindHello, SID: sess.SID, Subs: sess.Subs, Mode: mode}); err != nil {
		return
	}

	logger.Debugf("[livesync] session %s connected (mode=%s resume=%v)", sess.SID, mode, resume)

	go s.tailLoop(ctx, cn, mode, lastMid, resume)

	// Reader loop; returning cancels the context, which unblocks the tail.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warnf("[livesync] session %s read error: %v", sess.SID, err)
			}
			return
		}

		msg, err := wire.ParseClient(data)
		if err != nil {
			// Protocol-level problems never close the connection.
			cn.writeJSON(wire.Error{Kind: wire.KindError, Error: err.Error()})
			continue
		}

		switch m := msg.(type) {
		case wire.Subscribe:
			s.handleSubscribe(ctx, cn, mode, m.To)
		case wire.Unsubscribe:
			s.handleUnsubscribe(ctx, cn, m.To)
		case wire.Heartbeat:
			if m.Kind == wire.KindPing {
				cn.writeJSON(wire.Heartbeat{Kind: wire.KindPong})
			}
		}
	}
}

// resolveSession reuses a stored session only when it still has at least one
// subscription recorded; otherwise a fresh sid tells the peer its
// subscriptions were lost.
func (s *Server) resolveSession(ctx context.Context, sid string) (*Session, bool) {
	if sid != "" {
		stored, err := s.sessions.Get(ctx, sid)
		if err != nil {
			logger.Warnf("[livesync] failed to load session %s: %v", sid, err)
		}
		if stored != nil && len(stored.Subs) > 0 {
			return stored, true
		}
	}
	return &Session{SID: uuid.NewString(), Subs: []string{}}, false
}

// resolveCursor picks the tail starting point. A resumed session continues
// from the client-supplied last_mid (or its stored one); everything else
// starts at the current end of the stream.
func (s *Server) resolveCursor(ctx context.Context, sess *Session, resumed bool, lastMid string) (string, bool, error) {
	if resumed {
		if lastMid != "" {
			return lastMid, true, nil
		}
		if sess.LastMid != "" {
			return sess.LastMid, true, nil
		}
	}
	head, err := s.bus.LastID(ctx)
	return head, false, err
}

// handleSubscribe records the subscription, loads the current view and sends
// SUBSCRIBE_OK in one critical section. The tail goroutine takes the same
// lock to forward, so a delivery for this subject can only follow the
// SUBSCRIBE_OK, and that snapshot already contains any change committed
// before it; a delivery never arrives ahead of an older snapshot.
func (s *Server) handleSubscribe(ctx context.Context, cn *conn, mode, subject string) {
	cn.mu.Lock()
	cn.sess.Subscribe(subject)
	current := s.currentView(ctx, mode, subject)
	cn.writeJSONLocked(wire.SubscribeOK{Kind: wire.KindSubscribeOK, To: subject, Current: current})
	cn.mu.Unlock()

	s.persist(ctx, cn)
}

func (s *Server) handleUnsubscribe(ctx context.Context, cn *conn, subject string) {
	cn.mu.Lock()
	cn.sess.Unsubscribe(subject)
	cn.writeJSONLocked(wire.UnsubscribeOK{Kind: wire.KindUnsubscribeOK, To: subject})
	cn.mu.Unlock()

	s.persist(ctx, cn)
}

// currentView is the resync payload for a (re)subscription: the merged state
// in state mode, the full annotated log in actions mode. Unknown subjects
// yield an empty default rather than an error.
func (s *Server) currentView(ctx context.Context, mode, subject string) json.RawMessage {
	resolved, err := s.store.GetBySubject(ctx, subject)

	if mode == wire.ModeActions {
		bulk := wire.BulkActions{Kind: wire.KindBulkActions, Event: subject, Actions: []action.Action{}}
		if err == nil {
			bulk.Actions = action.Annotate(resolved.History)
		}
		data, merr := json.Marshal(bulk)
		if merr != nil {
			return json.RawMessage(`{}`)
		}
		return data
	}

	if err != nil {
		return json.RawMessage(`{}`)
	}
	data, merr := json.Marshal(resolved.Merged())
	if merr != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// tailLoop is the connection's own change-bus reader. An initial resume pass
// drains backlog with zero block time; afterwards each timed-out tail emits
// a keepalive ping.
func (s *Server) tailLoop(ctx context.Context, cn *conn, mode, lastMid string, resume bool) {
	if resume {
		for {
			msgs, err := s.bus.Tail(ctx, lastMid, 0)
			if err != nil || len(msgs) == 0 {
				break
			}
			lastMid = s.deliver(ctx, cn, mode, msgs)
		}
	}

	for {
		msgs, err := s.bus.Tail(ctx, lastMid, s.tailBlock)
		if err != nil {
			// Context cancelled: the connection is gone.
			return
		}
		if len(msgs) == 0 {
			if cn.writeJSON(wire.Heartbeat{Kind: wire.KindPing}) != nil {
				return
			}
			continue
		}
		lastMid = s.deliver(ctx, cn, mode, msgs)
	}
}

// deliver forwards matching messages and advances the session cursor past
// every message regardless of subject match, so resumption never re-delivers
// or skips.
func (s *Server) deliver(ctx context.Context, cn *conn, mode string, msgs []bus.Message) string {
	lastMid := ""
	for _, msg := range msgs {
		if cn.subscribed(msg.Subject) {
			s.forward(cn, mode, msg)
		}
		lastMid = msg.ID
	}

	cn.mu.Lock()
	cn.sess.LastMid = lastMid
	cn.mu.Unlock()
	s.persist(ctx, cn)

	return lastMid
}

func (s *Server) forward(cn *conn, mode string, msg bus.Message) {
	var change eventstore.Change
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		logger.Errorf("[livesync] corrupt change %s: %v", msg.ID, err)
		return
	}

	if mode == wire.ModeState {
		data, err := json.Marshal(change.State)
		if err != nil {
			logger.Errorf("[livesync] failed to marshal state for %s: %v", msg.Subject, err)
			return
		}
		cn.writeJSON(wire.Change{Kind: wire.KindChange, Changed: msg.Subject, MID: msg.ID, Data: data})
		return
	}

	switch {
	case len(change.Actions) > 0:
		cn.writeJSON(wire.BulkActions{Kind: wire.KindBulkActions, Event: msg.Subject, Actions: change.Actions})
	case change.Action != nil:
		cn.writeJSON(wire.Action{
			Kind:    wire.KindAction,
			MID:     msg.ID,
			Event:   msg.Subject,
			Type:    change.Action.Type,
			Payload: change.Action.Payload,
			Meta:    change.Action.Meta,
		})
	default:
		// Meta-only changes have no representation in the action stream;
		// actions-mode mirrors pick them up on their next resync.
	}
}

func (s *Server) persist(ctx context.Context, cn *conn) {
	cn.mu.Lock()
	snapshot := &Session{SID: cn.sess.SID, Subs: append([]string{}, cn.sess.Subs...), LastMid: cn.sess.LastMid}
	cn.mu.Unlock()
	if err := s.sessions.Put(ctx, snapshot); err != nil {
		logger.Warnf("[livesync] failed to persist session %s: %v", snapshot.SID, err)
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
