package livesync

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ystv/sports-scores/internal/bus"
	"github.com/ystv/sports-scores/internal/crypto"
	"github.com/ystv/sports-scores/internal/database"
	"github.com/ystv/sports-scores/internal/eventstore"
	"github.com/ystv/sports-scores/pkg/wire"
)

type syncEnv struct {
	store *eventstore.Store
	url   string
	token string
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New(db.DB)
	store := eventstore.New(&eventstore.SQLDocStore{DB: db.DB}, b)
	jwtManager, err := crypto.NewJWTManager("test-master-secret")
	if err != nil {
		t.Fatalf("failed to create jwt manager: %v", err)
	}
	sessions := &SQLSessionStore{DB: db.DB, TTL: time.Minute}
	srv := NewServer(store, b, sessions, jwtManager, 250*time.Millisecond)

	router := gin.New()
	router.GET("/v1/live/sync", srv.HandleSync)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	token, err := jwtManager.CreateToken("tester")
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	return &syncEnv{
		store: store,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live/sync",
		token: token,
	}
}

func (e *syncEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := e.url + "?token=" + e.token
	if query != "" {
		u += "&" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (e *syncEnv) createEvent(t *testing.T) *eventstore.Resolved {
	t.Helper()
	resolved, err := e.store.Create(context.Background(), "uni", "football", eventstore.EventMeta{
		Name:     "Varsity Derby",
		HomeTeam: eventstore.Team{Name: "York"},
		AwayTeam: eventstore.Team{Name: "Lancaster"},
	}, nil)
	if err != nil {
		t.Fatalf("failed to create event: %v", err)
	}
	return resolved
}

// readKind reads server messages until one of the wanted kind arrives,
// skipping keepalive heartbeats.
func readKind(t *testing.T, ws *websocket.Conn, want wire.Kind) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read failed waiting for %s: %v", want, err)
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("malformed server message: %s", data)
		}
		if env.Kind == want {
			return data
		}
		if env.Kind == wire.KindPing || env.Kind == wire.KindPong {
			continue
		}
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestSyncRejectsInvalidToken(t *testing.T) {
	env := newSyncEnv(t)

	ws, _, err := websocket.DefaultDialer.Dial(env.url+"?token=garbage", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestSyncStateModeDelivery(t *testing.T) {
	env := newSyncEnv(t)
	resolved := env.createEvent(t)
	subject := eventstore.Subject("football", resolved.Meta.ID)

	ws := env.dial(t, "mode=state")

	var hello wire.Hello
	if err := json.Unmarshal(readKind(t, ws, wire.KindHello), &hello); err != nil {
		t.Fatalf("bad HELLO: %v", err)
	}
	if hello.SID == "" || hello.Mode != wire.ModeState || len(hello.Subs) != 0 {
		t.Fatalf("unexpected HELLO: %+v", hello)
	}

	if err := ws.WriteJSON(wire.Subscribe{Kind: wire.KindSubscribe, To: subject}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	var ok wire.SubscribeOK
	if err := json.Unmarshal(readKind(t, ws, wire.KindSubscribeOK), &ok); err != nil {
		t.Fatalf("bad SUBSCRIBE_OK: %v", err)
	}
	if ok.To != subject {
		t.Fatalf("acknowledged wrong subject: %s", ok.To)
	}
	var current map[string]any
	if err := json.Unmarshal(ok.Current, &current); err != nil {
		t.Fatalf("bad current view: %v", err)
	}
	if current["name"] != "Varsity Derby" || current["homeScore"] != float64(0) {
		t.Fatalf("unexpected current view: %v", current)
	}

	if _, err := env.store.ApplyAction(context.Background(), "uni", "football", resolved.Meta.ID, "startHalf", nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var change wire.Change
	if err := json.Unmarshal(readKind(t, ws, wire.KindChange), &change); err != nil {
		t.Fatalf("bad CHANGE: %v", err)
	}
	if change.Changed != subject || change.MID == "" {
		t.Fatalf("unexpected CHANGE: %+v", change)
	}
	var state map[string]any
	if err := json.Unmarshal(change.Data, &state); err != nil {
		t.Fatalf("bad change data: %v", err)
	}
	if state["clockRunning"] != true || state["half"] != float64(1) {
		t.Fatalf("unexpected state after startHalf: %v", state)
	}
}

func TestSyncActionsModeDelivery(t *testing.T) {
	env := newSyncEnv(t)
	resolved := env.createEvent(t)
	subject := eventstore.Subject("football", resolved.Meta.ID)

	ws := env.dial(t, "mode=actions")
	readKind(t, ws, wire.KindHello)

	if err := ws.WriteJSON(wire.Subscribe{Kind: wire.KindSubscribe, To: subject}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	var ok wire.SubscribeOK
	if err := json.Unmarshal(readKind(t, ws, wire.KindSubscribeOK), &ok); err != nil {
		t.Fatalf("bad SUBSCRIBE_OK: %v", err)
	}
	var bulk wire.BulkActions
	if err := json.Unmarshal(ok.Current, &bulk); err != nil {
		t.Fatalf("bad current view: %v", err)
	}
	if bulk.Kind != wire.KindBulkActions || len(bulk.Actions) != 1 || bulk.Actions[0].Type != "@@init" {
		t.Fatalf("expected the init-only log, got %+v", bulk)
	}

	if _, err := env.store.ApplyAction(context.Background(), "uni", "football", resolved.Meta.ID, "startHalf", nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var act wire.Action
	if err := json.Unmarshal(readKind(t, ws, wire.KindAction), &act); err != nil {
		t.Fatalf("bad ACTION: %v", err)
	}
	if act.Event != subject || act.Type != "startHalf" || act.Meta.TS == 0 {
		t.Fatalf("unexpected ACTION: %+v", act)
	}
}

func TestSyncResumeReplaysMissedChanges(t *testing.T) {
	env := newSyncEnv(t)
	resolved := env.createEvent(t)
	subject := eventstore.Subject("football", resolved.Meta.ID)

	ws := env.dial(t, "mode=state")
	var hello wire.Hello
	if err := json.Unmarshal(readKind(t, ws, wire.KindHello), &hello); err != nil {
		t.Fatalf("bad HELLO: %v", err)
	}
	if err := ws.WriteJSON(wire.Subscribe{Kind: wire.KindSubscribe, To: subject}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	readKind(t, ws, wire.KindSubscribeOK)

	if _, err := env.store.ApplyAction(context.Background(), "uni", "football", resolved.Meta.ID, "startHalf", nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	var change wire.Change
	if err := json.Unmarshal(readKind(t, ws, wire.KindChange), &change); err != nil {
		t.Fatalf("bad CHANGE: %v", err)
	}
	ws.Close()

	// A change lands while the viewer is offline.
	if _, err := env.store.ApplyAction(context.Background(), "uni", "football", resolved.Meta.ID, "endHalf", nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	ws2 := env.dial(t, "mode=state&sid="+hello.SID+"&last_mid="+change.MID)
	var hello2 wire.Hello
	if err := json.Unmarshal(readKind(t, ws2, wire.KindHello), &hello2); err != nil {
		t.Fatalf("bad resumed HELLO: %v", err)
	}
	if hello2.SID != hello.SID || len(hello2.Subs) != 1 || hello2.Subs[0] != subject {
		t.Fatalf("session not resumed: %+v", hello2)
	}

	var missed wire.Change
	if err := json.Unmarshal(readKind(t, ws2, wire.KindChange), &missed); err != nil {
		t.Fatalf("bad replayed CHANGE: %v", err)
	}
	if missed.Changed != subject || missed.MID <= change.MID {
		t.Fatalf("unexpected replay: %+v", missed)
	}
	var state map[string]any
	if err := json.Unmarshal(missed.Data, &state); err != nil {
		t.Fatalf("bad replayed data: %v", err)
	}
	if state["clockRunning"] != false {
		t.Fatalf("expected the endHalf state, got %v", state)
	}
}

func TestSyncResumeWithStoredCursorOnly(t *testing.T) {
	env := newSyncEnv(t)
	resolved := env.createEvent(t)
	subject := eventstore.Subject("football", resolved.Meta.ID)

	// Subscribe and disconnect before any change is delivered, so the client
	// has no last_mid to present on reconnect.
	ws := env.dial(t, "mode=state")
	var hello wire.Hello
	if err := json.Unmarshal(readKind(t, ws, wire.KindHello), &hello); err != nil {
		t.Fatalf("bad HELLO: %v", err)
	}
	if err := ws.WriteJSON(wire.Subscribe{Kind: wire.KindSubscribe, To: subject}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	readKind(t, ws, wire.KindSubscribeOK)
	ws.Close()

	if _, err := env.store.ApplyAction(context.Background(), "uni", "football", resolved.Meta.ID, "startHalf", nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Reconnecting with sid alone must continue from the stored cursor, not
	// restart at the stream head.
	ws2 := env.dial(t, "mode=state&sid="+hello.SID)
	var hello2 wire.Hello
	if err := json.Unmarshal(readKind(t, ws2, wire.KindHello), &hello2); err != nil {
		t.Fatalf("bad resumed HELLO: %v", err)
	}
	if hello2.SID != hello.SID || len(hello2.Subs) != 1 {
		t.Fatalf("session not resumed: %+v", hello2)
	}

	var missed wire.Change
	if err := json.Unmarshal(readKind(t, ws2, wire.KindChange), &missed); err != nil {
		t.Fatalf("bad replayed CHANGE: %v", err)
	}
	if missed.Changed != subject {
		t.Fatalf("unexpected replay: %+v", missed)
	}
	var state map[string]any
	if err := json.Unmarshal(missed.Data, &state); err != nil {
		t.Fatalf("bad replayed data: %v", err)
	}
	if state["clockRunning"] != true {
		t.Fatalf("expected the offline change, got %v", state)
	}
}

func TestSyncUnknownSIDGetsFreshSession(t *testing.T) {
	env := newSyncEnv(t)

	ws := env.dial(t, "sid=never-seen&last_mid=01AAAAAAAAAAAAAAAAAAAAAAAA")
	var hello wire.Hello
	if err := json.Unmarshal(readKind(t, ws, wire.KindHello), &hello); err != nil {
		t.Fatalf("bad HELLO: %v", err)
	}
	if hello.SID == "never-seen" || hello.SID == "" || len(hello.Subs) != 0 {
		t.Fatalf("expected a fresh session, got %+v", hello)
	}
}

func TestSyncBadMessageKeepsConnectionOpen(t *testing.T) {
	env := newSyncEnv(t)

	ws := env.dial(t, "")
	readKind(t, ws, wire.KindHello)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"SHOUT"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var werr wire.Error
	if err := json.Unmarshal(readKind(t, ws, wire.KindError), &werr); err != nil {
		t.Fatalf("bad ERROR: %v", err)
	}
	if werr.Error == "" {
		t.Fatal("expected an error description")
	}

	// The connection still serves heartbeats afterwards.
	if err := ws.WriteJSON(wire.Heartbeat{Kind: wire.KindPing}); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	readKind(t, ws, wire.KindPong)
}
