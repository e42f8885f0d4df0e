package livesync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ystv/sports-scores/internal/database"
)

func newTestSessionStore(t *testing.T, ttl time.Duration) *SQLSessionStore {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &SQLSessionStore{DB: db.DB, TTL: ttl}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	store := newTestSessionStore(t, time.Minute)
	ctx := context.Background()

	sess := &Session{SID: "s1", Subs: []string{"Event/football/a"}, LastMid: "m1"}
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.SID != "s1" || got.LastMid != "m1" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if len(got.Subs) != 1 || got.Subs[0] != "Event/football/a" {
		t.Fatalf("unexpected subs: %v", got.Subs)
	}

	// Put is an upsert.
	sess.Subs = append(sess.Subs, "Event/netball/b")
	sess.LastMid = "m2"
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	got, err = store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got.Subs) != 2 || got.LastMid != "m2" {
		t.Fatalf("upsert not applied: %+v", got)
	}
}

func TestSessionStoreUnknownSID(t *testing.T) {
	store := newTestSessionStore(t, time.Minute)

	got, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown sid, got %+v", got)
	}
}

func TestSessionStoreExpiry(t *testing.T) {
	store := newTestSessionStore(t, -time.Second)
	ctx := context.Background()

	if err := store.Put(ctx, &Session{SID: "stale", Subs: []string{"a"}}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired session to be invisible, got %+v", got)
	}
}

func TestSessionSubscriptionSet(t *testing.T) {
	sess := &Session{SID: "s", Subs: []string{}}

	sess.Subscribe("a")
	sess.Subscribe("b")
	sess.Subscribe("a")
	if len(sess.Subs) != 2 {
		t.Fatalf("duplicate subscribe not ignored: %v", sess.Subs)
	}
	if !sess.Subscribed("a") || !sess.Subscribed("b") || sess.Subscribed("c") {
		t.Fatal("membership checks wrong")
	}

	sess.Unsubscribe("a")
	if sess.Subscribed("a") || len(sess.Subs) != 1 {
		t.Fatalf("unsubscribe not applied: %v", sess.Subs)
	}
	sess.Unsubscribe("missing")
	if len(sess.Subs) != 1 {
		t.Fatalf("unsubscribe of unknown subject mutated subs: %v", sess.Subs)
	}
}
