package livesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Session is the resumable identity of one viewer connection: its
// subscription set and the last change-bus message id delivered to it.
type Session struct {
	SID     string
	Subs    []string
	LastMid string
}

// Subscribed reports whether the session covers the subject.
func (s *Session) Subscribed(subject string) bool {
	for _, sub := range s.Subs {
		if sub == subject {
			return true
		}
	}
	return false
}

// Subscribe adds a subject; duplicates are ignored.
func (s *Session) Subscribe(subject string) {
	if !s.Subscribed(subject) {
		s.Subs = append(s.Subs, subject)
	}
}

// Unsubscribe removes a subject.
func (s *Session) Unsubscribe(subject string) {
	for i, sub := range s.Subs {
		if sub == subject {
			s.Subs = append(s.Subs[:i], s.Subs[i+1:]...)
			return
		}
	}
}

// SessionStore persists sessions so a dropped connection can resume with the
// same sid within the TTL window.
type SessionStore interface {
	// Get returns the session, or nil when unknown or expired.
	Get(ctx context.Context, sid string) (*Session, error)
	// Put upserts the session and refreshes its TTL.
	Put(ctx context.Context, session *Session) error
}

// SQLSessionStore implements SessionStore on the live_sessions table.
type SQLSessionStore struct {
	DB *sql.DB
	// TTL is the inactivity window after which a session may no longer be
	// resumed.
	TTL time.Duration
}

func (s *SQLSessionStore) Get(ctx context.Context, sid string) (*Session, error) {
	var subsJSON, lastMid string
	err := s.DB.QueryRowContext(ctx,
		"SELECT subs, last_mid FROM live_sessions WHERE sid = ? AND expires_at > CURRENT_TIMESTAMP",
		sid,
	).Scan(&subsJSON, &lastMid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session := &Session{SID: sid, LastMid: lastMid}
	if err := json.Unmarshal([]byte(subsJSON), &session.Subs); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", sid, err)
	}
	return session, nil
}

func (s *SQLSessionStore) Put(ctx context.Context, session *Session) error {
	subsJSON, err := json.Marshal(session.Subs)
	if err != nil {
		return err
	}
	expires := time.Now().Add(s.TTL).UTC().Format("2006-01-02 15:04:05")
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO live_sessions (sid, subs, last_mid, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(sid) DO UPDATE SET subs = excluded.subs, last_mid = excluded.last_mid, expires_at = excluded.expires_at`,
		session.SID, string(subsJSON), session.LastMid, expires,
	)
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	// Opportunistically drop expired sessions.
	_, _ = s.DB.ExecContext(ctx, "DELETE FROM live_sessions WHERE expires_at <= CURRENT_TIMESTAMP")
	return nil
}
