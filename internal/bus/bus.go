package bus

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SentinelNewOnly resumes a tail at the current end of the stream, so only
// messages published after the call are delivered.
const SentinelNewOnly = "$"

// tailBatch bounds how many messages one Tail call returns.
const tailBatch = 256

// Message is one entry in the change stream.
type Message struct {
	// ID is the monotonically-assigned message id. Ids are ULIDs, so
	// lexicographic order equals publish order.
	ID      string          `json:"id"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// Bus is a durable, single-writer-process append-only change stream with any
// number of independent tailers. Readers never re-scan; they always resume
// from an explicit message id, so no coordination between tailers is needed.
type Bus struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	// notify is closed and replaced on every publish to wake blocked tails.
	notify chan struct{}
}

// New creates a change bus over the changes table.
func New(db *sql.DB) *Bus {
	return &Bus{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		notify:  make(chan struct{}),
	}
}

// Publish appends a message for the subject and returns its id. Ids are
// strictly increasing across calls.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), b.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to allocate message id: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		"INSERT INTO changes (id, subject, data) VALUES (?, ?, ?)",
		id.String(), subject, string(data),
	)
	if err != nil {
		return "", fmt.Errorf("failed to append change: %w", err)
	}

	// Wake every blocked tailer; they each re-query from their own cursor.
	close(b.notify)
	b.notify = make(chan struct{})

	return id.String(), nil
}

// Tail returns messages published after fromID, in publish order. An empty
// fromID starts at the beginning of the stream; SentinelNewOnly starts at
// the current end.
//
// When no messages are available Tail blocks up to the given duration and
// then returns an empty batch: a timeout is a liveness signal, not an end of
// stream (the stream is unbounded). Cancelling the context unblocks a
// waiting Tail promptly.
func (b *Bus) Tail(ctx context.Context, fromID string, block time.Duration) ([]Message, error) {
	if fromID == SentinelNewOnly {
		var err error
		fromID, err = b.lastID(ctx)
		if err != nil {
			return nil, err
		}
	}

	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		// Capture the notify channel before querying so a publish between
		// the query and the wait is never missed.
		b.mu.Lock()
		notify := b.notify
		b.mu.Unlock()

		msgs, err := b.read(ctx, fromID)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if block <= 0 {
			return nil, nil
		}

		select {
		case <-notify:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// LastID returns the id of the most recent message, or an empty string when
// the stream is empty.
func (b *Bus) LastID(ctx context.Context) (string, error) {
	return b.lastID(ctx)
}

func (b *Bus) lastID(ctx context.Context) (string, error) {
	var id string
	err := b.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), '') FROM changes",
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to read stream head: %w", err)
	}
	return id, nil
}

func (b *Bus) read(ctx context.Context, fromID string) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT id, subject, data FROM changes WHERE id > ? ORDER BY id LIMIT ?",
		fromID, tailBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var data string
		if err := rows.Scan(&msg.ID, &msg.Subject, &data); err != nil {
			return nil, err
		}
		msg.Data = json.RawMessage(data)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
