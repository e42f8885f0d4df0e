package eventstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Document kinds. Each covered event owns exactly one document of each kind.
const (
	KindMeta    = "meta"
	KindHistory = "history"
)

// Doc is a versioned JSON document. Version is the compare-and-swap token.
type Doc struct {
	Data    []byte
	Version int64
}

// DocStore is a per-key compare-and-swap document store.
type DocStore interface {
	Get(ctx context.Context, kind, id string) (Doc, error)
	Insert(ctx context.Context, kind, id string, data []byte) error
	// Update writes the document only if its stored version still equals
	// expect; it returns the new version, or ErrConflict when the token is
	// stale.
	Update(ctx context.Context, kind, id string, data []byte, expect int64) (int64, error)
}

// SQLDocStore implements DocStore on the documents table.
type SQLDocStore struct {
	DB *sql.DB
}

func (s *SQLDocStore) Get(ctx context.Context, kind, id string) (Doc, error) {
	var doc Doc
	err := s.DB.QueryRowContext(ctx,
		"SELECT doc, version FROM documents WHERE kind = ? AND id = ?",
		kind, id,
	).Scan(&doc.Data, &doc.Version)
	if err == sql.ErrNoRows {
		return Doc{}, ErrNotFound
	}
	if err != nil {
		return Doc{}, fmt.Errorf("failed to load %s document: %w", kind, err)
	}
	return doc, nil
}

func (s *SQLDocStore) Insert(ctx context.Context, kind, id string, data []byte) error {
	res, err := s.DB.ExecContext(ctx,
		"INSERT OR IGNORE INTO documents (kind, id, doc, version) VALUES (?, ?, ?, 1)",
		kind, id, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s document: %w", kind, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLDocStore) Update(ctx context.Context, kind, id string, data []byte, expect int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE documents
		 SET doc = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE kind = ? AND id = ? AND version = ?`,
		string(data), kind, id, expect,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s document: %w", kind, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		// Either the document vanished or the token is stale; distinguish so
		// callers get the right error.
		var exists int
		if err := s.DB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM documents WHERE kind = ? AND id = ?", kind, id,
		).Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrConflict
	}
	return expect + 1, nil
}
