// Package ledger implements the durable, append-only conversation store on
// SQLite. Every flush of a session produces a new versioned row; rows are
// never updated or deleted, so the tier doubles as the system of record the
// vector index is rebuilt from.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
)

// Store is the SQLite-backed conversation ledger.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the ledger database at path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		summary TEXT NOT NULL,
		flushed_at DATETIME NOT NULL,
		data JSON NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, session_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user_flushed
		ON conversations(user_id, flushed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append writes a new conversation record, assigning the next version for
// its session inside a transaction so concurrent flushes cannot collide.
func (s *Store) Append(ctx context.Context, rec memory.ConversationRecord) (memory.ConversationRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.ConversationRecord{}, writeFailed("begin transaction", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM conversations
		WHERE user_id = ? AND session_id = ?
	`, rec.UserID, rec.SessionID).Scan(&version)
	if err != nil {
		return memory.ConversationRecord{}, writeFailed("assign version", err)
	}

	rec.Version = version
	if rec.FlushedAt.IsZero() {
		rec.FlushedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return memory.ConversationRecord{}, writeFailed("marshal record", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (user_id, session_id, version, summary, flushed_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.UserID, rec.SessionID, rec.Version, rec.Summary, rec.FlushedAt, data)
	if err != nil {
		return memory.ConversationRecord{}, writeFailed("insert record", err)
	}

	if err := tx.Commit(); err != nil {
		return memory.ConversationRecord{}, writeFailed("commit", err)
	}

	return rec, nil
}

// Get returns the most recent record for the session.
func (s *Store) Get(ctx context.Context, userID, sessionID string) (memory.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM conversations
		WHERE user_id = ? AND session_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, userID, sessionID)
	return scanRecord(row, fmt.Sprintf("conversation %s/%s", userID, sessionID))
}

// GetVersion returns one specific flush of the session.
func (s *Store) GetVersion(ctx context.Context, userID, sessionID string, version int64) (memory.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM conversations
		WHERE user_id = ? AND session_id = ? AND version = ?
	`, userID, sessionID, version)
	return scanRecord(row, fmt.Sprintf("conversation %s/%s v%d", userID, sessionID, version))
}

// ListRecent returns the user's records, newest first.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]memory.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM conversations
		WHERE user_id = ?
		ORDER BY flushed_at DESC, version DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []memory.ConversationRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var rec memory.ConversationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecord(row *sql.Row, what string) (memory.ConversationRecord, error) {
	var data []byte
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return memory.ConversationRecord{}, recallerrors.New(recallerrors.CodeNotFound, what+" not found")
	}
	if err != nil {
		return memory.ConversationRecord{}, err
	}

	var rec memory.ConversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return memory.ConversationRecord{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func writeFailed(op string, err error) error {
	return recallerrors.Wrap(recallerrors.CodeLedgerWrite, "ledger: "+op, err).
		WithSuggestion("check that the ledger database path is writable and the disk has space")
}
