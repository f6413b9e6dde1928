// Package state persists conversations. SQLiteStore is the default; FileStore
// and MemoryStore cover single-file setups and tests.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HexSleeves/parley/internal/conversation"
)

const dbName = "parley.db"

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	state_json TEXT NOT NULL,
	messages   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
`

// Summary describes a stored conversation without its messages.
type Summary struct {
	ID        string
	Messages  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OpenDB opens <dir>/parley.db, creating the directory and schema as needed.
func OpenDB(dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, dbName)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create schema: %w", err)
	}
	return db, nil
}

// SQLiteStore keeps one row per conversation.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the database under dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	db, err := OpenDB(dir)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM conversations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: load %s: %w", id, err)
	}
	return conversation.UnmarshalState([]byte(raw))
}

func (s *SQLiteStore) Save(ctx context.Context, st *conversation.State) error {
	data, err := conversation.MarshalState(st)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, state_json, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state_json = excluded.state_json,
			messages   = excluded.messages,
			updated_at = excluded.updated_at`,
		st.ConversationID, string(data), len(st.Messages), now, now)
	if err != nil {
		return fmt.Errorf("state: save %s: %w", st.ConversationID, err)
	}
	return nil
}

// List returns stored conversations, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, messages, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var created, updated string
		if err := rows.Scan(&sum.ID, &sum.Messages, &created, &updated); err != nil {
			return nil, fmt.Errorf("state: list: %w", err)
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("state: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrNotFound
	}
	return nil
}
