// Package audit persists finished exchanges for later inspection. Writes
// are best-effort from the gateway's point of view; a failed audit record
// never blocks reply delivery.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one completed user/assistant exchange.
type Entry struct {
	UserID      string
	UserMessage string
	BotResponse string
	Provider    string
	Model       string
	TokensUsed  int
	CreatedAt   time.Time
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention with SQLite
	// under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS dialogs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_message TEXT NOT NULL,
			bot_response TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS dialogs_user_idx ON dialogs(user_id, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialogs (id, user_id, user_message, bot_response, provider, model, tokens_used, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.UserID, e.UserMessage, e.BotResponse, e.Provider, e.Model, e.TokensUsed, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record dialog: %w", err)
	}
	return nil
}

// RecentForUser returns the user's latest exchanges, newest first.
func (s *SQLiteStore) RecentForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_message, bot_response, provider, model, tokens_used, created_at_ms
		 FROM dialogs WHERE user_id = ? ORDER BY created_at_ms DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query dialogs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAtMS int64
		if err := rows.Scan(&e.UserID, &e.UserMessage, &e.BotResponse, &e.Provider, &e.Model, &e.TokensUsed, &createdAtMS); err != nil {
			return nil, fmt.Errorf("scan dialog: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAtMS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
