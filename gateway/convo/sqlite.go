package convo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens (creating if necessary) a SQLite-backed conversation
// Store at path, which may be ":memory:" for tests.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convo: failed to open sqlite at %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("convo: failed to set %q: %w", pragma, err)
		}
	}

	if err := createSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqlStore{db: db, newID: defaultID, now: time.Now, likeOp: "LIKE"}, nil
}

func createSQLiteSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			name       TEXT,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL,
			metadata   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			model           TEXT,
			timestamp       REAL NOT NULL,
			metadata        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("convo: failed to apply sqlite schema: %w", err)
		}
	}
	return nil
}
