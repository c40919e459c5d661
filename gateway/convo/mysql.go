package convo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLStore opens a MySQL-backed conversation Store. dsn follows
// go-sql-driver/mysql's DSN format
// ("user:pass@tcp(host:port)/dbname?parseTime=true"). Intended for
// multi-service deployments where several gateway processes share
// conversation history; single-process deployments should prefer
// NewSQLiteStore.
func NewMySQLStore(dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("convo: failed to open mysql: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("convo: failed to connect to mysql: %w", err)
	}

	if err := createMySQLSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqlStore{db: db, newID: defaultID, now: time.Now, likeOp: "LIKE"}, nil
}

func createMySQLSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         VARCHAR(36) PRIMARY KEY,
			name       VARCHAR(512),
			created_at DOUBLE NOT NULL,
			updated_at DOUBLE NOT NULL,
			metadata   JSON
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              VARCHAR(36) PRIMARY KEY,
			conversation_id VARCHAR(36) NOT NULL,
			role            VARCHAR(32) NOT NULL,
			content         LONGTEXT NOT NULL,
			model           VARCHAR(128),
			timestamp       DOUBLE NOT NULL,
			metadata        JSON,
			INDEX idx_messages_conversation (conversation_id, timestamp),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("convo: failed to apply mysql schema: %w", err)
		}
	}
	return nil
}
