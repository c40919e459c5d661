// Package convo persists multi-model conversation history: a thin
// collaborator the gateway core never mutates past messages through, only
// appends to.
package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is one named thread of messages.
type Conversation struct {
	ID        string
	Name      string
	CreatedAt float64
	UpdatedAt float64
	Metadata  map[string]interface{}
}

// Message is one immutable turn appended to a Conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Model          string
	Timestamp      float64
	Metadata       map[string]interface{}
}

// LLMMessage is the {role, content} projection ForLLM returns — the shape a
// provider's Messages field expects.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SearchParams filters Search's conversation discovery query. Zero values
// mean "no filter" for that field.
type SearchParams struct {
	NamePattern string // SQL LIKE pattern, e.g. "%research%"
	Model       string // restrict to conversations that contain a message from this model
	DaysAgo     int    // restrict to conversations updated within the last N days
}

// Store is the conversation persistence contract. Implementations back it
// with SQLite (the default) or MySQL (multi-service deployments).
type Store interface {
	// Create starts a new conversation and returns its id.
	Create(ctx context.Context, name string, metadata map[string]interface{}) (string, error)
	// Append adds one message to an existing conversation, atomically
	// bumping the conversation's updated_at.
	Append(ctx context.Context, conversationID, role, content, model string, metadata map[string]interface{}) (string, error)
	// Get returns a conversation's messages in chronological order,
	// optionally limited to the most recent `limit` (0 means unlimited).
	Get(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ForLLM projects Get's result down to {role, content} pairs.
	ForLLM(ctx context.Context, conversationID string, limit int) ([]LLMMessage, error)
	// Search discovers conversations matching the given filters.
	Search(ctx context.Context, params SearchParams) ([]Conversation, error)
	// Close releases the underlying database handle.
	Close() error
}

// sqlStore implements Store against any database/sql driver that speaks
// SQLite-flavored SQL with "?" placeholders (both modernc.org/sqlite and
// go-sql-driver/mysql qualify).
type sqlStore struct {
	db     *sql.DB
	newID  func() string
	now    func() time.Time
	likeOp string
}

func (s *sqlStore) Create(ctx context.Context, name string, metadata map[string]interface{}) (string, error) {
	id := s.newID()
	ts := timestamp(s.now())
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, name, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, id, name, ts, ts, metaJSON)
	if err != nil {
		return "", fmt.Errorf("convo: failed to create conversation %q: %w", name, err)
	}
	return id, nil
}

func (s *sqlStore) Append(ctx context.Context, conversationID, role, content, model string, metadata map[string]interface{}) (string, error) {
	id := s.newID()
	ts := timestamp(s.now())
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("convo: failed to begin append transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, model, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, conversationID, role, content, nullableString(model), ts, metaJSON); err != nil {
		return "", fmt.Errorf("convo: failed to append message to %s: %w", conversationID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ts, conversationID); err != nil {
		return "", fmt.Errorf("convo: failed to bump updated_at for %s: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("convo: failed to commit append to %s: %w", conversationID, err)
	}
	return id, nil
}

func (s *sqlStore) Get(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, content, model, timestamp, metadata
		FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC
	`
	args := []interface{}{conversationID}
	if limit > 0 {
		query = `
			SELECT id, conversation_id, role, content, model, timestamp, metadata FROM (
				SELECT id, conversation_id, role, content, model, timestamp, metadata
				FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC LIMIT ?
			) AS recent ORDER BY timestamp ASC
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convo: failed to load messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var model sql.NullString
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &model, &m.Timestamp, &metaJSON); err != nil {
			return nil, fmt.Errorf("convo: failed to scan message row: %w", err)
		}
		m.Model = model.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("convo: failed to decode message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) ForLLM(ctx context.Context, conversationID string, limit int) ([]LLMMessage, error) {
	messages, err := s.Get(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]LLMMessage, len(messages))
	for i, m := range messages {
		out[i] = LLMMessage{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func (s *sqlStore) Search(ctx context.Context, params SearchParams) ([]Conversation, error) {
	query := `SELECT DISTINCT c.id, c.name, c.created_at, c.updated_at, c.metadata FROM conversations c`
	var conditions []string
	var args []interface{}

	if params.Model != "" {
		query += ` JOIN messages m ON m.conversation_id = c.id`
		conditions = append(conditions, `m.model = ?`)
		args = append(args, params.Model)
	}
	if params.NamePattern != "" {
		conditions = append(conditions, fmt.Sprintf(`c.name %s ?`, s.likeOp))
		args = append(args, params.NamePattern)
	}
	if params.DaysAgo > 0 {
		cutoff := timestamp(s.now().Add(-time.Duration(params.DaysAgo) * 24 * time.Hour))
		conditions = append(conditions, `c.updated_at >= ?`)
		args = append(args, cutoff)
	}
	if len(conditions) > 0 {
		query += " WHERE " + joinAnd(conditions)
	}
	query += ` ORDER BY c.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convo: search query failed: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var metaJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("convo: failed to scan conversation row: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("convo: failed to decode conversation metadata: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error { return s.db.Close() }

func encodeMetadata(m map[string]interface{}) (string, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("convo: failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timestamp(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func joinAnd(conditions []string) string {
	out := conditions[0]
	for _, c := range conditions[1:] {
		out += " AND " + c
	}
	return out
}

func defaultID() string { return uuid.NewString() }
