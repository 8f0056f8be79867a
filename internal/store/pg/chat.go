package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// PGChatStore persists the per-session conversation transcript.
type PGChatStore struct {
	db *sql.DB
}

func NewPGChatStore(db *sql.DB) *PGChatStore {
	return &PGChatStore{db: db}
}

func (s *PGChatStore) AddMessage(ctx context.Context, msg store.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, tool_calls, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, toolCalls, msg.Timestamp,
	)
	return err
}

// History returns the newest limit messages in chronological order.
// limit <= 0 returns the full transcript.
func (s *PGChatStore) History(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error) {
	q := `SELECT id, session_id, role, content, tool_calls, timestamp
	      FROM chat_messages WHERE session_id = $1 ORDER BY timestamp DESC, seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.ChatMessage
	for rows.Next() {
		var m store.ChatMessage
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &m.Timestamp); err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			m.ToolCalls = json.RawMessage(toolCalls.String)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows came newest first; flip into reading order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PGChatStore) GetMessage(ctx context.Context, id string) (*store.ChatMessage, error) {
	var m store.ChatMessage
	var toolCalls sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, timestamp
		 FROM chat_messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if toolCalls.Valid && toolCalls.String != "" {
		m.ToolCalls = json.RawMessage(toolCalls.String)
	}
	return &m, nil
}

func (s *PGChatStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID)
	return err
}
