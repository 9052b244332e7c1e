// ABOUTME: Legacy message history, read as a replay fallback for sessions that predate the event log
// ABOUTME: Converts rows into ChatEvents so callers replay both sources the same way

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-sessions/internal/event"
)

// SaveMessage stores a legacy history row.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeMessage
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, type, tool_name, tool_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		msgType,
		nullString(msg.ToolName),
		nullString(msg.ToolID),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetSessionMessages returns a session's legacy history, oldest first.
func (s *SQLiteStore) GetSessionMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, type, tool_name, tool_id, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var toolName, toolID sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Type, &toolName, &toolID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.ToolName = toolName.String
		msg.ToolID = toolID.String
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// ChatEvent converts a legacy row into an unsequenced event.
func (m *Message) ChatEvent() event.ChatEvent {
	ev := event.ChatEvent{
		ID:        m.ID,
		Content:   m.Content,
		Timestamp: m.CreatedAt.UTC(),
	}

	switch m.Type {
	case MessageTypeToolUse:
		ev.Kind = event.KindToolUse
		ev.ID = m.ToolID
		ev.ToolName = m.ToolName
		ev.Content = ""
		if json.Valid([]byte(m.Content)) {
			ev.Input = json.RawMessage(m.Content)
		} else {
			ev.Content = m.Content
		}
	case MessageTypeToolResult:
		ev.Kind = event.KindToolResult
		ev.ID = m.ToolID
	default:
		if m.Role == RoleUser {
			ev.Kind = event.KindUserMessage
			ev.ID = ""
		} else {
			ev.Kind = event.KindAssistantText
		}
	}
	return ev
}
