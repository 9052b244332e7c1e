// ABOUTME: Store interface and data types for session persistence
// ABOUTME: Defines Session, Message and TokenUsage plus the Store contract used by the server

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-sessions/internal/event"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session whose id is taken
var ErrDuplicateSession = errors.New("session already exists")

// ErrSeqConflict is returned when an appended event reuses a sequence number
var ErrSeqConflict = errors.New("event sequence already used")

// SessionStatus is the lifecycle state of a stored session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusArchived SessionStatus = "archived"
)

// Session is the persisted metadata of an assistant session.
type Session struct {
	ID             string
	WorkingDir     string
	Model          string
	PermissionMode string
	ConversationID string // conversation this session's history belongs to
	ResumeToken    string // subprocess session id used to resume after restart
	Owner          string // instance that last ran the subprocess (informational)
	CreatedBy      string
	Status         SessionStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ArchivedAt     *time.Time
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	IncludeArchived bool
	Limit           int
}

// Message roles in the legacy history table
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageType constants for legacy message rows
const (
	MessageTypeMessage    = "message"
	MessageTypeToolUse    = "tool_use"
	MessageTypeToolResult = "tool_result"
)

// Message is a legacy history row, predating the event log.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Type      string // "message", "tool_use", "tool_result" (defaults to "message")
	ToolName  string
	ToolID    string
	CreatedAt time.Time
}

// TokenUsage records the accounting reported by one turn result.
type TokenUsage struct {
	ID               string
	SessionID        string
	ResultSeq        int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
	DurationMS       int64
	CreatedAt        time.Time
}

// UsageFilter narrows GetUsageStats. Nil fields are ignored.
type UsageFilter struct {
	SessionID *string
	Since     *time.Time
	Until     *time.Time
}

// UsageStats aggregates usage records.
type UsageStats struct {
	TotalInput      int64
	TotalOutput     int64
	TotalCacheRead  int64
	TotalCacheWrite int64
	TotalTokens     int64
	TotalCostUSD    float64
	TurnCount       int64
}

// Store is everything the server persists.
type Store interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	ArchiveSession(ctx context.Context, id string) error

	// AppendEvents stores events that already carry their seq. All or nothing.
	AppendEvents(ctx context.Context, sessionID string, events []event.ChatEvent) error
	// GetEventsSince returns events with seq > afterSeq in ascending seq order.
	GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]event.ChatEvent, error)
	// GetLatestSeq returns the highest stored seq, or 0 for an empty log.
	GetLatestSeq(ctx context.Context, sessionID string) (int64, error)

	SaveMessage(ctx context.Context, msg *Message) error
	GetSessionMessages(ctx context.Context, sessionID string) ([]*Message, error)

	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetSessionUsage(ctx context.Context, sessionID string) ([]*TokenUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)

	Close() error
}
