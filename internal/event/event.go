// ABOUTME: ChatEvent is the unit of session activity shared by the bus, bridge, store and WebSocket
// ABOUTME: Kinds form a closed set; persisted kinds carry a per-session seq, ephemeral ones carry 0

package event

import (
	"encoding/json"
	"time"
)

// Kind discriminates ChatEvent variants. The string value doubles as the wire frame type.
type Kind string

const (
	KindUserMessage       Kind = "user_message"
	KindAssistantText     Kind = "assistant_text"
	KindThinking          Kind = "thinking"
	KindToolUse           Kind = "tool_use"
	KindToolResult        Kind = "tool_result"
	KindPermissionRequest Kind = "permission_request"
	KindInputRequest      Kind = "input_request"
	KindResult            Kind = "result"
	KindStreamDelta       Kind = "stream_delta"
	KindStreamingStatus   Kind = "streaming_status"
	KindError             Kind = "error"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUserMessage, KindAssistantText, KindThinking, KindToolUse, KindToolResult,
		KindPermissionRequest, KindInputRequest, KindResult, KindStreamDelta,
		KindStreamingStatus, KindError:
		return true
	}
	return false
}

// Ephemeral reports whether events of this kind are never persisted.
func (k Kind) Ephemeral() bool {
	return k == KindStreamDelta || k == KindStreamingStatus
}

// ChatEvent is one item of session activity. Which fields are meaningful depends on Kind:
//
//   - user_message, assistant_text, thinking, error: Content
//   - tool_use: ID (tool use id), ToolName, Input
//   - tool_result: ID (tool use id), Content, IsError
//   - permission_request: ID (request id), ToolName, Input
//   - input_request: ID (request id), Content (question), Input
//   - result: ID, Content, IsError, Usage
//   - stream_delta: Content
//   - streaming_status: IsStreaming
type ChatEvent struct {
	Kind        Kind            `json:"type"`
	Seq         int64           `json:"seq"`
	ID          string          `json:"id,omitempty"`
	Content     string          `json:"content,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	IsStreaming *bool           `json:"is_streaming,omitempty"`
	Usage       *Usage          `json:"usage,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Usage is the token and cost accounting reported with a turn result.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	DurationMS       int64   `json:"duration_ms,omitempty"`
	NumTurns         int     `json:"num_turns,omitempty"`
}

// Persisted reports whether the event has been assigned a sequence number.
func (e ChatEvent) Persisted() bool {
	return e.Seq > 0
}

// UserMessage builds a user_message event.
func UserMessage(content, sender string) ChatEvent {
	return ChatEvent{Kind: KindUserMessage, Content: content, Sender: sender, Timestamp: time.Now().UTC()}
}

// StreamDelta builds an ephemeral text delta.
func StreamDelta(text string) ChatEvent {
	return ChatEvent{Kind: KindStreamDelta, Content: text, Timestamp: time.Now().UTC()}
}

// StreamingStatus builds an ephemeral streaming_status event.
func StreamingStatus(streaming bool) ChatEvent {
	return ChatEvent{Kind: KindStreamingStatus, IsStreaming: &streaming, Timestamp: time.Now().UTC()}
}

// Error builds an error event.
func Error(msg string) ChatEvent {
	return ChatEvent{Kind: KindError, Content: msg, Timestamp: time.Now().UTC()}
}

// Envelope tags an event with the session it belongs to and the instance that produced it.
// It is what travels on the process-wide bus and across the bridge.
type Envelope struct {
	SessionID string    `json:"session_id"`
	Origin    string    `json:"origin"`
	Event     ChatEvent `json:"event"`
}

// Snapshot is a read-only view of a session's in-flight turn. Seq is the
// last persisted seq at the moment it was taken; everything it reports is in
// the log at or below Seq, and everything after Seq is published later.
type Snapshot struct {
	Seq         int64       `json:"seq"`
	IsStreaming bool        `json:"is_streaming"`
	PartialText string      `json:"partial_text,omitempty"`
	Events      []ChatEvent `json:"events,omitempty"`
}
