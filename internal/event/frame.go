// ABOUTME: Server-to-client frame encoding for the session WebSocket
// ABOUTME: Event frames embed the ChatEvent; control frames carry protocol state changes

package event

import "encoding/json"

// Control frame types. Event frames use the ChatEvent Kind as their type.
const (
	FrameAuthOK         = "auth_ok"
	FrameAuthError      = "auth_error"
	FramePartialText    = "partial_text"
	FrameReplayComplete = "replay_complete"
	FrameEventsLagged   = "events_lagged"
	FrameSessionClosed  = "session_closed"
	FrameError          = "error"
)

type eventFrame struct {
	ChatEvent
	Replaying bool `json:"replaying,omitempty"`
}

// ControlFrame is a protocol frame that is not a ChatEvent.
type ControlFrame struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq"`
	Replaying bool   `json:"replaying,omitempty"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	Skipped   uint64 `json:"skipped,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// EncodeEvent serializes ev as a server frame.
func EncodeEvent(ev ChatEvent, replaying bool) ([]byte, error) {
	return json.Marshal(eventFrame{ChatEvent: ev, Replaying: replaying})
}

// EncodeControl serializes a control frame.
func EncodeControl(f ControlFrame) ([]byte, error) {
	return json.Marshal(f)
}
