// ABOUTME: Renders server frames for the terminal and tracks the last persisted sequence number
// ABOUTME: Streamed text prints inline; the final assistant text is skipped when its deltas were shown

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type frameOutcome int

const (
	frameShown frameOutcome = iota
	frameAuthError
	frameSessionClosed
)

// wireFrame is every field the client reads from an event or control frame.
type wireFrame struct {
	Type        string          `json:"type"`
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	Replaying   bool            `json:"replaying"`
	Content     string          `json:"content"`
	Message     string          `json:"message"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input"`
	IsError     bool            `json:"is_error"`
	IsStreaming *bool           `json:"is_streaming"`
	Sender      string          `json:"sender"`
	SessionID   string          `json:"session_id"`
	Skipped     uint64          `json:"skipped"`
	Usage       *struct {
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		CostUSD      float64 `json:"cost_usd"`
	} `json:"usage"`
}

type renderer struct {
	w        io.Writer
	lastSeq  int64
	streamed bool // deltas of the current message were printed
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) render(data []byte) frameOutcome {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		fmt.Fprintf(r.w, "\033[31m[bad frame] %v\033[0m\n", err)
		return frameShown
	}
	if f.Seq > r.lastSeq {
		r.lastSeq = f.Seq
	}

	switch f.Type {
	case "auth_ok":
		fmt.Fprintf(r.w, "\033[2m[joined %s]\033[0m\n", f.SessionID)
	case "auth_error":
		fmt.Fprintf(r.w, "\033[31m[auth] %s\033[0m\n", f.Message)
		return frameAuthError
	case "replay_complete":
		fmt.Fprintf(r.w, "\033[2m[live]\033[0m\n")
	case "events_lagged":
		fmt.Fprintf(r.w, "\033[33m[missed %d events, reconnect to catch up]\033[0m\n", f.Skipped)
	case "session_closed":
		r.endLine()
		fmt.Fprintf(r.w, "\033[33m[session closed]\033[0m\n")
		return frameSessionClosed
	case "error":
		r.endLine()
		msg := f.Message
		if msg == "" {
			msg = f.Content
		}
		fmt.Fprintf(r.w, "\033[31m[error] %s\033[0m\n", msg)

	case "user_message":
		r.endLine()
		who := f.Sender
		if who == "" {
			who = "user"
		}
		fmt.Fprintf(r.w, "\033[34m%s>\033[0m %s\n", who, f.Content)
	case "partial_text", "stream_delta":
		fmt.Fprint(r.w, f.Content)
		r.streamed = true
	case "assistant_text":
		if r.streamed {
			r.endLine()
			break
		}
		fmt.Fprintln(r.w, f.Content)
	case "thinking":
		r.endLine()
		fmt.Fprintf(r.w, "\033[2m[thinking] %s\033[0m\n", truncate(f.Content, 80))
	case "tool_use":
		r.endLine()
		fmt.Fprintf(r.w, "\033[33m[tool] %s %s\033[0m\n", f.ToolName, truncate(string(f.Input), 60))
	case "tool_result":
		if f.IsError {
			fmt.Fprintf(r.w, "\033[31m[tool error] %s\033[0m\n", truncate(f.Content, 100))
		} else {
			fmt.Fprintf(r.w, "\033[32m[tool done]\033[0m\n")
		}
	case "permission_request":
		r.endLine()
		fmt.Fprintf(r.w, "\033[33m[approval needed] %s %s  (/allow %s or /deny %s)\033[0m\n",
			f.ToolName, truncate(string(f.Input), 60), f.ID, f.ID)
	case "input_request":
		r.endLine()
		fmt.Fprintf(r.w, "\033[33m[question] %s  (/answer %s <text>)\033[0m\n", f.Content, f.ID)
	case "result":
		r.endLine()
		if f.Usage != nil {
			fmt.Fprintf(r.w, "\033[2m[done: %d in / %d out tokens]\033[0m\n", f.Usage.InputTokens, f.Usage.OutputTokens)
		}
	case "streaming_status":
		if f.IsStreaming != nil && !*f.IsStreaming {
			r.endLine()
		}
	}
	return frameShown
}

func (r *renderer) endLine() {
	if r.streamed {
		fmt.Fprintln(r.w)
		r.streamed = false
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
