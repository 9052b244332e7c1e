// ABOUTME: Decodes the CLI's stream-json stdout lines into ChatEvents
// ABOUTME: Tracks the CLI session id so a later run can resume the conversation

package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-sessions/internal/event"
)

// askUserQuestionTool is the tool whose permission prompt is really a question for the user.
const askUserQuestionTool = "AskUserQuestion"

// streamLine is one NDJSON line from --output-format stream-json.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	UUID      string          `json:"uuid,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// result fields
	Result     string      `json:"result,omitempty"`
	IsError    bool        `json:"is_error,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	NumTurns   int         `json:"num_turns,omitempty"`
	CostUSD    float64     `json:"total_cost_usd,omitempty"`
	Usage      *usageBlock `json:"usage,omitempty"`

	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type usageBlock struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

type messageBody struct {
	ID      string         `json:"id"`
	Content []messageBlock `json:"content"`
}

type messageBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type canUseToolRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

type parser struct {
	mu          sync.Mutex
	resumeToken string
	now         func() time.Time
}

func newParser() *parser {
	return &parser{now: func() time.Time { return time.Now().UTC() }}
}

func (p *parser) token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumeToken
}

func (p *parser) setToken(id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	p.resumeToken = id
	p.mu.Unlock()
}

// parseLine decodes one stdout line. Lines that carry nothing for clients
// yield no events and no error.
func (p *parser) parseLine(line []byte) ([]event.ChatEvent, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, fmt.Errorf("decoding stream line: %w", err)
	}

	switch sl.Type {
	case "system":
		if sl.Subtype == "init" {
			p.setToken(sl.SessionID)
		}
		return nil, nil
	case "stream_event":
		return p.parseStreamEvent(sl.Event)
	case "assistant":
		return p.parseAssistant(sl.Message)
	case "user":
		return p.parseToolResults(sl.Message)
	case "control_request":
		return p.parseControlRequest(sl)
	case "result":
		p.setToken(sl.SessionID)
		return []event.ChatEvent{p.resultEvent(sl)}, nil
	}
	return nil, nil
}

func (p *parser) parseStreamEvent(raw json.RawMessage) ([]event.ChatEvent, error) {
	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("decoding stream event: %w", err)
	}
	if inner.Type != "content_block_delta" || inner.Delta.Type != "text_delta" || inner.Delta.Text == "" {
		return nil, nil
	}
	ev := event.StreamDelta(inner.Delta.Text)
	ev.Timestamp = p.now()
	return []event.ChatEvent{ev}, nil
}

func (p *parser) parseAssistant(raw json.RawMessage) ([]event.ChatEvent, error) {
	var msg messageBody
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding assistant message: %w", err)
	}

	now := p.now()
	var out []event.ChatEvent
	for i, block := range msg.Content {
		blockID := ""
		if msg.ID != "" {
			blockID = fmt.Sprintf("%s:%d", msg.ID, i)
		}
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out = append(out, event.ChatEvent{Kind: event.KindAssistantText, ID: blockID, Content: block.Text, Timestamp: now})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			out = append(out, event.ChatEvent{Kind: event.KindThinking, ID: blockID, Content: block.Thinking, Timestamp: now})
		case "tool_use":
			out = append(out, event.ChatEvent{
				Kind:      event.KindToolUse,
				ID:        block.ID,
				ToolName:  block.Name,
				Input:     block.Input,
				Timestamp: now,
			})
		}
	}
	return out, nil
}

func (p *parser) parseToolResults(raw json.RawMessage) ([]event.ChatEvent, error) {
	var msg messageBody
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Plain-string user content is an echo of our own input.
		return nil, nil
	}

	now := p.now()
	var out []event.ChatEvent
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, event.ChatEvent{
			Kind:      event.KindToolResult,
			ID:        block.ToolUseID,
			Content:   flattenContent(block.Content),
			IsError:   block.IsError,
			Timestamp: now,
		})
	}
	return out, nil
}

func (p *parser) parseControlRequest(sl streamLine) ([]event.ChatEvent, error) {
	var req canUseToolRequest
	if err := json.Unmarshal(sl.Request, &req); err != nil {
		return nil, fmt.Errorf("decoding control request: %w", err)
	}
	if req.Subtype != "can_use_tool" {
		return nil, nil
	}

	ev := event.ChatEvent{
		Kind:      event.KindPermissionRequest,
		ID:        sl.RequestID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		Timestamp: p.now(),
	}
	if req.ToolName == askUserQuestionTool {
		ev.Kind = event.KindInputRequest
		var fields map[string]any
		if json.Unmarshal(req.Input, &fields) == nil {
			ev.Content = strings.Join(questionTexts(fields), "\n")
		}
	}
	return []event.ChatEvent{ev}, nil
}

func (p *parser) resultEvent(sl streamLine) event.ChatEvent {
	usage := &event.Usage{
		CostUSD:    sl.CostUSD,
		DurationMS: sl.DurationMS,
		NumTurns:   sl.NumTurns,
	}
	if sl.Usage != nil {
		usage.InputTokens = sl.Usage.InputTokens
		usage.OutputTokens = sl.Usage.OutputTokens
		usage.CacheReadTokens = sl.Usage.CacheReadInputTokens
		usage.CacheWriteTokens = sl.Usage.CacheCreationInputTokens
	}
	return event.ChatEvent{
		Kind:      event.KindResult,
		ID:        sl.UUID,
		Content:   sl.Result,
		IsError:   sl.IsError || (sl.Subtype != "" && sl.Subtype != "success"),
		Usage:     usage,
		Timestamp: p.now(),
	}
}

// flattenContent turns tool_result content (a string or a list of text blocks) into text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
