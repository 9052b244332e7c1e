// ABOUTME: A stand-in for the assistant CLI speaking stream-json over stdin/stdout
// ABOUTME: Echoes messages with streamed deltas; "tool:<name>" triggers a permission prompt

package agenttest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// CLIOptions tune the fake CLI.
type CLIOptions struct {
	SessionID  string        // reported in init and result lines
	DeltaDelay time.Duration // pause between streamed words
}

type fakeCLI struct {
	opts    CLIOptions
	mu      sync.Mutex
	out     *json.Encoder
	turns   int
	pending map[string]string // permission request id -> tool use id
}

// ServeCLI reads stream-json input from in and writes stream-json output to
// out until in is exhausted.
func ServeCLI(in io.Reader, out io.Writer, opts CLIOptions) error {
	if opts.SessionID == "" {
		opts.SessionID = "fake-cli-session"
	}
	c := &fakeCLI{opts: opts, out: json.NewEncoder(out), pending: make(map[string]string)}

	c.emit(map[string]any{"type": "system", "subtype": "init", "session_id": opts.SessionID, "tools": []string{"Bash", "Read", "Write"}})

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
			Message   struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
			Request struct {
				Subtype string `json:"subtype"`
			} `json:"request"`
			Response struct {
				RequestID string `json:"request_id"`
				Response  struct {
					Behavior string `json:"behavior"`
				} `json:"response"`
			} `json:"response"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("decoding input: %w", err)
		}

		switch line.Type {
		case "user":
			var parts []string
			for _, b := range line.Message.Content {
				parts = append(parts, b.Text)
			}
			c.userMessage(strings.Join(parts, "\n"))
		case "control_request":
			c.controlRequest(line.RequestID, line.Request.Subtype)
		case "control_response":
			c.permissionAnswer(line.Response.RequestID, line.Response.Response.Behavior == "allow")
		}
	}
	return scanner.Err()
}

func (c *fakeCLI) emit(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.out.Encode(v)
}

func (c *fakeCLI) nextTurn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns++
	return c.turns
}

func (c *fakeCLI) userMessage(text string) {
	turn := c.nextTurn()

	if tool, ok := strings.CutPrefix(text, "tool:"); ok {
		toolUseID := fmt.Sprintf("toolu_%d", turn)
		requestID := fmt.Sprintf("perm_%d", turn)
		input := map[string]string{"target": strings.TrimSpace(tool)}

		c.emit(map[string]any{"type": "assistant", "message": map[string]any{
			"id":      fmt.Sprintf("msg_%d", turn),
			"content": []any{map[string]any{"type": "tool_use", "id": toolUseID, "name": strings.TrimSpace(tool), "input": input}},
		}})

		c.mu.Lock()
		c.pending[requestID] = toolUseID
		c.mu.Unlock()

		c.emit(map[string]any{"type": "control_request", "request_id": requestID, "request": map[string]any{
			"subtype": "can_use_tool", "tool_name": strings.TrimSpace(tool), "input": input,
		}})
		return
	}

	reply := echoReply(text)
	for i, word := range strings.SplitAfter(reply, " ") {
		if i > 0 && c.opts.DeltaDelay > 0 {
			time.Sleep(c.opts.DeltaDelay)
		}
		c.emit(map[string]any{"type": "stream_event", "event": map[string]any{
			"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": word},
		}})
	}
	c.emit(map[string]any{"type": "assistant", "message": map[string]any{
		"id":      fmt.Sprintf("msg_%d", turn),
		"content": []any{map[string]any{"type": "text", "text": reply}},
	}})
	c.result(turn, reply, false)
}

func (c *fakeCLI) permissionAnswer(requestID string, allow bool) {
	c.mu.Lock()
	toolUseID, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		return
	}

	content := "tool ran"
	if !allow {
		content = "permission denied"
	}
	c.emit(map[string]any{"type": "user", "message": map[string]any{"role": "user", "content": []any{
		map[string]any{"type": "tool_result", "tool_use_id": toolUseID, "content": content, "is_error": !allow},
	}}})

	turn := c.nextTurn()
	c.result(turn, content, false)
}

func (c *fakeCLI) controlRequest(requestID, subtype string) {
	c.emit(map[string]any{"type": "control_response", "response": map[string]any{
		"subtype": "success", "request_id": requestID,
	}})

	if subtype != "interrupt" {
		return
	}
	c.mu.Lock()
	hadPending := len(c.pending) > 0
	c.pending = make(map[string]string)
	c.mu.Unlock()
	if hadPending {
		c.result(c.nextTurn(), "", true)
	}
}

func (c *fakeCLI) result(turn int, text string, interrupted bool) {
	subtype := "success"
	if interrupted {
		subtype = "error_during_execution"
	}
	c.emit(map[string]any{
		"type":           "result",
		"subtype":        subtype,
		"uuid":           fmt.Sprintf("result_%d", turn),
		"session_id":     c.opts.SessionID,
		"result":         text,
		"is_error":       interrupted,
		"duration_ms":    1,
		"num_turns":      1,
		"total_cost_usd": 0,
		"usage":          map[string]int{"input_tokens": len(text), "output_tokens": len(text)},
	})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n"
	}
	return fmt.Sprintf("Echo: %s", input)
}
