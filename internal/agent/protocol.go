// ABOUTME: Encoders for lines written to the CLI's stdin in stream-json input mode
// ABOUTME: Covers user messages, control requests and can_use_tool control responses

package agent

import (
	"encoding/json"
	"fmt"
)

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type stdinUserMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string         `json:"role"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

func userMessageLine(content string) ([]byte, error) {
	var msg stdinUserMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []contentBlock{{Type: "text", Text: content}}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding user message: %w", err)
	}
	return data, nil
}

func controlRequestLine(requestID string, req ControlRequest) ([]byte, error) {
	data, err := json.Marshal(struct {
		Type      string         `json:"type"`
		RequestID string         `json:"request_id"`
		Request   ControlRequest `json:"request"`
	}{"control_request", requestID, req})
	if err != nil {
		return nil, fmt.Errorf("encoding control request: %w", err)
	}
	return data, nil
}

type permissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func permissionResponseLine(requestID string, d PermissionDecision) ([]byte, error) {
	result := permissionResult{Behavior: "deny", Message: d.Message}
	if d.Allow {
		input := d.UpdatedInput
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		result = permissionResult{Behavior: "allow", UpdatedInput: input}
	} else if result.Message == "" {
		result.Message = "User denied permission"
	}

	var line struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string           `json:"subtype"`
			RequestID string           `json:"request_id"`
			Response  permissionResult `json:"response"`
		} `json:"response"`
	}
	line.Type = "control_response"
	line.Response.Subtype = "success"
	line.Response.RequestID = requestID
	line.Response.Response = result

	data, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("encoding permission response: %w", err)
	}
	return data, nil
}

// AnswerInput folds a user's answer into the input of an AskUserQuestion
// request so it can be returned as the allowed tool input.
func AnswerInput(input json.RawMessage, answer string) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &fields); err != nil {
			return nil, fmt.Errorf("decoding question input: %w", err)
		}
	}

	answers := map[string]string{}
	for _, q := range questionTexts(fields) {
		answers[q] = answer
	}
	if len(answers) == 0 {
		fields["answer"] = answer
	} else {
		fields["answers"] = answers
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding answered input: %w", err)
	}
	return data, nil
}

// questionTexts extracts question strings from either {"question": "..."} or
// {"questions": [{"question": "..."}]}.
func questionTexts(fields map[string]any) []string {
	if q, ok := fields["question"].(string); ok && q != "" {
		return []string{q}
	}
	list, _ := fields["questions"].([]any)
	var out []string
	for _, item := range list {
		m, _ := item.(map[string]any)
		if q, ok := m["question"].(string); ok && q != "" {
			out = append(out, q)
		}
	}
	return out
}
