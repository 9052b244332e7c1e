// ABOUTME: Parses client-to-server WebSocket frames into typed commands
// ABOUTME: Commands also travel across the bridge when the session lives on another instance

package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned for client frames that cannot be parsed or lack required fields.
var ErrInvalidFrame = errors.New("invalid frame")

// CommandKind identifies a client command.
type CommandKind string

const (
	CommandAuth               CommandKind = "auth"
	CommandUserMessage        CommandKind = "user_message"
	CommandInterrupt          CommandKind = "interrupt"
	CommandPermissionResponse CommandKind = "permission_response"
	CommandInputResponse      CommandKind = "input_response"
	CommandSetPermissionMode  CommandKind = "set_permission_mode"
	CommandSetModel           CommandKind = "set_model"
)

// Command is a parsed client frame.
type Command struct {
	Kind      CommandKind `json:"type"`
	Token     string      `json:"token,omitempty"`
	Content   string      `json:"content,omitempty"`
	RequestID string      `json:"id,omitempty"`
	Allow     bool        `json:"allow,omitempty"`
	Mode      string      `json:"mode,omitempty"`
	Model     string      `json:"model,omitempty"`
	Sender    string      `json:"sender,omitempty"`
}

// clientFrame mirrors the wire shape; Allow is a pointer so a missing field is detectable.
type clientFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	Content string `json:"content"`
	ID      string `json:"id"`
	Allow   *bool  `json:"allow"`
	Mode    string `json:"mode"`
	Model   string `json:"model"`
}

// ParseCommand decodes and validates a client frame.
func ParseCommand(data []byte) (Command, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	cmd := Command{Kind: CommandKind(f.Type)}
	switch cmd.Kind {
	case CommandAuth:
		if f.Token == "" {
			return Command{}, fmt.Errorf("%w: auth requires token", ErrInvalidFrame)
		}
		cmd.Token = f.Token
	case CommandUserMessage:
		if f.Content == "" {
			return Command{}, fmt.Errorf("%w: user_message requires content", ErrInvalidFrame)
		}
		cmd.Content = f.Content
	case CommandInterrupt:
	case CommandPermissionResponse:
		if f.ID == "" || f.Allow == nil {
			return Command{}, fmt.Errorf("%w: permission_response requires id and allow", ErrInvalidFrame)
		}
		cmd.RequestID = f.ID
		cmd.Allow = *f.Allow
	case CommandInputResponse:
		if f.ID == "" {
			return Command{}, fmt.Errorf("%w: input_response requires id", ErrInvalidFrame)
		}
		cmd.RequestID = f.ID
		cmd.Content = f.Content
	case CommandSetPermissionMode:
		if f.Mode == "" {
			return Command{}, fmt.Errorf("%w: set_permission_mode requires mode", ErrInvalidFrame)
		}
		cmd.Mode = f.Mode
	case CommandSetModel:
		if f.Model == "" {
			return Command{}, fmt.Errorf("%w: set_model requires model", ErrInvalidFrame)
		}
		cmd.Model = f.Model
	case "":
		return Command{}, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return cmd, nil
}
