// ABOUTME: Control-plane operations that bypass the turn slot: interrupt, permission and input answers, mode and model
// ABOUTME: Also the bridge.SessionHandler side, executing commands forwarded by other instances

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/bridge"
	"github.com/2389/coven-sessions/internal/dedupe"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/store"
)

// Interrupt asks the running turn to stop. Queued messages stay queued.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	return m.route(ctx, id, event.Command{Kind: event.CommandInterrupt})
}

// SendPermissionResponse answers a permission_request. Only the first answer
// for a request id reaches the subprocess; later ones are dropped.
func (m *Manager) SendPermissionResponse(ctx context.Context, id, requestID string, allow bool) error {
	return m.answer(ctx, id, event.Command{Kind: event.CommandPermissionResponse, RequestID: requestID, Allow: allow})
}

// SendInputResponse answers an input_request with the user's text.
func (m *Manager) SendInputResponse(ctx context.Context, id, requestID, content string) error {
	return m.answer(ctx, id, event.Command{Kind: event.CommandInputResponse, RequestID: requestID, Content: content})
}

// answer routes a permission or input answer. Locally the prompt cache makes
// the first answer win; on a non-owner the dedupe window does.
func (m *Manager) answer(ctx context.Context, id string, cmd event.Command) error {
	if a := m.get(id); a != nil {
		return m.execute(ctx, a, cmd)
	}

	key := dedupe.Key(id, cmd.RequestID)
	if !m.dedupe.Claim(key) {
		m.logger.Debug("duplicate answer dropped", "session_id", id, "request_id", cmd.RequestID, "type", cmd.Kind)
		return nil
	}
	if m.TryRemoteSend(ctx, id, cmd) {
		return nil
	}
	m.dedupe.Forget(key)
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// SetPermissionMode changes the subprocess's permission mode.
func (m *Manager) SetPermissionMode(ctx context.Context, id, mode string) error {
	return m.route(ctx, id, event.Command{Kind: event.CommandSetPermissionMode, Mode: mode})
}

// SetModel changes the subprocess's model.
func (m *Manager) SetModel(ctx context.Context, id, model string) error {
	return m.route(ctx, id, event.Command{Kind: event.CommandSetModel, Model: model})
}

// route runs cmd locally, or forwards it to the remote owner.
func (m *Manager) route(ctx context.Context, id string, cmd event.Command) error {
	if a := m.get(id); a != nil {
		return m.execute(ctx, a, cmd)
	}
	if m.TryRemoteSend(ctx, id, cmd) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// HandleCommand implements bridge.SessionHandler for commands forwarded by other instances.
func (m *Manager) HandleCommand(ctx context.Context, id string, cmd event.Command) error {
	a := m.get(id)
	if a == nil {
		return fmt.Errorf("%w: %s", bridge.ErrNotOwner, id)
	}
	if cmd.Kind == event.CommandUserMessage {
		err := m.deliver(a, cmd.Content, cmd.Sender)
		if errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("%w: %s", bridge.ErrNotOwner, id)
		}
		return err
	}
	return m.execute(ctx, a, cmd)
}

func (m *Manager) execute(ctx context.Context, a *Active, cmd event.Command) error {
	a.touch(m.now())

	switch cmd.Kind {
	case event.CommandInterrupt:
		return m.control(ctx, a, "interrupt", func(p agent.Process) error {
			return p.Control(agent.ControlRequest{Subtype: agent.ControlInterrupt})
		})

	case event.CommandPermissionResponse:
		prompt, ok := a.popPrompt(cmd.RequestID)
		if !ok {
			m.logger.Debug("permission response for unknown or answered request", "session_id", a.id, "request_id", cmd.RequestID)
			return nil
		}
		decision := agent.PermissionDecision{Allow: cmd.Allow, UpdatedInput: prompt.input}
		if !cmd.Allow {
			decision.Message = "The user denied this action."
		}
		return m.control(ctx, a, "permission_response", func(p agent.Process) error {
			return p.RespondPermission(cmd.RequestID, decision)
		})

	case event.CommandInputResponse:
		prompt, ok := a.popPrompt(cmd.RequestID)
		if !ok {
			m.logger.Debug("input response for unknown or answered request", "session_id", a.id, "request_id", cmd.RequestID)
			return nil
		}
		answered, err := agent.AnswerInput(prompt.input, cmd.Content)
		if err != nil {
			return err
		}
		return m.control(ctx, a, "input_response", func(p agent.Process) error {
			return p.RespondPermission(cmd.RequestID, agent.PermissionDecision{Allow: true, UpdatedInput: answered})
		})

	case event.CommandSetPermissionMode:
		err := m.control(ctx, a, "set_permission_mode", func(p agent.Process) error {
			return p.Control(agent.ControlRequest{Subtype: agent.ControlSetPermissionMode, Mode: cmd.Mode})
		})
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.mode = cmd.Mode
		a.mu.Unlock()
		m.updateSession(ctx, a.id, func(s *store.Session) { s.PermissionMode = cmd.Mode })
		return nil

	case event.CommandSetModel:
		err := m.control(ctx, a, "set_model", func(p agent.Process) error {
			return p.Control(agent.ControlRequest{Subtype: agent.ControlSetModel, Model: cmd.Model})
		})
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.model = cmd.Model
		a.mu.Unlock()
		m.updateSession(ctx, a.id, func(s *store.Session) { s.Model = cmd.Model })
		return nil

	case event.CommandUserMessage:
		return m.deliver(a, cmd.Content, cmd.Sender)
	}
	return fmt.Errorf("%w: unsupported command %q", event.ErrInvalidFrame, cmd.Kind)
}

// control hands fn to the session's control goroutine and waits for its result.
func (m *Manager) control(ctx context.Context, a *Active, name string, fn func(agent.Process) error) error {
	op := controlOp{name: name, run: fn, done: make(chan error, 1)}
	select {
	case a.control <- op:
	case <-a.ctx.Done():
		return fmt.Errorf("%w: %s", ErrSessionNotFound, a.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		if err != nil {
			m.logger.Warn("control request failed", "session_id", a.id, "op", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		m.logger.Debug("control request sent", "session_id", a.id, "op", name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
