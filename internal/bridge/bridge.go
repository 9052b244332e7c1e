// ABOUTME: Bridge replicates session events across instances and routes snapshot and command requests
// ABOUTME: Transport failures are logged and degrade to local-only operation

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-sessions/internal/bus"
	"github.com/2389/coven-sessions/internal/event"
)

// ErrRemoteRouting is returned when no other instance could serve a request.
var ErrRemoteRouting = errors.New("remote routing failed")

// ErrNotOwner is returned by a SessionHandler asked about a session it no longer owns.
var ErrNotOwner = errors.New("session not owned by this instance")

// DefaultRequestTimeout bounds snapshot and command requests.
const DefaultRequestTimeout = 2 * time.Second

// SessionHandler is implemented by the owner of a session.
type SessionHandler interface {
	HandleCommand(ctx context.Context, sessionID string, cmd event.Command) error
	Snapshot(sessionID string) (*event.Snapshot, error)
}

// Options configure a Bridge.
type Options struct {
	InstanceID     string
	SubjectPrefix  string
	RequestTimeout time.Duration
}

type snapshotRequest struct {
	SessionID string `cbor:"session_id"`
	Origin    string `cbor:"origin"`
}

type snapshotReply struct {
	Found    bool           `cbor:"found"`
	Snapshot event.Snapshot `cbor:"snapshot"`
}

type commandRequest struct {
	SessionID string        `cbor:"session_id"`
	Origin    string        `cbor:"origin"`
	Command   event.Command `cbor:"command"`
}

type commandReply struct {
	Handled bool   `cbor:"handled"`
	Error   string `cbor:"error,omitempty"`
}

// Bridge connects this instance's sessions to the rest of the cluster.
type Bridge struct {
	transport Transport
	global    *bus.Broadcast[event.Envelope]
	origin    string
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Bridge. Remote events are republished into global.
func New(t Transport, global *bus.Broadcast[event.Envelope], opts Options, logger *slog.Logger) *Bridge {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "coven.sessions"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Bridge{
		transport: t,
		global:    global,
		origin:    opts.InstanceID,
		prefix:    opts.SubjectPrefix,
		timeout:   opts.RequestTimeout,
		logger:    logger.With("component", "bridge", "instance", opts.InstanceID),
	}
}

// Origin is this instance's id as stamped on outgoing envelopes.
func (b *Bridge) Origin() string {
	return b.origin
}

func (b *Bridge) eventsSubject() string            { return b.prefix + ".events" }
func (b *Bridge) snapshotSubject(id string) string { return b.prefix + ".snapshot." + id }
func (b *Bridge) commandSubject(id string) string  { return b.prefix + ".command." + id }

// Emit publishes a locally produced event. It never blocks on the network and never fails.
func (b *Bridge) Emit(sessionID string, ev event.ChatEvent) {
	data, err := Marshal(event.Envelope{SessionID: sessionID, Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Error("encoding envelope", "session_id", sessionID, "error", err)
		return
	}
	if err := b.transport.Publish(b.eventsSubject(), data); err != nil {
		b.logger.Warn("bridge unavailable, event stays local", "session_id", sessionID, "type", ev.Kind, "error", err)
	}
}

// Run republishes events from other instances into the process-wide bus until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.transport.Subscribe(b.eventsSubject(), func(data []byte) {
		var env event.Envelope
		if err := Unmarshal(data, &env); err != nil {
			b.logger.Warn("dropping undecodable envelope", "error", err)
			return
		}
		if env.Origin == b.origin {
			return
		}
		b.global.Publish(env)
	})
	if err != nil {
		b.logger.Warn("bridge unavailable, running local-only", "error", err)
		<-ctx.Done()
		return nil
	}

	b.logger.Info("bridge listening", "subject", b.eventsSubject())
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Debug("unsubscribing events", "error", err)
	}
	return nil
}

// RequestSnapshot asks the owning instance for the session's streaming snapshot.
func (b *Bridge) RequestSnapshot(ctx context.Context, sessionID string) (*event.Snapshot, error) {
	req, err := Marshal(snapshotRequest{SessionID: sessionID, Origin: b.origin})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	data, err := b.transport.Request(ctx, b.snapshotSubject(sessionID), req)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %w", ErrRemoteRouting, sessionID, err)
	}

	var reply snapshotReply
	if err := Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %w", ErrRemoteRouting, sessionID, err)
	}
	if !reply.Found {
		return nil, fmt.Errorf("%w: snapshot %s: session not active", ErrRemoteRouting, sessionID)
	}
	return &reply.Snapshot, nil
}

// SendCommand forwards cmd to the owning instance. It reports whether an owner handled it.
func (b *Bridge) SendCommand(ctx context.Context, sessionID string, cmd event.Command) (bool, error) {
	req, err := Marshal(commandRequest{SessionID: sessionID, Origin: b.origin, Command: cmd})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	data, err := b.transport.Request(ctx, b.commandSubject(sessionID), req)
	if err != nil {
		return false, fmt.Errorf("%w: command %s: %w", ErrRemoteRouting, sessionID, err)
	}

	var reply commandReply
	if err := Unmarshal(data, &reply); err != nil {
		return false, fmt.Errorf("%w: command %s: %w", ErrRemoteRouting, sessionID, err)
	}
	if !reply.Handled {
		return false, nil
	}
	if reply.Error != "" {
		return true, fmt.Errorf("remote %s: %s", sessionID, reply.Error)
	}
	return true, nil
}

// ServeSession answers snapshot and command requests for a locally owned
// session until ctx is cancelled.
func (b *Bridge) ServeSession(ctx context.Context, sessionID string, h SessionHandler) error {
	logger := b.logger.With("session_id", sessionID)

	snapSub, err := b.transport.Serve(b.snapshotSubject(sessionID), func(data []byte) ([]byte, error) {
		var req snapshotRequest
		if err := Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if req.Origin == b.origin {
			return Marshal(snapshotReply{Found: false})
		}
		snap, err := h.Snapshot(sessionID)
		if err != nil {
			return Marshal(snapshotReply{Found: false})
		}
		logger.Debug("served snapshot", "to", req.Origin, "events", len(snap.Events))
		return Marshal(snapshotReply{Found: true, Snapshot: *snap})
	})
	if err != nil {
		return fmt.Errorf("serving snapshots for %s: %w", sessionID, err)
	}

	cmdSub, err := b.transport.Serve(b.commandSubject(sessionID), func(data []byte) ([]byte, error) {
		var req commandRequest
		if err := Unmarshal(data, &req); err != nil {
			return nil, err
		}
		// callers route their own sessions locally
		if req.Origin == b.origin {
			return Marshal(commandReply{Handled: false})
		}
		reply := commandReply{Handled: true}
		if err := h.HandleCommand(ctx, sessionID, req.Command); err != nil {
			reply.Handled = !errors.Is(err, ErrNotOwner)
			reply.Error = err.Error()
		}
		logger.Debug("handled remote command", "from", req.Origin, "type", req.Command.Kind, "handled", reply.Handled)
		return Marshal(reply)
	})
	if err != nil {
		_ = snapSub.Unsubscribe()
		return fmt.Errorf("serving commands for %s: %w", sessionID, err)
	}

	go func() {
		<-ctx.Done()
		_ = snapSub.Unsubscribe()
		_ = cmdSub.Unsubscribe()
		logger.Debug("session listeners stopped")
	}()
	return nil
}
