// ABOUTME: Active is the process-local runtime state of a session while its subprocess is alive here
// ABOUTME: Holds the broadcast, seq counter, pending queue, streaming accumulators and permission cache

package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/bus"
	"github.com/2389/coven-sessions/internal/event"
)

// pendingMessage is a user message queued behind a running turn.
type pendingMessage struct {
	content string
	sender  string
}

// promptEntry remembers the tool input of an unanswered permission or input request.
type promptEntry struct {
	kind  event.Kind
	input json.RawMessage
}

// controlOp runs against the subprocess on the control goroutine.
type controlOp struct {
	name string
	run  func(agent.Process) error
	done chan error
}

// Active is one locally owned session.
type Active struct {
	id        string
	proc      agent.Process
	broadcast *bus.Broadcast[event.ChatEvent]

	// ctx scopes the bridge listeners and the control goroutine of this subprocess generation.
	ctx    context.Context
	cancel context.CancelFunc

	// turn has one slot, filled from the start of a turn until its result.
	turn    chan struct{}
	control chan controlOp

	closeOnce sync.Once

	mu           sync.Mutex
	seq          int64
	pending      []pendingMessage
	streaming    bool
	partial      strings.Builder
	structured   []event.ChatEvent
	prompts      map[string]promptEntry
	lastActivity time.Time
	resumeToken  string
	model        string
	mode         string
	closed       bool
}

func newActive(parent context.Context, id string, proc agent.Process, capacity int, latestSeq int64, now time.Time) *Active {
	ctx, cancel := context.WithCancel(parent)
	return &Active{
		id:           id,
		proc:         proc,
		broadcast:    bus.New[event.ChatEvent](capacity),
		ctx:          ctx,
		cancel:       cancel,
		turn:         make(chan struct{}, 1),
		control:      make(chan controlOp),
		seq:          latestSeq,
		prompts:      make(map[string]promptEntry),
		lastActivity: now,
	}
}

// ID returns the session id.
func (a *Active) ID() string { return a.id }

// tryAcquireTurn claims the turn slot without blocking. Caller holds a.mu.
func (a *Active) tryAcquireTurn() bool {
	select {
	case a.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

// releaseTurn frees the turn slot if held. Caller holds a.mu.
func (a *Active) releaseTurn() {
	select {
	case <-a.turn:
	default:
	}
}

// accumulate folds ev into the streaming state used for snapshots. Caller holds a.mu.
func (a *Active) accumulate(ev event.ChatEvent) {
	switch ev.Kind {
	case event.KindStreamDelta:
		a.partial.WriteString(ev.Content)
	case event.KindAssistantText:
		a.structured = append(a.structured, ev)
		a.partial.Reset()
	case event.KindThinking, event.KindToolUse, event.KindToolResult:
		a.structured = append(a.structured, ev)
	case event.KindPermissionRequest, event.KindInputRequest:
		a.structured = append(a.structured, ev)
		a.prompts[ev.ID] = promptEntry{kind: ev.Kind, input: ev.Input}
	case event.KindResult:
		a.partial.Reset()
		a.structured = nil
	}
}

// snapshot copies the in-flight turn state. Caller holds a.mu.
func (a *Active) snapshot() *event.Snapshot {
	events := make([]event.ChatEvent, len(a.structured))
	copy(events, a.structured)
	return &event.Snapshot{
		Seq:         a.seq,
		IsStreaming: a.streaming,
		PartialText: a.partial.String(),
		Events:      events,
	}
}

// popPrompt removes and returns a cached prompt. The second answer for the same id finds nothing.
func (a *Active) popPrompt(requestID string) (promptEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.prompts[requestID]
	if ok {
		delete(a.prompts, requestID)
	}
	return p, ok
}

// popPending dequeues the oldest waiting message. Caller holds a.mu.
func (a *Active) popPending() (pendingMessage, bool) {
	if len(a.pending) == 0 {
		return pendingMessage{}, false
	}
	next := a.pending[0]
	a.pending = a.pending[1:]
	return next, true
}

func (a *Active) touch(now time.Time) {
	a.mu.Lock()
	a.lastActivity = now
	a.mu.Unlock()
}

// idleSince reports whether the session is idle and not streaming as of cutoff.
func (a *Active) idleSince(cutoff time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.streaming && a.lastActivity.Before(cutoff)
}

// isStreaming reports whether a turn is in progress.
func (a *Active) isStreaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// controlLoop serves control operations independently of the turn slot.
func (a *Active) controlLoop() {
	for {
		select {
		case op := <-a.control:
			op.done <- op.run(a.proc)
		case <-a.ctx.Done():
			return
		}
	}
}
