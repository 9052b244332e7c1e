// ABOUTME: In-memory Driver and Process for tests of code that runs subprocesses
// ABOUTME: Processes record every write and can be scripted or fed events by hand

package agenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/event"
)

// Script reacts to a user message written to a fake process.
type Script func(p *Process, content string)

// EchoScript streams "Echo: <content>" as two deltas, then the full text and a result.
func EchoScript(p *Process, content string) {
	reply := "Echo: " + content
	p.Emit(event.StreamDelta("Echo: "))
	p.Emit(event.StreamDelta(content))
	p.Emit(event.ChatEvent{Kind: event.KindAssistantText, ID: fmt.Sprintf("msg_%d:0", p.turn()), Content: reply, Timestamp: time.Now().UTC()})
	p.Emit(event.ChatEvent{Kind: event.KindResult, ID: fmt.Sprintf("result_%d", p.turn()), Content: reply,
		Usage: &event.Usage{InputTokens: int64(len(content)), OutputTokens: int64(len(reply))}, Timestamp: time.Now().UTC()})
}

// Driver hands out fake processes.
type Driver struct {
	mu        sync.Mutex
	processes []*Process
	starts    []agent.Options
	started   chan *Process

	// StartErr, when set, makes Start fail with agent.ErrSpawnFailed.
	StartErr error
	// Script is installed on each new process. Nil means manual control.
	Script Script
}

// NewDriver returns a driver whose processes run EchoScript.
func NewDriver() *Driver {
	return &Driver{Script: EchoScript, started: make(chan *Process, 64)}
}

// NewManualDriver returns a driver whose processes only emit what tests push.
func NewManualDriver() *Driver {
	return &Driver{started: make(chan *Process, 64)}
}

// Start implements agent.Driver.
func (d *Driver) Start(ctx context.Context, opts agent.Options) (agent.Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.starts = append(d.starts, opts)
	if d.StartErr != nil {
		return nil, fmt.Errorf("%w: %w", agent.ErrSpawnFailed, d.StartErr)
	}

	p := &Process{
		opts:   opts,
		script: d.Script,
		events: make(chan event.ChatEvent, 256),
		done:   make(chan struct{}),
		token:  "fake-" + opts.SessionID,
		wrote:  make(chan struct{}, 1),
	}
	d.processes = append(d.processes, p)
	select {
	case d.started <- p:
	default:
	}
	return p, nil
}

// Starts returns the options of every Start call.
func (d *Driver) Starts() []agent.Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agent.Options(nil), d.starts...)
}

// Processes returns every process started so far.
func (d *Driver) Processes() []*Process {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Process(nil), d.processes...)
}

// Last returns the most recently started process, or nil.
func (d *Driver) Last() *Process {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.processes) == 0 {
		return nil
	}
	return d.processes[len(d.processes)-1]
}

// WaitStarted returns the next started process or nil after timeout.
func (d *Driver) WaitStarted(timeout time.Duration) *Process {
	select {
	case p := <-d.started:
		return p
	case <-time.After(timeout):
		return nil
	}
}

// PermissionCall records one RespondPermission call.
type PermissionCall struct {
	RequestID string
	Decision  agent.PermissionDecision
}

// Process is a scripted agent.Process.
type Process struct {
	opts   agent.Options
	script Script
	events chan event.ChatEvent
	done   chan struct{}
	once   sync.Once
	emitMu sync.RWMutex
	wrote  chan struct{}

	mu          sync.Mutex
	token       string
	messages    []string
	controls    []agent.ControlRequest
	permissions []PermissionCall
	turns       int
	killed      bool
}

// Options returns the options the process was started with.
func (p *Process) Options() agent.Options { return p.opts }

// Events implements agent.Process.
func (p *Process) Events() <-chan event.ChatEvent { return p.events }

// Emit pushes an event as if the subprocess had printed it.
// Events emitted after Exit are dropped.
func (p *Process) Emit(ev event.ChatEvent) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.isDone() {
		return
	}
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// Exit simulates the subprocess exiting.
func (p *Process) Exit() {
	p.once.Do(func() {
		close(p.done)
		p.emitMu.Lock()
		close(p.events)
		p.emitMu.Unlock()
	})
}

// SendUserMessage implements agent.Process.
func (p *Process) SendUserMessage(content string) error {
	p.mu.Lock()
	if p.isDone() {
		p.mu.Unlock()
		return agent.ErrProcessExited
	}
	p.messages = append(p.messages, content)
	p.turns++
	script := p.script
	p.mu.Unlock()
	p.signal()

	if script != nil {
		go script(p, content)
	}
	return nil
}

// Control implements agent.Process.
func (p *Process) Control(req agent.ControlRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDone() {
		return agent.ErrProcessExited
	}
	p.controls = append(p.controls, req)
	p.signal()
	return nil
}

// RespondPermission implements agent.Process.
func (p *Process) RespondPermission(requestID string, decision agent.PermissionDecision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDone() {
		return agent.ErrProcessExited
	}
	p.permissions = append(p.permissions, PermissionCall{RequestID: requestID, Decision: decision})
	p.signal()
	return nil
}

// ResumeToken implements agent.Process.
func (p *Process) ResumeToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Wait implements agent.Process.
func (p *Process) Wait() error {
	<-p.done
	return nil
}

// Kill implements agent.Process.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit()
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Messages returns user messages written so far.
func (p *Process) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

// Controls returns control requests written so far.
func (p *Process) Controls() []agent.ControlRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.ControlRequest(nil), p.controls...)
}

// Permissions returns permission answers written so far.
func (p *Process) Permissions() []PermissionCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PermissionCall(nil), p.permissions...)
}

// WaitFor polls cond until it holds or timeout passes.
func (p *Process) WaitFor(timeout time.Duration, cond func(p *Process) bool) bool {
	deadline := time.After(timeout)
	for {
		if cond(p) {
			return true
		}
		select {
		case <-p.wrote:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return cond(p)
		}
	}
}

func (p *Process) turn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turns
}

func (p *Process) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) signal() {
	select {
	case p.wrote <- struct{}{}:
	default:
	}
}

var _ agent.Process = (*Process)(nil)
