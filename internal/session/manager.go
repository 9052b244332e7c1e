// ABOUTME: Manager routes session operations to a local subprocess, a remote owner, or a fresh spawn
// ABOUTME: Spawns are serialized per session id and capped process-wide by a weighted semaphore

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/bridge"
	"github.com/2389/coven-sessions/internal/bus"
	"github.com/2389/coven-sessions/internal/dedupe"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/store"
)

// ErrSessionNotFound is returned when a session is neither active here nor reachable remotely.
var ErrSessionNotFound = errors.New("session not found")

// ErrEmptyMessage is returned by CreateOrResume when there is nothing to send.
var ErrEmptyMessage = errors.New("message content is required")

// Defaults for zero Options fields.
const (
	DefaultIdleTimeout         = 30 * time.Minute
	DefaultSweepInterval       = time.Minute
	DefaultMaxConcurrentSpawns = 4
	DefaultPermissionMode      = "default"

	permissionDedupeTTL = 30 * time.Second
	storeTimeout        = 5 * time.Second
	persistAttempts     = 3
	persistRetryDelay   = 25 * time.Millisecond
)

// Deps are the collaborators a Manager needs.
type Deps struct {
	Store  store.Store
	Driver agent.Driver
	// Bridge reaches other instances. Nil means a single-node bridge over an in-memory network.
	Bridge *bridge.Bridge
	// Global is the process-wide bus carrying every session's events.
	Global *bus.Broadcast[event.Envelope]
	// Dedupe collapses repeated permission answers. Created when nil.
	Dedupe *dedupe.Cache
}

// Options tune a Manager.
type Options struct {
	InstanceID            string
	DefaultModel          string
	DefaultPermissionMode string
	DefaultWorkingDir     string
	IdleTimeout           time.Duration
	SweepInterval         time.Duration
	BroadcastCapacity     int
	MaxConcurrentSpawns   int
}

// CreateRequest asks for a message to be delivered to a session, creating or
// resuming it if needed. An empty SessionID creates a new session.
type CreateRequest struct {
	SessionID      string
	Message        string
	Sender         string
	WorkingDir     string
	Model          string
	PermissionMode string
}

// CreateResult reports where the message went.
type CreateResult struct {
	SessionID string
	// Local is true when this instance owns the session's subprocess.
	Local bool
	// Spawned is true when this call started the subprocess.
	Spawned bool
}

// Manager owns the locally active sessions.
type Manager struct {
	store  store.Store
	driver agent.Driver
	bridge *bridge.Bridge
	global *bus.Broadcast[event.Envelope]
	dedupe *dedupe.Cache
	opts   Options
	logger *slog.Logger

	spawnSem *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Active
	starting map[string]chan struct{}
	ownDedup bool
}

// NewManager creates a Manager. Call Shutdown to stop every session.
func NewManager(deps Deps, opts Options, logger *slog.Logger) *Manager {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.DefaultPermissionMode == "" {
		opts.DefaultPermissionMode = DefaultPermissionMode
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.BroadcastCapacity <= 0 {
		opts.BroadcastCapacity = bus.DefaultCapacity
	}
	if opts.MaxConcurrentSpawns <= 0 {
		opts.MaxConcurrentSpawns = DefaultMaxConcurrentSpawns
	}
	if deps.Global == nil {
		deps.Global = bus.New[event.Envelope](opts.BroadcastCapacity)
	}
	if deps.Bridge == nil {
		deps.Bridge = bridge.New(bridge.NewMemoryNetwork().Connect(), deps.Global,
			bridge.Options{InstanceID: opts.InstanceID}, logger)
	}
	ownDedup := false
	if deps.Dedupe == nil {
		deps.Dedupe = dedupe.New(permissionDedupeTTL, 4096)
		ownDedup = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    deps.Store,
		driver:   deps.Driver,
		bridge:   deps.Bridge,
		global:   deps.Global,
		dedupe:   deps.Dedupe,
		opts:     opts,
		logger:   logger.With("component", "session", "instance", opts.InstanceID),
		spawnSem: semaphore.NewWeighted(int64(opts.MaxConcurrentSpawns)),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		sessions: make(map[string]*Active),
		starting: make(map[string]chan struct{}),
		ownDedup: ownDedup,
	}
}

// InstanceID returns the id this manager stamps on outgoing envelopes.
func (m *Manager) InstanceID() string {
	return m.opts.InstanceID
}

// Global returns the process-wide event bus.
func (m *Manager) Global() *bus.Broadcast[event.Envelope] {
	return m.global
}

// Bridge returns the cross-instance bridge.
func (m *Manager) Bridge() *bridge.Bridge {
	return m.bridge
}

// IsSessionActive reports whether this instance owns the session's subprocess.
func (m *Manager) IsSessionActive(id string) bool {
	return m.get(id) != nil
}

// ActiveSessions returns the ids of locally active sessions.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IsStreaming reports whether a local session has a turn in progress.
func (m *Manager) IsStreaming(id string) bool {
	a := m.get(id)
	return a != nil && a.isStreaming()
}

func (m *Manager) get(id string) *Active {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) isStarting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.starting[id]
	return ok
}

// CreateOrResume delivers req.Message to the session: locally if this
// instance owns it, through the bridge if another instance does, and
// otherwise by spawning (or resuming) the subprocess here.
func (m *Manager) CreateOrResume(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := m.logger.With("session_id", id)

	switch a := m.get(id); {
	case a != nil:
		err := m.deliver(a, req.Message, req.Sender)
		if err == nil {
			return &CreateResult{SessionID: id, Local: true}, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		// torn down under us; spawn a new generation
	case req.SessionID != "" && !m.isStarting(id):
		cmd := event.Command{Kind: event.CommandUserMessage, Content: req.Message, Sender: req.Sender}
		if m.TryRemoteSend(ctx, id, cmd) {
			logger.Debug("message routed to remote owner")
			return &CreateResult{SessionID: id}, nil
		}
	}

	a, spawned, err := m.activate(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if err := m.deliver(a, req.Message, req.Sender); err != nil {
		return nil, err
	}
	return &CreateResult{SessionID: id, Local: true, Spawned: spawned}, nil
}

// activate returns the local Active for id, spawning it if no one else is.
// Concurrent callers for the same id wait for the first spawn to finish.
func (m *Manager) activate(ctx context.Context, id string, req CreateRequest) (*Active, bool, error) {
	for {
		m.mu.Lock()
		if a := m.sessions[id]; a != nil {
			m.mu.Unlock()
			return a, false, nil
		}
		if wait, ok := m.starting[id]; ok {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		if m.ctx.Err() != nil {
			m.mu.Unlock()
			return nil, false, fmt.Errorf("manager shut down: %w", m.ctx.Err())
		}
		done := make(chan struct{})
		m.starting[id] = done
		m.mu.Unlock()

		a, err := m.spawn(ctx, id, req)

		m.mu.Lock()
		delete(m.starting, id)
		if err == nil {
			m.sessions[id] = a
		}
		m.mu.Unlock()
		close(done)

		if err != nil {
			return nil, false, err
		}
		m.start(a)
		return a, true, nil
	}
}

// spawn starts the subprocess and records the session row. Nothing is
// registered or stored when the subprocess fails to start.
func (m *Manager) spawn(ctx context.Context, id string, req CreateRequest) (*Active, error) {
	if err := m.spawnSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for spawn slot: %w", err)
	}
	defer m.spawnSem.Release(1)

	logger := m.logger.With("session_id", id)

	sess, err := m.store.GetSession(ctx, id)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if isNew {
		sess = &store.Session{
			ID:             id,
			WorkingDir:     firstNonEmpty(req.WorkingDir, m.opts.DefaultWorkingDir),
			Model:          firstNonEmpty(req.Model, m.opts.DefaultModel),
			PermissionMode: firstNonEmpty(req.PermissionMode, m.opts.DefaultPermissionMode),
			ConversationID: id,
			CreatedBy:      req.Sender,
		}
	}

	latest, err := m.store.GetLatestSeq(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading latest seq: %w", err)
	}

	proc, err := m.driver.Start(ctx, agent.Options{
		SessionID:      id,
		WorkingDir:     sess.WorkingDir,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		ResumeToken:    sess.ResumeToken,
	})
	if err != nil {
		logger.Error("failed to start subprocess", "error", err)
		return nil, err
	}

	sess.Owner = m.opts.InstanceID
	sess.Status = store.SessionStatusActive
	if isNew {
		err = m.store.CreateSession(ctx, sess)
	} else {
		err = m.store.UpdateSession(ctx, sess)
	}
	if err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("saving session: %w", err)
	}

	a := newActive(m.ctx, id, proc, m.opts.BroadcastCapacity, latest, m.now())
	a.resumeToken = sess.ResumeToken
	a.model = sess.Model
	a.mode = sess.PermissionMode

	logger.Info("session activated", "new", isNew, "resumed", sess.ResumeToken != "", "latest_seq", latest)
	return a, nil
}

// start launches the per-session goroutines and bridge listeners.
func (m *Manager) start(a *Active) {
	go a.controlLoop()
	go m.pump(a)
	if err := m.bridge.ServeSession(a.ctx, a.id, m); err != nil {
		m.logger.Warn("bridge listeners unavailable", "session_id", a.id, "error", err)
	}
}

// Subscribe returns a receiver for a local session's events.
func (m *Manager) Subscribe(id string) (*bus.Receiver[event.ChatEvent], error) {
	a := m.get(id)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return a.broadcast.Subscribe(), nil
}

// Snapshot returns the in-flight turn state of a local session.
func (m *Manager) Snapshot(id string) (*event.Snapshot, error) {
	a := m.get(id)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(), nil
}

// Join subscribes and snapshots atomically: every event folded into the
// snapshot was published before the receiver existed, and every later
// event reaches the receiver.
func (m *Manager) Join(id string) (*bus.Receiver[event.ChatEvent], *event.Snapshot, error) {
	a := m.get(id)
	if a == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return a.broadcast.Subscribe(), a.snapshot(), nil
}

// RemoteSnapshot asks the owning instance for its snapshot.
func (m *Manager) RemoteSnapshot(ctx context.Context, id string) (*event.Snapshot, error) {
	return m.bridge.RequestSnapshot(ctx, id)
}

// TryRemoteSend forwards cmd to whichever instance owns the session and
// reports whether one handled it.
func (m *Manager) TryRemoteSend(ctx context.Context, id string, cmd event.Command) bool {
	handled, err := m.bridge.SendCommand(ctx, id, cmd)
	if err != nil {
		if handled {
			m.logger.Warn("remote owner rejected command", "session_id", id, "type", cmd.Kind, "error", err)
		} else {
			m.logger.Debug("no remote owner", "session_id", id, "type", cmd.Kind, "error", err)
		}
	}
	return handled
}

// deliver persists and broadcasts the user message, then starts a turn or queues it.
func (m *Manager) deliver(a *Active, content, sender string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, a.id)
	}
	a.lastActivity = m.now()
	m.emitLocked(a, event.UserMessage(content, sender))

	if !a.tryAcquireTurn() {
		a.pending = append(a.pending, pendingMessage{content: content, sender: sender})
		depth := len(a.pending)
		a.mu.Unlock()
		m.logger.Debug("message queued behind running turn", "session_id", a.id, "depth", depth)
		return nil
	}
	a.streaming = true
	m.emitLocked(a, event.StreamingStatus(true))
	a.mu.Unlock()

	if err := a.proc.SendUserMessage(content); err != nil {
		m.abortTurn(a, err)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// abortTurn ends a turn whose message never reached the subprocess.
func (m *Manager) abortTurn(a *Active, cause error) {
	m.logger.Error("turn aborted", "session_id", a.id, "error", cause)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	m.emitLocked(a, event.Error("message could not be delivered: "+cause.Error()))
	a.streaming = false
	a.pending = nil
	m.emitLocked(a, event.StreamingStatus(false))
	a.releaseTurn()
}

// emitLocked assigns a seq to persisted kinds, stores the event, folds it into
// the accumulators and publishes it everywhere. Caller holds a.mu.
//
// An event the store will not take is still published, but with seq 0 so the
// log stays gap-free, followed by an error event telling watchers it will be
// missing from history.
func (m *Manager) emitLocked(a *Active, ev event.ChatEvent) event.ChatEvent {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now().UTC()
	}
	var lost error
	if ev.Kind.Ephemeral() {
		ev.Seq = 0
	} else {
		ev.Seq = a.seq + 1
		if lost = m.persist(a.id, ev); lost == nil {
			a.seq = ev.Seq
		} else {
			m.logger.Error("failed to persist event", "session_id", a.id, "seq", ev.Seq, "type", ev.Kind, "error", lost)
			ev.Seq = 0
		}
	}

	m.publishLocked(a, ev)
	if lost != nil {
		m.publishLocked(a, event.Error(fmt.Sprintf("%s event could not be saved and will be missing from history", ev.Kind)))
	}
	return ev
}

// persist appends one event, retrying briefly before giving up.
func (m *Manager) persist(id string, ev event.ChatEvent) error {
	var err error
	for attempt := range persistAttempts {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * persistRetryDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err = m.store.AppendEvents(ctx, id, []event.ChatEvent{ev})
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

// publishLocked folds ev into the accumulators and fans it out. Caller holds a.mu.
func (m *Manager) publishLocked(a *Active, ev event.ChatEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now().UTC()
	}
	a.accumulate(ev)
	a.broadcast.Publish(ev)
	m.global.Publish(event.Envelope{SessionID: a.id, Origin: m.opts.InstanceID, Event: ev})
	m.bridge.Emit(a.id, ev)
}

// pump consumes subprocess output until the process exits.
func (m *Manager) pump(a *Active) {
	for ev := range a.proc.Events() {
		m.handleEvent(a, ev)
	}
	if err := a.proc.Wait(); err != nil {
		m.logger.Warn("subprocess exited", "session_id", a.id, "error", err)
	} else {
		m.logger.Info("subprocess exited", "session_id", a.id)
	}
	m.teardown(a, false)
}

func (m *Manager) handleEvent(a *Active, ev event.ChatEvent) {
	if !ev.Kind.Valid() || ev.Kind == event.KindUserMessage || ev.Kind == event.KindStreamingStatus {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.lastActivity = m.now()
	if ev.Kind != event.KindResult {
		m.emitLocked(a, ev)
		a.mu.Unlock()
		return
	}

	result := m.emitLocked(a, ev)
	a.streaming = false
	m.emitLocked(a, event.StreamingStatus(false))

	next, hasNext := a.popPending()
	if hasNext {
		a.streaming = true
		m.emitLocked(a, event.StreamingStatus(true))
	} else {
		a.releaseTurn()
	}
	a.mu.Unlock()

	m.recordResult(a, result)

	if hasNext {
		if err := a.proc.SendUserMessage(next.content); err != nil {
			m.abortTurn(a, err)
		}
	}
}

// recordResult saves the turn's usage and the subprocess's latest resume token.
func (m *Manager) recordResult(a *Active, result event.ChatEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if u := result.Usage; u != nil {
		err := m.store.SaveUsage(ctx, &store.TokenUsage{
			ID:               uuid.NewString(),
			SessionID:        a.id,
			ResultSeq:        result.Seq,
			InputTokens:      u.InputTokens,
			OutputTokens:     u.OutputTokens,
			CacheReadTokens:  u.CacheReadTokens,
			CacheWriteTokens: u.CacheWriteTokens,
			CostUSD:          u.CostUSD,
			DurationMS:       u.DurationMS,
			CreatedAt:        m.now().UTC(),
		})
		if err != nil {
			m.logger.Error("failed to save usage", "session_id", a.id, "error", err)
		}
	}

	token := a.proc.ResumeToken()
	a.mu.Lock()
	changed := token != "" && token != a.resumeToken
	if changed {
		a.resumeToken = token
	}
	a.mu.Unlock()
	if !changed {
		return
	}
	m.updateSession(ctx, a.id, func(s *store.Session) { s.ResumeToken = token })
}

func (m *Manager) updateSession(ctx context.Context, id string, apply func(*store.Session)) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		m.logger.Error("failed to load session for update", "session_id", id, "error", err)
		return
	}
	apply(sess)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.logger.Error("failed to update session", "session_id", id, "error", err)
	}
}

// teardown stops a session once. Subscribers observe the broadcast closing.
func (m *Manager) teardown(a *Active, archive bool) {
	a.closeOnce.Do(func() {
		m.mu.Lock()
		if m.sessions[a.id] == a {
			delete(m.sessions, a.id)
		}
		m.mu.Unlock()

		a.mu.Lock()
		if a.streaming {
			m.emitLocked(a, event.Error("assistant process exited before the turn finished"))
			a.streaming = false
			m.emitLocked(a, event.StreamingStatus(false))
		}
		a.closed = true
		a.pending = nil
		a.releaseTurn()
		a.mu.Unlock()

		a.cancel()
		if err := a.proc.Kill(); err != nil {
			m.logger.Debug("killing subprocess", "session_id", a.id, "error", err)
		}
		a.broadcast.Close()

		if archive {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := m.store.ArchiveSession(ctx, a.id); err != nil {
				m.logger.Error("failed to archive session", "session_id", a.id, "error", err)
			}
		}
		m.logger.Info("session closed", "session_id", a.id, "archived", archive)
	})
}

// Close stops a local session and archives it.
func (m *Manager) Close(ctx context.Context, id string) error {
	a := m.get(id)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.teardown(a, true)
	return nil
}

// Shutdown stops every local session without archiving them.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	active := make([]*Active, 0, len(m.sessions))
	for _, a := range m.sessions {
		active = append(active, a)
	}
	m.mu.Unlock()

	for _, a := range active {
		m.teardown(a, false)
	}
	if m.ownDedup {
		m.dedupe.Close()
	}
	m.logger.Info("session manager stopped", "sessions", len(active))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
