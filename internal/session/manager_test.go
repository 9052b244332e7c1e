// ABOUTME: Tests for the session manager using fake subprocesses and the in-memory store
// ABOUTME: Covers spawn, resume, FIFO queueing, control bypass, duplicate answers, sweep and remote routing

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/agent/agenttest"
	"github.com/2389/coven-sessions/internal/bridge"
	"github.com/2389/coven-sessions/internal/bus"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/store"
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testNode struct {
	mgr    *Manager
	store  *store.MockStore
	driver *agenttest.Driver
}

func newTestNode(t *testing.T, driver *agenttest.Driver, network *bridge.MemoryNetwork, instance string, mutate ...func(*Options)) *testNode {
	t.Helper()
	st := store.NewMockStore()
	return newTestNodeWithStore(t, st, st, driver, network, instance, mutate...)
}

func newTestNodeWithStore(t *testing.T, backing store.Store, st *store.MockStore, driver *agenttest.Driver, network *bridge.MemoryNetwork, instance string, mutate ...func(*Options)) *testNode {
	t.Helper()
	if network == nil {
		network = bridge.NewMemoryNetwork()
	}
	logger := testLogger()
	global := bus.New[event.Envelope](256)
	br := bridge.New(network.Connect(), global, bridge.Options{InstanceID: instance, RequestTimeout: 500 * time.Millisecond}, logger)

	opts := Options{InstanceID: instance, BroadcastCapacity: 256}
	for _, fn := range mutate {
		fn(&opts)
	}
	mgr := NewManager(Deps{Store: backing, Driver: driver, Bridge: br, Global: global}, opts, logger)
	t.Cleanup(mgr.Shutdown)
	return &testNode{mgr: mgr, store: st, driver: driver}
}

func waitUntil(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msgAndArgs...)
}

func storedKinds(t *testing.T, st store.Store, id string) []event.Kind {
	t.Helper()
	evs, err := st.GetEventsSince(t.Context(), id, 0)
	require.NoError(t, err)
	kinds := make([]event.Kind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	return kinds
}

func hasStoredKind(t *testing.T, st store.Store, id string, kind event.Kind) bool {
	for _, k := range storedKinds(t, st, id) {
		if k == kind {
			return true
		}
	}
	return false
}

func TestCreateOrResume_NewSessionRunsTurn(t *testing.T) {
	n := newTestNode(t, agenttest.NewDriver(), nil, "node-a")
	ctx := t.Context()

	res, err := n.mgr.CreateOrResume(ctx, CreateRequest{Message: "hello", Sender: "alice", WorkingDir: "/tmp"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.True(t, res.Local)
	assert.True(t, res.Spawned)
	assert.True(t, n.mgr.IsSessionActive(res.SessionID))

	waitUntil(t, func() bool { return hasStoredKind(t, n.store, res.SessionID, event.KindResult) })

	evs, err := n.store.GetEventsSince(ctx, res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, event.KindUserMessage, evs[0].Kind)
	assert.Equal(t, "alice", evs[0].Sender)
	assert.Equal(t, event.KindAssistantText, evs[1].Kind)
	assert.Equal(t, "Echo: hello", evs[1].Content)
	assert.Equal(t, event.KindResult, evs[2].Kind)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	sess, err := n.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", sess.WorkingDir)
	assert.Equal(t, "node-a", sess.Owner)
	assert.Equal(t, DefaultPermissionMode, sess.PermissionMode)
	waitUntil(t, func() bool {
		s, err := n.store.GetSession(ctx, res.SessionID)
		return err == nil && s.ResumeToken == "fake-"+res.SessionID
	})

	usage, err := n.store.GetSessionUsage(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(3), usage[0].ResultSeq)
	assert.Equal(t, int64(len("hello")), usage[0].InputTokens)

	assert.False(t, n.mgr.IsStreaming(res.SessionID))
}

func TestCreateOrResume_EmptyMessage(t *testing.T) {
	n := newTestNode(t, agenttest.NewDriver(), nil, "node-a")
	_, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, n.driver.Starts())
}

func TestCreateOrResume_ResumesStoredSession(t *testing.T) {
	n := newTestNode(t, agenttest.NewDriver(), nil, "node-a")
	ctx := t.Context()

	require.NoError(t, n.store.CreateSession(ctx, &store.Session{
		ID: "s1", Model: "opus", PermissionMode: "plan", ResumeToken: "cli-123", WorkingDir: "/work",
	}))
	require.NoError(t, n.store.ArchiveSession(ctx, "s1"))
	var history []event.ChatEvent
	for seq := int64(1); seq <= 5; seq++ {
		history = append(history, event.ChatEvent{Kind: event.KindAssistantText, Seq: seq, Content: "old", Timestamp: time.Now()})
	}
	require.NoError(t, n.store.AppendEvents(ctx, "s1", history))

	res, err := n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "again"})
	require.NoError(t, err)
	assert.True(t, res.Spawned)

	starts := n.driver.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, agent.Options{SessionID: "s1", WorkingDir: "/work", Model: "opus", PermissionMode: "plan", ResumeToken: "cli-123"}, starts[0])

	evs, err := n.store.GetEventsSince(ctx, "s1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, int64(6), evs[0].Seq)
	assert.Equal(t, event.KindUserMessage, evs[0].Kind)

	sess, err := n.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusActive, sess.Status)
	assert.Nil(t, sess.ArchivedAt)
}

func TestCreateOrResume_SpawnFailureLeavesNothing(t *testing.T) {
	driver := agenttest.NewDriver()
	driver.StartErr = assert.AnError
	n := newTestNode(t, driver, nil, "node-a")

	_, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{SessionID: "s1", Message: "hi"})
	require.ErrorIs(t, err, agent.ErrSpawnFailed)
	assert.False(t, n.mgr.IsSessionActive("s1"))

	_, err = n.store.GetSession(t.Context(), "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, storedKinds(t, n.store, "s1"))
}

func TestCreateOrResume_ConcurrentCallersShareOneOwner(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*CreateResult, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = n.mgr.CreateOrResume(t.Context(), CreateRequest{SessionID: "s1", Message: "hi"})
		}()
	}
	wg.Wait()

	spawned := 0
	for i := range callers {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Local)
		if results[i].Spawned {
			spawned++
		}
	}
	assert.Equal(t, 1, spawned)
	assert.Len(t, n.driver.Starts(), 1)

	// one message started the turn, the rest queued behind it
	assert.Len(t, n.driver.Last().Messages(), 1)
	assert.Len(t, storedKinds(t, n.store, "s1"), callers)
}

func TestPendingMessagesRunInOrder(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")
	ctx := t.Context()

	_, err := n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "one"})
	require.NoError(t, err)
	_, err = n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "two"})
	require.NoError(t, err)
	_, err = n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "three"})
	require.NoError(t, err)

	proc := n.driver.Last()
	assert.Equal(t, []string{"one"}, proc.Messages())
	assert.True(t, n.mgr.IsStreaming("s1"))

	proc.Emit(event.ChatEvent{Kind: event.KindResult, ID: "r1"})
	require.True(t, proc.WaitFor(waitTimeout, func(p *agenttest.Process) bool { return len(p.Messages()) == 2 }))
	assert.Equal(t, []string{"one", "two"}, proc.Messages())

	proc.Emit(event.ChatEvent{Kind: event.KindResult, ID: "r2"})
	require.True(t, proc.WaitFor(waitTimeout, func(p *agenttest.Process) bool { return len(p.Messages()) == 3 }))
	assert.Equal(t, []string{"one", "two", "three"}, proc.Messages())

	proc.Emit(event.ChatEvent{Kind: event.KindResult, ID: "r3"})
	waitUntil(t, func() bool { return !n.mgr.IsStreaming("s1") })
	assert.Len(t, proc.Messages(), 3)
}

func TestControlDoesNotWaitForTurn(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")
	ctx := t.Context()

	_, err := n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "long task"})
	require.NoError(t, err)
	require.True(t, n.mgr.IsStreaming("s1"))

	require.NoError(t, n.mgr.Interrupt(ctx, "s1"))
	require.NoError(t, n.mgr.SetPermissionMode(ctx, "s1", "acceptEdits"))
	require.NoError(t, n.mgr.SetModel(ctx, "s1", "sonnet"))

	controls := n.driver.Last().Controls()
	require.Len(t, controls, 3)
	assert.Equal(t, agent.ControlInterrupt, controls[0].Subtype)
	assert.Equal(t, agent.ControlRequest{Subtype: agent.ControlSetPermissionMode, Mode: "acceptEdits"}, controls[1])
	assert.Equal(t, agent.ControlRequest{Subtype: agent.ControlSetModel, Model: "sonnet"}, controls[2])

	sess, err := n.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "acceptEdits", sess.PermissionMode)
	assert.Equal(t, "sonnet", sess.Model)
}

func TestControlOnUnknownSession(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")
	ctx := t.Context()

	assert.ErrorIs(t, n.mgr.Interrupt(ctx, "missing"), ErrSessionNotFound)
	assert.ErrorIs(t, n.mgr.SetModel(ctx, "missing", "opus"), ErrSessionNotFound)
	assert.ErrorIs(t, n.mgr.SendPermissionResponse(ctx, "missing", "perm_1", true), ErrSessionNotFound)
	assert.ErrorIs(t, n.mgr.Close(ctx, "missing"), ErrSessionNotFound)
	_, err := n.mgr.Subscribe("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = n.mgr.Snapshot("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// startTurnWithPrompt opens s1 and has the fake subprocess ask for permission.
func startTurnWithPrompt(t *testing.T, n *testNode, kind event.Kind, input string) *agenttest.Process {
	t.Helper()
	_, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{SessionID: "s1", Message: "do it"})
	require.NoError(t, err)
	proc := n.driver.Last()

	recv, err := n.mgr.Subscribe("s1")
	require.NoError(t, err)
	defer recv.Close()

	proc.Emit(event.ChatEvent{Kind: kind, ID: "perm_1", ToolName: "Bash", Input: json.RawMessage(input)})
	for {
		d, err := recv.Recv(t.Context())
		require.NoError(t, err)
		if d.Value.Kind == kind {
			return proc
		}
	}
}

func TestDuplicatePermissionResponseDeliveredOnce(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")
	ctx := t.Context()
	proc := startTurnWithPrompt(t, n, event.KindPermissionRequest, `{"command":"ls"}`)

	require.NoError(t, n.mgr.SendPermissionResponse(ctx, "s1", "perm_1", true))
	require.NoError(t, n.mgr.SendPermissionResponse(ctx, "s1", "perm_1", true))
	require.NoError(t, n.mgr.SendPermissionResponse(ctx, "s1", "perm_1", false))

	perms := proc.Permissions()
	require.Len(t, perms, 1)
	assert.Equal(t, "perm_1", perms[0].RequestID)
	assert.True(t, perms[0].Decision.Allow)
	assert.JSONEq(t, `{"command":"ls"}`, string(perms[0].Decision.UpdatedInput))

	// answers are control-plane only
	assert.NotContains(t, storedKinds(t, n.store, "s1"), event.Kind("permission_response"))
}

func TestInputResponseFoldsAnswer(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")
	proc := startTurnWithPrompt(t, n, event.KindInputRequest, `{"question":"Which color?"}`)

	require.NoError(t, n.mgr.SendInputResponse(t.Context(), "s1", "perm_1", "blue"))

	perms := proc.Permissions()
	require.Len(t, perms, 1)
	assert.True(t, perms[0].Decision.Allow)
	assert.JSONEq(t, `{"question":"Which color?","answers":{"Which color?":"blue"}}`, string(perms[0].Decision.UpdatedInput))
}

func TestJoinSnapshotsInFlightTurn(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")
	ctx := t.Context()

	_, err := n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "go"})
	require.NoError(t, err)
	proc := n.driver.Last()

	watch, err := n.mgr.Subscribe("s1")
	require.NoError(t, err)
	defer watch.Close()

	proc.Emit(event.ChatEvent{Kind: event.KindToolUse, ID: "toolu_1", ToolName: "Read"})
	proc.Emit(event.StreamDelta("Hel"))
	proc.Emit(event.StreamDelta("lo"))
	for seen := 0; seen < 3; {
		_, err := watch.Recv(ctx)
		require.NoError(t, err)
		seen++
	}

	recv, snap, err := n.mgr.Join("s1")
	require.NoError(t, err)
	defer recv.Close()
	assert.True(t, snap.IsStreaming)
	assert.Equal(t, "Hello", snap.PartialText)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, "toolu_1", snap.Events[0].ID)
	assert.Equal(t, int64(2), snap.Events[0].Seq)
	assert.Equal(t, int64(2), snap.Seq, "snapshot records the last persisted seq")

	proc.Emit(event.StreamDelta(" world"))
	d, err := recv.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, " world", d.Value.Content)

	proc.Emit(event.ChatEvent{Kind: event.KindResult, ID: "r1"})
	waitUntil(t, func() bool { return !n.mgr.IsStreaming("s1") })
	snap, err = n.mgr.Snapshot("s1")
	require.NoError(t, err)
	assert.False(t, snap.IsStreaming)
	assert.Empty(t, snap.PartialText)
	assert.Empty(t, snap.Events)
	assert.Equal(t, int64(3), snap.Seq)
}

func TestEventsReachGlobalBus(t *testing.T) {
	n := newTestNode(t, agenttest.NewDriver(), nil, "node-a")
	recv := n.mgr.Global().Subscribe()
	defer recv.Close()

	_, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)

	d, err := recv.Recv(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "s1", d.Value.SessionID)
	assert.Equal(t, "node-a", d.Value.Origin)
	assert.Equal(t, event.KindUserMessage, d.Value.Event.Kind)
	assert.Equal(t, int64(1), d.Value.Event.Seq)

	d, err = recv.Recv(t.Context())
	require.NoError(t, err)
	assert.Equal(t, event.KindStreamingStatus, d.Value.Event.Kind)
	assert.Zero(t, d.Value.Event.Seq)
}

func TestIdleSweepClosesQuietSessions(t *testing.T) {
	n := newTestNode(t, agenttest.NewDriver(), nil, "node-a", func(o *Options) {
		o.IdleTimeout = 20 * time.Millisecond
	})
	ctx := t.Context()

	_, err := n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)
	waitUntil(t, func() bool {
		s, err := n.store.GetSession(ctx, "s1")
		return err == nil && s.ResumeToken == "fake-s1" && !n.mgr.IsStreaming("s1")
	})

	recv, err := n.mgr.Subscribe("s1")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, n.mgr.sweepIdle())
	assert.False(t, n.mgr.IsSessionActive("s1"))
	assert.True(t, n.driver.Last().Killed())

	_, err = recv.Recv(ctx)
	assert.ErrorIs(t, err, bus.ErrClosed)

	// swept sessions are not archived and resume on the next message
	sess, err := n.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusActive, sess.Status)

	res, err := n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "back"})
	require.NoError(t, err)
	assert.True(t, res.Spawned)
	assert.Equal(t, "fake-s1", n.driver.Starts()[1].ResumeToken)
}

func TestIdleSweepSkipsStreamingSessions(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a", func(o *Options) {
		o.IdleTimeout = 10 * time.Millisecond
	})

	_, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, n.mgr.sweepIdle())
	assert.True(t, n.mgr.IsSessionActive("s1"))
}

func TestProcessExitEndsTurnAndSession(t *testing.T) {
	n := newTestNode(t, agenttest.NewManualDriver(), nil, "node-a")
	_, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)

	recv, err := n.mgr.Subscribe("s1")
	require.NoError(t, err)
	n.driver.Last().Exit()

	var kinds []event.Kind
	for {
		d, err := recv.Recv(t.Context())
		if err != nil {
			require.ErrorIs(t, err, bus.ErrClosed)
			break
		}
		kinds = append(kinds, d.Value.Kind)
	}
	assert.Equal(t, []event.Kind{event.KindError, event.KindStreamingStatus}, kinds)
	assert.False(t, n.mgr.IsSessionActive("s1"))
	assert.Contains(t, storedKinds(t, n.store, "s1"), event.KindError)
}

func TestCloseArchivesSession(t *testing.T) {
	n := newTestNode(t, agenttest.NewDriver(), nil, "node-a")
	ctx := t.Context()

	_, err := n.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, n.mgr.Close(ctx, "s1"))

	assert.False(t, n.mgr.IsSessionActive("s1"))
	sess, err := n.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusArchived, sess.Status)
}

func TestRemoteOwnerReceivesCommands(t *testing.T) {
	network := bridge.NewMemoryNetwork()
	owner := newTestNode(t, agenttest.NewManualDriver(), network, "node-a")
	peer := newTestNode(t, agenttest.NewManualDriver(), network, "node-b")
	ctx := t.Context()

	_, err := owner.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "first"})
	require.NoError(t, err)
	proc := owner.driver.Last()

	res, err := peer.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "second", Sender: "bob"})
	require.NoError(t, err)
	assert.False(t, res.Local)
	assert.Empty(t, peer.driver.Starts(), "peer must not spawn a second owner")
	assert.False(t, peer.mgr.IsSessionActive("s1"))

	// queued behind the running turn on the owner
	evs, err := owner.store.GetEventsSince(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "second", evs[1].Content)
	assert.Equal(t, "bob", evs[1].Sender)

	require.NoError(t, peer.mgr.Interrupt(ctx, "s1"))
	require.Len(t, proc.Controls(), 1)
	assert.Equal(t, agent.ControlInterrupt, proc.Controls()[0].Subtype)

	proc.Emit(event.StreamDelta("partial"))
	waitUntil(t, func() bool {
		snap, err := peer.mgr.RemoteSnapshot(ctx, "s1")
		return err == nil && snap.PartialText == "partial"
	})
}

func TestRemotePermissionClicksCollapse(t *testing.T) {
	network := bridge.NewMemoryNetwork()
	owner := newTestNode(t, agenttest.NewManualDriver(), network, "node-a")
	peer := newTestNode(t, agenttest.NewManualDriver(), network, "node-b")
	ctx := t.Context()

	proc := startTurnWithPrompt(t, owner, event.KindPermissionRequest, `{"path":"/etc/hosts"}`)

	require.NoError(t, peer.mgr.SendPermissionResponse(ctx, "s1", "perm_1", false))
	require.NoError(t, peer.mgr.SendPermissionResponse(ctx, "s1", "perm_1", false))

	perms := proc.Permissions()
	require.Len(t, perms, 1)
	assert.False(t, perms[0].Decision.Allow)
	assert.NotEmpty(t, perms[0].Decision.Message)
}

func TestClosedOwnerFallsBackToLocalSpawn(t *testing.T) {
	network := bridge.NewMemoryNetwork()
	owner := newTestNode(t, agenttest.NewManualDriver(), network, "node-a")
	peer := newTestNode(t, agenttest.NewManualDriver(), network, "node-b")
	ctx := t.Context()

	_, err := owner.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)
	owner.mgr.teardown(owner.mgr.get("s1"), false)

	// peer has no row for s1 in its own store, so it starts fresh
	res, err := peer.mgr.CreateOrResume(ctx, CreateRequest{SessionID: "s1", Message: "hello?"})
	require.NoError(t, err)
	assert.True(t, res.Local)
	assert.True(t, res.Spawned)
}

// failingStore rejects appends: the next failures calls, and every append of failKind.
type failingStore struct {
	*store.MockStore

	mu       sync.Mutex
	failures int
	failKind event.Kind
	calls    int
}

func (s *failingStore) AppendEvents(ctx context.Context, sessionID string, events []event.ChatEvent) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0 || (s.failKind != "" && events[0].Kind == s.failKind)
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.MockStore.AppendEvents(ctx, sessionID, events)
}

func TestEmit_RetriesTransientStoreFailure(t *testing.T) {
	fs := &failingStore{MockStore: store.NewMockStore(), failures: 2}
	n := newTestNodeWithStore(t, fs, fs.MockStore, agenttest.NewDriver(), nil, "node-a")

	res, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{Message: "hello"})
	require.NoError(t, err)
	waitUntil(t, func() bool { return hasStoredKind(t, n.store, res.SessionID, event.KindResult) })

	evs, err := n.store.GetEventsSince(t.Context(), res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.NotEqual(t, event.KindError, ev.Kind)
	}
}

func TestEmit_UnsavedEventKeepsLogGapFree(t *testing.T) {
	fs := &failingStore{MockStore: store.NewMockStore(), failKind: event.KindAssistantText}
	n := newTestNodeWithStore(t, fs, fs.MockStore, agenttest.NewDriver(), nil, "node-a")

	recv := n.mgr.Global().Subscribe()
	defer recv.Close()

	res, err := n.mgr.CreateOrResume(t.Context(), CreateRequest{Message: "hello"})
	require.NoError(t, err)
	waitUntil(t, func() bool { return hasStoredKind(t, n.store, res.SessionID, event.KindResult) })

	// the log has no hole where the assistant text would have been
	evs, err := n.store.GetEventsSince(t.Context(), res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindUserMessage, evs[0].Kind)
	assert.Equal(t, int64(1), evs[0].Seq)
	assert.Equal(t, event.KindResult, evs[1].Kind)
	assert.Equal(t, int64(2), evs[1].Seq)

	// watchers still get the text, unsequenced, followed by a notice
	var live []event.ChatEvent
	for {
		ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
		d, err := recv.Recv(ctx)
		cancel()
		require.NoError(t, err)
		live = append(live, d.Value.Event)
		if d.Value.Event.Kind == event.KindResult {
			break
		}
	}
	var text, notice int
	for i, ev := range live {
		if ev.Kind == event.KindAssistantText {
			text = i
			assert.Equal(t, "Echo: hello", ev.Content)
			assert.Zero(t, ev.Seq)
		}
		if ev.Kind == event.KindError {
			notice = i
			assert.Contains(t, ev.Content, "assistant_text")
			assert.Zero(t, ev.Seq)
		}
	}
	require.NotZero(t, text)
	assert.Equal(t, text+1, notice)
}
