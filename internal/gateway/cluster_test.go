// ABOUTME: Socket tests with two gateways sharing one store and one in-memory bridge network
// ABOUTME: Covers remote join, bridged live events, routed commands, ownership hand-off and shutdown

package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/agent/agenttest"
	"github.com/2389/coven-sessions/internal/bridge"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/session"
	"github.com/2389/coven-sessions/internal/store"
)

type cluster struct {
	a, b *testGateway
}

// newCluster starts node-a and node-b on a shared network and store.
func newCluster(t *testing.T, driverA, driverB *agenttest.Driver) *cluster {
	t.Helper()
	network := bridge.NewMemoryNetwork()
	shared := store.NewMockStore()
	c := &cluster{
		a: newTestGatewayWith(t, driverA, gatewayOptions{instanceID: "node-a", mock: shared, network: network}),
		b: newTestGatewayWith(t, driverB, gatewayOptions{instanceID: "node-b", mock: shared, network: network}),
	}
	// let both bridge subscribers register
	time.Sleep(50 * time.Millisecond)
	return c
}

func TestCluster_RemoteJoinAndCommands(t *testing.T) {
	driverA := agenttest.NewManualDriver()
	driverB := agenttest.NewDriver()
	c := newCluster(t, driverA, driverB)

	res, err := c.a.gw.Sessions().CreateOrResume(t.Context(), session.CreateRequest{Message: "read it", Sender: "alice"})
	require.NoError(t, err)
	p := driverA.WaitStarted(waitTimeout)
	require.NotNil(t, p)

	p.Emit(event.ChatEvent{Kind: event.KindToolUse, ID: "toolu_1", ToolName: "Read", Input: json.RawMessage(`{"path":"a.go"}`)})
	p.Emit(event.StreamDelta("Hello, wo"))
	require.Eventually(t, func() bool {
		snap, err := c.a.gw.Sessions().Snapshot(res.SessionID)
		return err == nil && snap.PartialText == "Hello, wo"
	}, waitTimeout, 5*time.Millisecond)

	conn := c.b.dial(t, res.SessionID, "", nil)
	frames := readUntil(t, conn, event.FrameReplayComplete)
	require.Equal(t, []string{
		event.FrameAuthOK,
		string(event.KindUserMessage),
		string(event.KindToolUse),
		event.FramePartialText,
		string(event.KindStreamingStatus),
		event.FrameReplayComplete,
	}, frameTypes(frames))
	assert.Equal(t, int64(1), frames[1].Seq)
	assert.Equal(t, int64(2), frames[2].Seq)
	assert.Equal(t, "Hello, wo", frames[3].Content)

	// live events from node-a reach the client through the bridge; bridged
	// copies of earlier ephemeral events may still be in flight
	p.Emit(event.StreamDelta("rld"))
	for {
		f := readFrame(t, conn)
		if f.Type == string(event.KindStreamDelta) && f.Content == "rld" {
			break
		}
		require.Contains(t, []string{string(event.KindStreamDelta), string(event.KindStreamingStatus)}, f.Type)
	}

	p.Emit(event.ChatEvent{Kind: event.KindPermissionRequest, ID: "perm_1", ToolName: "Bash", Input: json.RawMessage(`{"command":"ls"}`)})
	f := readFrame(t, conn)
	assert.Equal(t, string(event.KindPermissionRequest), f.Type)
	assert.Equal(t, int64(3), f.Seq)
	assert.False(t, f.Replaying)

	// a double click on node-b reaches node-a's subprocess once
	answer := map[string]any{"type": "permission_response", "id": "perm_1", "allow": true}
	sendJSON(t, conn, answer)
	sendJSON(t, conn, answer)
	require.True(t, p.WaitFor(waitTimeout, func(p *agenttest.Process) bool { return len(p.Permissions()) >= 1 }))

	sendJSON(t, conn, map[string]string{"type": "interrupt"})
	require.True(t, p.WaitFor(waitTimeout, func(p *agenttest.Process) bool {
		for _, ctl := range p.Controls() {
			if ctl.Subtype == agent.ControlInterrupt {
				return true
			}
		}
		return false
	}))
	time.Sleep(100 * time.Millisecond)
	require.Len(t, p.Permissions(), 1)
	assert.Equal(t, "perm_1", p.Permissions()[0].RequestID)

	p.Emit(event.ChatEvent{Kind: event.KindResult, ID: "result_1", IsError: true, Content: "interrupted"})
	rest := readUntil(t, conn, string(event.KindResult))
	assert.Equal(t, int64(4), rest[len(rest)-1].Seq)

	assert.Empty(t, driverB.Starts(), "node-b must not spawn a session node-a owns")
	assert.False(t, c.b.gw.Sessions().IsSessionActive(res.SessionID))
}

func TestCluster_OwnershipMovesToJoinedNode(t *testing.T) {
	driverA := agenttest.NewDriver()
	driverB := agenttest.NewDriver()
	c := newCluster(t, driverA, driverB)

	id := c.a.createSession(t, "hello")
	require.Eventually(t, func() bool {
		s, err := c.a.store.GetSession(t.Context(), id)
		return err == nil && s.ResumeToken == "fake-"+id
	}, waitTimeout, 5*time.Millisecond)

	conn := c.b.dial(t, id, "", nil)
	frames := readUntil(t, conn, event.FrameReplayComplete)
	assert.Len(t, frames, 5, "auth_ok, three replayed events, replay_complete: %v", frameTypes(frames))

	// node-a stops running the session without archiving it
	c.a.gw.Sessions().Shutdown()
	require.False(t, c.a.gw.Sessions().IsSessionActive(id))

	// the next message spawns on node-b and the socket moves to its local feed
	sendJSON(t, conn, map[string]string{"type": "user_message", "content": "again"})
	live := readUntil(t, conn, string(event.KindResult))

	var persisted []int64
	for _, f := range live {
		assert.False(t, f.Replaying)
		if f.Seq > 0 {
			persisted = append(persisted, f.Seq)
		}
	}
	assert.Equal(t, []int64{4, 5, 6}, persisted)
	assert.Equal(t, "Echo: again", live[len(live)-1].Content)

	require.Len(t, driverB.Starts(), 1)
	assert.Equal(t, "fake-"+id, driverB.Starts()[0].ResumeToken)
	assert.True(t, c.b.gw.Sessions().IsSessionActive(id))

	sess, err := c.b.store.GetSession(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "node-b", sess.Owner)
}

func TestCluster_RemoteSocketClosedOnShutdown(t *testing.T) {
	c := newCluster(t, agenttest.NewDriver(), agenttest.NewDriver())
	id := c.a.createSession(t, "hello")

	conn := c.b.dial(t, id, "", nil)
	readUntil(t, conn, event.FrameReplayComplete)

	require.NoError(t, c.b.gw.Shutdown(t.Context()))
	frames := readUntil(t, conn, event.FrameSessionClosed)
	assert.Equal(t, id, frames[len(frames)-1].SessionID)

	// node-a still runs it
	assert.True(t, c.a.gw.Sessions().IsSessionActive(id))
}
