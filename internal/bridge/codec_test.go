// ABOUTME: Tests for the bridge wire codec
// ABOUTME: Covers framing, compression above the threshold and rejection of bad headers

package bridge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/event"
)

func TestCodec_SmallPayloadIsRaw(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	env := event.Envelope{
		SessionID: "s1",
		Origin:    "node-a",
		Event: event.ChatEvent{
			Kind:      event.KindToolUse,
			Seq:       7,
			ID:        "toolu_1",
			ToolName:  "Bash",
			Input:     json.RawMessage(`{"command":"ls"}`),
			Timestamp: ts,
		},
	}

	data, err := Marshal(env)
	require.NoError(t, err)
	assert.Equal(t, frameRaw, data[0])

	var got event.Envelope
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, env.SessionID, got.SessionID)
	assert.Equal(t, env.Origin, got.Origin)
	assert.Equal(t, env.Event.Seq, got.Event.Seq)
	assert.Equal(t, env.Event.ToolName, got.Event.ToolName)
	assert.JSONEq(t, string(env.Event.Input), string(got.Event.Input))
	assert.True(t, ts.Equal(got.Event.Timestamp), "timestamp keeps nanoseconds")
}

func TestCodec_LargePayloadIsCompressed(t *testing.T) {
	streaming := true
	snap := event.Snapshot{
		IsStreaming: streaming,
		PartialText: strings.Repeat("all work and no play ", 200),
	}

	data, err := Marshal(snap)
	require.NoError(t, err)
	assert.Equal(t, frameZstd, data[0])
	assert.Less(t, len(data), len(snap.PartialText))

	var got event.Snapshot
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, snap.PartialText, got.PartialText)
	assert.True(t, got.IsStreaming)
}

func TestCodec_Deterministic(t *testing.T) {
	cmd := event.Command{Kind: event.CommandPermissionResponse, RequestID: "r1", Allow: true}
	a, err := Marshal(cmd)
	require.NoError(t, err)
	b, err := Marshal(cmd)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCodec_RejectsBadInput(t *testing.T) {
	var v event.Envelope
	assert.Error(t, Unmarshal(nil, &v))
	assert.Error(t, Unmarshal([]byte{0x07, 0xa0}, &v))
	assert.Error(t, Unmarshal([]byte{frameZstd, 0x01, 0x02}, &v))
	assert.Error(t, Unmarshal([]byte{frameRaw, 0xff}, &v))
}
