// ABOUTME: Tests for terminal rendering of session frames and parsing of typed commands
// ABOUTME: Checks seq tracking for reconnects and that streamed text is not printed twice

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_TracksLastSeqAndStreamsOnce(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	frames := []string{
		`{"type":"auth_ok","seq":0,"session_id":"s1"}`,
		`{"type":"user_message","seq":1,"content":"hi","sender":"alice","replaying":true}`,
		`{"type":"replay_complete","seq":0}`,
		`{"type":"stream_delta","seq":0,"content":"Echo: "}`,
		`{"type":"stream_delta","seq":0,"content":"hi"}`,
		`{"type":"assistant_text","seq":2,"content":"Echo: hi"}`,
		`{"type":"result","seq":3,"usage":{"input_tokens":2,"output_tokens":8}}`,
	}
	for _, f := range frames {
		assert.Equal(t, frameShown, r.render([]byte(f)))
	}

	assert.Equal(t, int64(3), r.lastSeq)
	out := buf.String()
	assert.Contains(t, out, "[joined s1]")
	assert.Contains(t, out, "alice>")
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("Echo: hi")), out)
	assert.Contains(t, out, "2 in / 8 out tokens")
}

func TestRenderer_TerminalFrames(t *testing.T) {
	r := newRenderer(&bytes.Buffer{})
	assert.Equal(t, frameAuthError, r.render([]byte(`{"type":"auth_error","seq":0,"message":"authentication failed"}`)))
	assert.Equal(t, frameSessionClosed, r.render([]byte(`{"type":"session_closed","seq":0,"session_id":"s1"}`)))
	assert.Equal(t, frameShown, r.render([]byte(`not json`)))
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		line     string
		want     map[string]any
		wantQuit bool
		wantErr  bool
	}{
		{line: "  ", want: nil},
		{line: "hello there", want: map[string]any{"type": "user_message", "content": "hello there"}},
		{line: "/allow perm_1", want: map[string]any{"type": "permission_response", "id": "perm_1", "allow": true}},
		{line: "/deny perm_1", want: map[string]any{"type": "permission_response", "id": "perm_1", "allow": false}},
		{line: "/answer q1 blue please", want: map[string]any{"type": "input_response", "id": "q1", "content": "blue please"}},
		{line: "/interrupt", want: map[string]any{"type": "interrupt"}},
		{line: "/mode acceptEdits", want: map[string]any{"type": "set_permission_mode", "mode": "acceptEdits"}},
		{line: "/model opus", want: map[string]any{"type": "set_model", "model": "opus"}},
		{line: "/quit", wantQuit: true},
		{line: "/allow", wantErr: true},
		{line: "/frobnicate", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, quit, err := parseInput(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQuit, quit)
			assert.Equal(t, tt.want, got)
		})
	}
}
