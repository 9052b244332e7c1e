// ABOUTME: Tests for the session REST API handlers
// ABOUTME: Verifies create, list, inspect, events, usage, close and auth enforcement

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/agent/agenttest"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/store"
)

func (tg *testGateway) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func TestHandleCreateSession(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), "")

	rec := tg.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{Message: "hello", WorkingDir: "/srv"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[CreateSessionResponse](t, rec)
	assert.NotEmpty(t, resp.SessionID)
	assert.True(t, resp.Local)

	sess, err := tg.store.GetSession(t.Context(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "/srv", sess.WorkingDir)
	assert.Equal(t, "anonymous", sess.CreatedBy)

	// a follow-up message to the same session is accepted, not created
	rec = tg.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{SessionID: resp.SessionID, Message: "again"}, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, tg.driver.Starts(), 1)
}

func TestHandleCreateSession_BadRequests(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), "")

	tests := []struct {
		name string
		body any
	}{
		{name: "empty message", body: CreateSessionRequest{}},
		{name: "not an object", body: "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tg.do(t, http.MethodPost, "/api/sessions", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeBody[map[string]string](t, rec)["error"])
		})
	}
	assert.Empty(t, tg.driver.Starts())
}

func TestHandleCreateSession_SpawnFailure(t *testing.T) {
	driver := agenttest.NewDriver()
	driver.StartErr = errors.New("claude: executable not found")
	tg := newTestGateway(t, driver, "")

	rec := tg.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{Message: "hello"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sessions, err := tg.store.ListSessions(t.Context(), store.SessionFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestHandleListAndGetSession(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), "")
	id := tg.createSession(t, "hello")

	rec := tg.do(t, http.MethodGet, "/api/sessions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]SessionResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.True(t, list[0].Active)
	assert.Equal(t, "node-a", list[0].Owner)

	rec = tg.do(t, http.MethodGet, "/api/sessions/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, string(store.SessionStatusActive), got.Status)
	assert.False(t, got.Streaming)

	rec = tg.do(t, http.MethodGet, "/api/sessions/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(t, http.MethodGet, "/api/sessions?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSessionEvents(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), "")
	id := tg.createSession(t, "hello")

	rec := tg.do(t, http.MethodGet, "/api/sessions/"+id+"/events?after=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decodeBody[[]event.ChatEvent](t, rec)
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindAssistantText, evs[0].Kind)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, event.KindResult, evs[1].Kind)

	rec = tg.do(t, http.MethodGet, "/api/sessions/"+id+"/events?after=3", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = tg.do(t, http.MethodGet, "/api/sessions/"+id+"/events?after=x", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSessionUsage(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), "")
	id := tg.createSession(t, "hello")
	require.Eventually(t, func() bool {
		u, err := tg.store.GetSessionUsage(t.Context(), id)
		return err == nil && len(u) == 1
	}, waitTimeout, 5*time.Millisecond)

	rec := tg.do(t, http.MethodGet, "/api/sessions/"+id+"/usage", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decodeBody[SessionUsageResponse](t, rec)
	assert.Equal(t, id, usage.SessionID)
	require.Len(t, usage.Records, 1)
	assert.Equal(t, int64(3), usage.Records[0].ResultSeq)
	assert.Equal(t, int64(len("hello")), usage.Totals.InputTokens)
	assert.Equal(t, int64(len("Echo: hello")), usage.Totals.OutputTokens)
	assert.Equal(t, int64(1), usage.Totals.Turns)
}

func TestHandleCloseSession(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), "")
	id := tg.createSession(t, "hello")
	proc := tg.driver.Last()

	rec := tg.do(t, http.MethodDelete, "/api/sessions/"+id, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, proc.Killed())
	assert.False(t, tg.gw.Sessions().IsSessionActive(id))

	got := decodeBody[SessionResponse](t, tg.do(t, http.MethodGet, "/api/sessions/"+id, nil, ""))
	assert.Equal(t, string(store.SessionStatusArchived), got.Status)
	assert.NotNil(t, got.ArchivedAt)

	// archived sessions are hidden unless asked for
	assert.Empty(t, decodeBody[[]SessionResponse](t, tg.do(t, http.MethodGet, "/api/sessions", nil, "")))
	assert.Len(t, decodeBody[[]SessionResponse](t, tg.do(t, http.MethodGet, "/api/sessions?archived=true", nil, "")), 1)
}

func TestHandleCloseSession_NotRunningHere(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), "")
	require.NoError(t, tg.store.CreateSession(t.Context(), &store.Session{ID: "elsewhere", Owner: "node-b", Status: store.SessionStatusActive}))

	rec := tg.do(t, http.MethodDelete, "/api/sessions/elsewhere", nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	sess, err := tg.store.GetSession(t.Context(), "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusArchived, sess.Status)

	rec = tg.do(t, http.MethodDelete, "/api/sessions/never-existed", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RequiresAuth(t *testing.T) {
	tg := newTestGateway(t, agenttest.NewDriver(), testSecret)
	token, err := tg.gw.auth.Verifier().Generate("alice", time.Hour)
	require.NoError(t, err)

	rec := tg.do(t, http.MethodGet, "/api/sessions", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tg.do(t, http.MethodGet, "/api/sessions", nil, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tg.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{Message: "hello"}, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[CreateSessionResponse](t, rec)

	sess, err := tg.store.GetSession(t.Context(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.CreatedBy)
}
