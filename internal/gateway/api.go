// ABOUTME: REST handlers for creating, listing, inspecting and closing sessions
// ABOUTME: Every /api route runs behind the bearer-or-cookie auth middleware

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/auth"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/session"
	"github.com/2389/coven-sessions/internal/store"
)

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	Message        string `json:"message"`
	WorkingDir     string `json:"working_dir,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// CreateSessionResponse is the JSON response for POST /api/sessions.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Local     bool   `json:"local"`
}

// SessionResponse describes one stored session.
type SessionResponse struct {
	ID             string  `json:"id"`
	WorkingDir     string  `json:"working_dir,omitempty"`
	Model          string  `json:"model,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
	Owner          string  `json:"owner,omitempty"`
	CreatedBy      string  `json:"created_by,omitempty"`
	Status         string  `json:"status"`
	Active         bool    `json:"active"`
	Streaming      bool    `json:"streaming"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	ArchivedAt     *string `json:"archived_at,omitempty"`
}

// UsageResponse is one usage ledger row.
type UsageResponse struct {
	ResultSeq        int64   `json:"result_seq"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMS       int64   `json:"duration_ms"`
	CreatedAt        string  `json:"created_at"`
}

// UsageTotalsResponse sums a session's usage ledger.
type UsageTotalsResponse struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Turns            int64   `json:"turns"`
}

// SessionUsageResponse is the JSON response for GET /api/sessions/{id}/usage.
type SessionUsageResponse struct {
	SessionID string              `json:"session_id"`
	Records   []UsageResponse     `json:"records"`
	Totals    UsageTotalsResponse `json:"totals"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(g.auth)
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}
	route("POST /api/sessions", g.handleCreateSession)
	route("GET /api/sessions", g.handleListSessions)
	route("GET /api/sessions/{id}", g.handleGetSession)
	route("GET /api/sessions/{id}/events", g.handleSessionEvents)
	route("GET /api/sessions/{id}/usage", g.handleSessionUsage)
	route("DELETE /api/sessions/{id}", g.handleCloseSession)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// handleCreateSession handles POST /api/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := g.sessions.CreateOrResume(r.Context(), session.CreateRequest{
		SessionID:      req.SessionID,
		Message:        req.Message,
		Sender:         auth.MustFromContext(r.Context()).PrincipalID,
		WorkingDir:     req.WorkingDir,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	})
	switch {
	case errors.Is(err, agent.ErrSpawnFailed):
		g.logger.Error("failed to start session", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "assistant could not be started")
		return
	case err != nil:
		g.logger.Error("failed to create session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusAccepted
	if res.Spawned && req.SessionID == "" {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, CreateSessionResponse{SessionID: res.SessionID, Local: res.Local})
}

// handleListSessions handles GET /api/sessions?archived=true&limit=N.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{IncludeArchived: r.URL.Query().Get("archived") == "true"}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	sessions, err := g.store.ListSessions(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = g.sessionResponse(s)
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := g.loadSession(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessionResponse(s))
}

// handleSessionEvents handles GET /api/sessions/{id}/events?after=N.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.loadSession(w, r); !ok {
		return
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	events, err := g.store.GetEventsSince(r.Context(), r.PathValue("id"), after)
	if err != nil {
		g.logger.Error("failed to load events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []event.ChatEvent{}
	}
	g.sendJSON(w, http.StatusOK, events)
}

// handleSessionUsage handles GET /api/sessions/{id}/usage.
func (g *Gateway) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	s, ok := g.loadSession(w, r)
	if !ok {
		return
	}

	records, err := g.store.GetSessionUsage(r.Context(), s.ID)
	if err != nil {
		g.logger.Error("failed to load usage", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	totals, err := g.store.GetUsageStats(r.Context(), store.UsageFilter{SessionID: &s.ID})
	if err != nil {
		g.logger.Error("failed to load usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := SessionUsageResponse{
		SessionID: s.ID,
		Records:   make([]UsageResponse, len(records)),
		Totals: UsageTotalsResponse{
			InputTokens:      totals.TotalInput,
			OutputTokens:     totals.TotalOutput,
			CacheReadTokens:  totals.TotalCacheRead,
			CacheWriteTokens: totals.TotalCacheWrite,
			TotalTokens:      totals.TotalTokens,
			CostUSD:          totals.TotalCostUSD,
			Turns:            totals.TurnCount,
		},
	}
	for i, u := range records {
		resp.Records[i] = UsageResponse{
			ResultSeq:        u.ResultSeq,
			InputTokens:      u.InputTokens,
			OutputTokens:     u.OutputTokens,
			CacheReadTokens:  u.CacheReadTokens,
			CacheWriteTokens: u.CacheWriteTokens,
			CostUSD:          u.CostUSD,
			DurationMS:       u.DurationMS,
			CreatedAt:        u.CreatedAt.Format(time.RFC3339),
		}
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleCloseSession handles DELETE /api/sessions/{id}. A session running
// elsewhere is archived in the store; its owner stops it on the idle sweep.
func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s, ok := g.loadSession(w, r)
	if !ok {
		return
	}

	err := g.sessions.Close(r.Context(), s.ID)
	if errors.Is(err, session.ErrSessionNotFound) {
		err = g.store.ArchiveSession(r.Context(), s.ID)
	}
	if err != nil {
		g.logger.Error("failed to close session", "session_id", s.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadSession fetches the {id} session, writing a 404 or 500 when it cannot.
func (g *Gateway) loadSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	s, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to get session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return s, true
}

func (g *Gateway) sessionResponse(s *store.Session) SessionResponse {
	resp := SessionResponse{
		ID:             s.ID,
		WorkingDir:     s.WorkingDir,
		Model:          s.Model,
		PermissionMode: s.PermissionMode,
		Owner:          s.Owner,
		CreatedBy:      s.CreatedBy,
		Status:         string(s.Status),
		Active:         g.sessions.IsSessionActive(s.ID),
		Streaming:      g.sessions.IsStreaming(s.ID),
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      s.UpdatedAt.Format(time.RFC3339),
	}
	if s.ArchivedAt != nil {
		ts := s.ArchivedAt.Format(time.RFC3339)
		resp.ArchivedAt = &ts
	}
	return resp
}
