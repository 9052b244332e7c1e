// ABOUTME: Session WebSocket: authenticate, replay history, join the in-flight turn, then stream live events
// ABOUTME: One goroutine owns every write; a reader goroutine feeds client frames into its select loop

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-sessions/internal/auth"
	"github.com/2389/coven-sessions/internal/bus"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/session"
	"github.com/2389/coven-sessions/internal/store"
)

const (
	// Maximum frame size accepted from a client.
	maxFrameSize = 1 << 20

	closeGrace = time.Second
)

// frameWriter is the write half of a WebSocket.
type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
}

// writeFrame serializes a ChatEvent, replay wrapper or control frame and writes it
// within timeout.
func writeFrame(w frameWriter, frame any, timeout time.Duration) error {
	var (
		data []byte
		err  error
	)
	switch f := frame.(type) {
	case event.ChatEvent:
		data, err = event.EncodeEvent(f, false)
	case replayFrame:
		data, err = event.EncodeEvent(f.ev, true)
	case event.ControlFrame:
		data, err = event.EncodeControl(f)
	default:
		return fmt.Errorf("unsupported frame type %T", frame)
	}
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := w.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return w.WriteMessage(websocket.TextMessage, data)
}

// replayFrame marks an event sent during replay or snapshot join.
type replayFrame struct {
	ev event.ChatEvent
}

func (g *Gateway) newUpgrader() websocket.Upgrader {
	allowed := g.config.WebSocket.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// handleSessionSocket handles GET /ws/sessions/{id}?last_event=N.
func (g *Gateway) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	var lastEvent int64
	if raw := r.URL.Query().Get("last_event"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "last_event must be a non-negative integer")
			return
		}
		lastEvent = n
	}

	logger := g.logger.With("session_id", sessionID, "remote", r.RemoteAddr)

	cookie := g.auth.AuthenticateFromCookie(r)
	if cookie.Status == auth.CookieInvalid {
		logger.Info("rejecting socket with invalid cookie", "error", cookie.Err)
		g.sendJSONError(w, http.StatusUnauthorized, "invalid session cookie")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	c := &chatConn{
		gw:        g,
		ws:        ws,
		sessionID: sessionID,
		filter:    newJoinFilter(lastEvent),
		lastEvent: lastEvent,
		logger:    logger,
		timeout:   g.config.WebSocket.WriteTimeout,
	}
	defer c.close()

	identity := cookie.Identity
	if cookie.Status == auth.CookieMissing {
		identity, err = c.awaitAuthFrame(g.config.Auth.FirstMessageTimeout)
		if err != nil {
			logger.Info("socket authentication failed", "error", err)
			_ = c.send(event.ControlFrame{Type: event.FrameAuthError, Message: authErrorMessage(err)})
			return
		}
	}
	c.identity = identity
	if err := c.send(event.ControlFrame{Type: event.FrameAuthOK, SessionID: sessionID}); err != nil {
		return
	}

	logger.Info("socket connected", "principal", identity.PrincipalID, "method", identity.Method, "last_event", lastEvent)
	c.serve(r.Context())
	logger.Info("socket disconnected")
}

func authErrorMessage(err error) string {
	if errors.Is(err, auth.ErrAuthTimeout) {
		return "authentication timed out"
	}
	return "authentication failed"
}

// chatConn is one client socket watching one session.
type chatConn struct {
	gw        *Gateway
	ws        *websocket.Conn
	sessionID string
	identity  *auth.AuthContext
	filter    *joinFilter
	lastEvent int64
	logger    *slog.Logger
	timeout   time.Duration

	// Exactly one of local and remote is set once joined.
	local  *bus.Receiver[event.ChatEvent]
	remote *bus.Receiver[event.Envelope]
}

func (c *chatConn) send(frame any) error {
	return writeFrame(c.ws, frame, c.timeout)
}

func (c *chatConn) close() {
	if c.local != nil {
		c.local.Close()
	}
	if c.remote != nil {
		c.remote.Close()
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
	_ = c.ws.Close()
}

// awaitAuthFrame reads the first frame, which must be {type:"auth",token}.
func (c *chatConn) awaitAuthFrame(timeout time.Duration) (*auth.AuthContext, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, auth.ErrAuthTimeout
		}
		return nil, fmt.Errorf("reading auth frame: %w", err)
	}
	if err := c.ws.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return c.gw.auth.AuthenticateFrame(data)
}

// serve runs the join sequence and then the streaming loop until the client
// leaves, the session closes, or ctx ends.
func (c *chatConn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan []byte)
	go c.readLoop(ctx, inbound)

	if err := c.join(ctx); err != nil {
		c.logger.Warn("join failed", "error", err)
		return
	}
	c.stream(ctx, inbound)
}

// readLoop forwards client frames until the socket fails.
func (c *chatConn) readLoop(ctx context.Context, inbound chan<- []byte) {
	defer close(inbound)

	pongWait := 2 * c.gw.config.WebSocket.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("socket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

// join subscribes first, then replays history and the in-flight turn.
func (c *chatConn) join(ctx context.Context) error {
	mgr := c.gw.sessions

	// The snapshot is taken before replay so the log covers every
	// persisted event it reports. Replay stops at the snapshot's seq; later
	// events are already queued on the receiver and arrive in order after
	// replay_complete.
	var snap *event.Snapshot
	if recv, s, err := mgr.Join(c.sessionID); err == nil {
		c.local, snap = recv, s
	} else {
		c.remote = mgr.Global().Subscribe()
		if s, err := mgr.RemoteSnapshot(ctx, c.sessionID); err == nil {
			snap = s
		} else {
			c.logger.Debug("no remote snapshot", "error", err)
		}
	}

	replayed, err := c.replay(ctx, snap)
	if err != nil {
		return err
	}

	if snap != nil {
		for _, ev := range snap.Events {
			if !c.filter.admitSnapshot(ev) {
				continue
			}
			if err := c.send(replayFrame{ev: ev}); err != nil {
				return err
			}
		}
		if snap.PartialText != "" {
			if err := c.send(event.ControlFrame{Type: event.FramePartialText, Content: snap.PartialText, Replaying: true}); err != nil {
				return err
			}
		}
		if snap.IsStreaming {
			if err := c.send(replayFrame{ev: event.StreamingStatus(true)}); err != nil {
				return err
			}
		}
	}

	c.logger.Debug("join complete", "replayed", replayed, "watermark", c.filter.watermark, "local", c.local != nil)
	return c.send(event.ControlFrame{Type: event.FrameReplayComplete})
}

// replay sends persisted events after last_event, up to the snapshot's seq
// when there is one, falling back to legacy history for a fresh client of a
// session with no event log.
func (c *chatConn) replay(ctx context.Context, snap *event.Snapshot) (int, error) {
	events, err := c.gw.store.GetEventsSince(ctx, c.sessionID, c.lastEvent)
	if err != nil {
		return 0, fmt.Errorf("loading events: %w", err)
	}

	if len(events) == 0 && c.lastEvent == 0 {
		msgs, err := c.gw.store.GetSessionMessages(ctx, c.sessionID)
		if err != nil {
			return 0, fmt.Errorf("loading legacy messages: %w", err)
		}
		for _, m := range msgs {
			if err := c.send(replayFrame{ev: legacyEvent(m)}); err != nil {
				return 0, err
			}
		}
		return len(msgs), nil
	}

	sent := 0
	for _, ev := range events {
		if snap != nil && ev.Seq > snap.Seq {
			break
		}
		if err := c.send(replayFrame{ev: ev}); err != nil {
			return 0, err
		}
		c.filter.replayed(ev)
		sent++
	}
	return sent, nil
}

// legacyEvent converts a pre-event-log history row. Legacy rows carry no seq.
func legacyEvent(m *store.Message) event.ChatEvent {
	ev := event.ChatEvent{Content: m.Content, Timestamp: m.CreatedAt}
	switch {
	case m.Type == store.MessageTypeToolUse:
		ev.Kind, ev.ID, ev.ToolName = event.KindToolUse, m.ToolID, m.ToolName
		ev.Content = ""
		if m.Content != "" {
			ev.Input = []byte(m.Content)
		}
	case m.Type == store.MessageTypeToolResult:
		ev.Kind, ev.ID = event.KindToolResult, m.ToolID
	case m.Role == store.RoleUser:
		ev.Kind = event.KindUserMessage
	default:
		ev.Kind = event.KindAssistantText
	}
	return ev
}

// stream is the single writer loop. Local session events are drained first.
func (c *chatConn) stream(ctx context.Context, inbound <-chan []byte) {
	ping := time.NewTicker(c.gw.config.WebSocket.PingInterval)
	defer ping.Stop()

	for {
		if c.local != nil {
			select {
			case d, ok := <-c.local.C():
				if !c.onLocal(d, ok) {
					return
				}
				continue
			default:
			}
		}

		select {
		case d, ok := <-c.localC():
			if !c.onLocal(d, ok) {
				return
			}
		case d, ok := <-c.remoteC():
			if !c.onRemote(ctx, d, ok) {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		case data, ok := <-inbound:
			if !ok {
				return
			}
			if !c.onFrame(ctx, data) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *chatConn) localC() <-chan bus.Delivery[event.ChatEvent] {
	if c.local == nil {
		return nil
	}
	return c.local.C()
}

func (c *chatConn) remoteC() <-chan bus.Delivery[event.Envelope] {
	if c.remote == nil {
		return nil
	}
	return c.remote.C()
}

func (c *chatConn) onLocal(d bus.Delivery[event.ChatEvent], ok bool) bool {
	if !ok {
		_ = c.send(event.ControlFrame{Type: event.FrameSessionClosed, SessionID: c.sessionID})
		return false
	}
	if d.Lagged > 0 {
		return c.lagged(d.Lagged)
	}
	return c.forward(d.Value)
}

func (c *chatConn) onRemote(ctx context.Context, d bus.Delivery[event.Envelope], ok bool) bool {
	if !ok {
		_ = c.send(event.ControlFrame{Type: event.FrameSessionClosed, SessionID: c.sessionID})
		return false
	}
	if d.Lagged > 0 {
		return c.lagged(d.Lagged)
	}
	env := d.Value
	if env.SessionID != c.sessionID {
		return true
	}
	if !c.forward(env.Event) {
		return false
	}
	// the session is now running on this instance
	if env.Origin == c.gw.sessions.InstanceID() {
		return c.switchToLocal(ctx)
	}
	return true
}

func (c *chatConn) lagged(skipped uint64) bool {
	c.logger.Warn("socket fell behind", "skipped", skipped)
	return c.send(event.ControlFrame{Type: event.FrameEventsLagged, Skipped: skipped}) == nil
}

func (c *chatConn) forward(ev event.ChatEvent) bool {
	if !c.filter.admitLive(ev) {
		return true
	}
	if err := c.send(ev); err != nil {
		c.logger.Debug("socket write failed", "error", err)
		return false
	}
	return true
}

// switchToLocal moves from the bridged feed to the local broadcast once this
// instance owns the session, catching up from the log on anything persisted
// in between.
func (c *chatConn) switchToLocal(ctx context.Context) bool {
	if c.local != nil {
		return true
	}
	recv, err := c.gw.sessions.Subscribe(c.sessionID)
	if err != nil {
		return true
	}
	c.remote.Close()
	c.remote = nil
	c.local = recv

	missed, err := c.gw.store.GetEventsSince(ctx, c.sessionID, c.filter.watermark)
	if err != nil {
		c.logger.Warn("catch-up after ownership change failed", "error", err)
		return true
	}
	for _, ev := range missed {
		if !c.forward(ev) {
			return false
		}
	}
	c.logger.Debug("switched to local session feed", "caught_up", len(missed))
	return true
}

// onFrame routes one client frame. Parse and command errors are reported
// back; only a failed write ends the connection.
func (c *chatConn) onFrame(ctx context.Context, data []byte) bool {
	cmd, err := event.ParseCommand(data)
	if err != nil {
		return c.sendError(err)
	}

	mgr := c.gw.sessions
	switch cmd.Kind {
	case event.CommandAuth:
		return true
	case event.CommandUserMessage:
		res, err := mgr.CreateOrResume(ctx, session.CreateRequest{
			SessionID: c.sessionID,
			Message:   cmd.Content,
			Sender:    c.identity.PrincipalID,
		})
		if err != nil {
			return c.sendError(err)
		}
		if res.Local {
			return c.switchToLocal(ctx)
		}
		return true
	case event.CommandInterrupt:
		err = mgr.Interrupt(ctx, c.sessionID)
	case event.CommandPermissionResponse:
		err = mgr.SendPermissionResponse(ctx, c.sessionID, cmd.RequestID, cmd.Allow)
	case event.CommandInputResponse:
		err = mgr.SendInputResponse(ctx, c.sessionID, cmd.RequestID, cmd.Content)
	case event.CommandSetPermissionMode:
		err = mgr.SetPermissionMode(ctx, c.sessionID, cmd.Mode)
	case event.CommandSetModel:
		err = mgr.SetModel(ctx, c.sessionID, cmd.Model)
	}
	if err != nil {
		return c.sendError(err)
	}
	return true
}

func (c *chatConn) sendError(err error) bool {
	c.logger.Debug("command failed", "error", err)
	return c.send(event.ControlFrame{Type: event.FrameError, Message: err.Error()}) == nil
}
