// ABOUTME: Gateway wires the store, session manager, bridge and HTTP server together
// ABOUTME: Run supervises the HTTP listener, bridge subscriber and idle sweeper with an errgroup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-sessions/internal/agent"
	"github.com/2389/coven-sessions/internal/auth"
	"github.com/2389/coven-sessions/internal/bridge"
	"github.com/2389/coven-sessions/internal/bus"
	"github.com/2389/coven-sessions/internal/config"
	"github.com/2389/coven-sessions/internal/dedupe"
	"github.com/2389/coven-sessions/internal/event"
	"github.com/2389/coven-sessions/internal/session"
	"github.com/2389/coven-sessions/internal/store"
)

// Gateway is one coven-sessions instance.
type Gateway struct {
	config     *config.Config
	store      store.Store
	sessions   *session.Manager
	auth       *auth.Authenticator
	transport  bridge.Transport
	global     *bus.Broadcast[event.Envelope]
	dedupe     *dedupe.Cache
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     *slog.Logger

	// ready is closed once the HTTP listener is accepting.
	ready chan struct{}
	addr  string

	shutdownOnce sync.Once
	shutdownErr  error
}

// Deps lets callers supply collaborators instead of building them from config.
// Nil fields are built from config.
type Deps struct {
	Store     store.Store
	Driver    agent.Driver
	Transport bridge.Transport
}

// initStore opens the SQLite store, honoring COVEN_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initTransport connects to NATS when the bridge is enabled, otherwise uses
// a private in-memory network so the instance runs standalone.
func initTransport(cfg *config.Config, logger *slog.Logger) bridge.Transport {
	if !cfg.Bridge.Enabled {
		logger.Info("bridge disabled, running single-instance")
		return bridge.NewMemoryNetwork().Connect()
	}
	t, err := bridge.DialNATS(cfg.Bridge.URL, "coven-sessions-"+cfg.Server.InstanceID, logger)
	if err != nil {
		logger.Warn("bridge unavailable, running local-only", "url", cfg.Bridge.URL, "error", err)
		return bridge.NewMemoryNetwork().Connect()
	}
	logger.Info("bridge connected", "url", cfg.Bridge.URL, "subject_prefix", cfg.Bridge.SubjectPrefix)
	return t
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(cfg, Deps{}, logger)
}

// NewWithDeps creates a Gateway, building any missing dependency from cfg.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	s := deps.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.CookieName)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating authenticator: %w", err)
	}
	if !authenticator.Enabled() {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	driver := deps.Driver
	if driver == nil {
		driver = &agent.CLIDriver{
			Command: cfg.Sessions.Command,
			Args:    cfg.Sessions.Args,
			Logger:  logger,
		}
	}

	transport := deps.Transport
	if transport == nil {
		transport = initTransport(cfg, logger)
	}

	global := bus.New[event.Envelope](cfg.Sessions.BroadcastCapacity)
	br := bridge.New(transport, global, bridge.Options{
		InstanceID:     cfg.Server.InstanceID,
		SubjectPrefix:  cfg.Bridge.SubjectPrefix,
		RequestTimeout: cfg.Bridge.RequestTimeout,
	}, logger)
	dedupeCache := dedupe.New(5*time.Minute, 100_000)

	mgr := session.NewManager(session.Deps{
		Store:  s,
		Driver: driver,
		Bridge: br,
		Global: global,
		Dedupe: dedupeCache,
	}, session.Options{
		InstanceID:            cfg.Server.InstanceID,
		DefaultModel:          cfg.Sessions.DefaultModel,
		DefaultPermissionMode: cfg.Sessions.DefaultPermissionMode,
		IdleTimeout:           cfg.Sessions.IdleTimeout,
		SweepInterval:         cfg.Sessions.SweepInterval,
		BroadcastCapacity:     cfg.Sessions.BroadcastCapacity,
		MaxConcurrentSpawns:   cfg.Sessions.MaxConcurrentSpawns,
	}, logger)

	gw := &Gateway{
		config:    cfg,
		store:     s,
		sessions:  mgr,
		auth:      authenticator,
		transport: transport,
		global:    global,
		dedupe:    dedupeCache,
		logger:    logger.With("component", "gateway", "instance", cfg.Server.InstanceID),
		ready:     make(chan struct{}),
	}
	gw.upgrader = gw.newUpgrader()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// The socket authenticates itself so it can answer with auth_error frames
	mux.HandleFunc("GET /ws/sessions/{id}", g.handleSessionSocket)

	g.registerAPIRoutes(mux)
	return mux
}

// Sessions returns the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Addr blocks until Run is listening and returns the bound address.
func (g *Gateway) Addr() string {
	<-g.ready
	return g.addr
}

// Run serves until ctx is canceled or a component fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	g.addr = ln.Addr().String()
	close(g.ready)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", g.addr)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return g.sessions.Bridge().Run(gctx)
	})
	group.Go(func() error {
		g.sessions.RunSweeper(gctx)
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return group.Wait()
}

// gracefulShutdown runs Shutdown on a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and every session, then releases resources.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.sessions.Shutdown()
		g.global.Close()
		errs = appendCloseError(errs, "bridge close", g.transport.Close())
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.dedupe.Close()

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListSessions(r.Context(), store.SessionFilter{Limit: 1}); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active sessions)", len(g.sessions.ActiveSessions()))
}
