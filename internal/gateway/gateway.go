// ABOUTME: Gateway orchestrator wiring store, rooms, router, and HTTP server
// ABOUTME: Manages TCP or Tailscale listeners and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/huddlehq/huddle/internal/auth"
	"github.com/huddlehq/huddle/internal/chat"
	"github.com/huddlehq/huddle/internal/config"
	"github.com/huddlehq/huddle/internal/dedupe"
	"github.com/huddlehq/huddle/internal/integrations"
	"github.com/huddlehq/huddle/internal/room"
	"github.com/huddlehq/huddle/internal/router"
	"github.com/huddlehq/huddle/internal/state"
	"github.com/huddlehq/huddle/internal/store"
	"github.com/huddlehq/huddle/internal/transport"
	"github.com/huddlehq/huddle/internal/webhook"
)

// Gateway orchestrates the huddle-gateway server components: the document
// store, the room registry and fan-out, the event router, and the HTTP
// server carrying the websocket endpoint and the REST surface.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *room.Registry
	fanout       room.Fanout
	router       *router.Router
	integrations integrations.Service
	webhooks     webhook.Parser
	deliveries   *dedupe.Cache
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// initStore creates a store based on config and environment
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HUDDLE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := room.NewRegistry(logger)
	fanout := room.NewLocalFanout(registry, logger)
	machine := state.New(s, fanout, logger)
	assembler := chat.NewAssembler(s, s, logger)
	rt := router.New(s, machine, assembler, fanout, cfg.Rooms.Dispatch, logger)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		registry:   registry,
		fanout:     fanout,
		router:     rt,
		webhooks:   webhook.NewRegexParser(),
		deliveries: dedupe.New(5*time.Minute, 10_000),
		logger:     logger.With("component", "gateway"),
	}

	if cfg.Integrations.Enabled {
		gw.integrations = integrations.NewClient(
			cfg.Integrations.BaseURL,
			cfg.Integrations.Token,
			cfg.Integrations.Timeout,
		)
		logger.Info("data integrations enabled", "base_url", cfg.Integrations.BaseURL)
	}

	resolver := auth.NewJWTResolver([]byte(cfg.Auth.JWTSecret))
	authMiddleware := auth.Middleware(resolver, logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	wsServer := transport.NewServer(rt, registry, logger)
	mux.Handle("/ws", authMiddleware(wsServer))

	gw.registerAPIRoutes(mux, authMiddleware)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates a listener based on configuration (Tailscale or TCP)
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupTailscaleListener joins the tailnet and listens there instead of on a
// local TCP address
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
		}
		stateDir = filepath.Join(homeDir, ".local", "share", "huddle-gateway", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", stateDir,
		"ephemeral", tsCfg.Ephemeral)

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// Shutdown gracefully stops the gateway and releases resources
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	g.deliveries.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the document store answers queries.
// A not-found read on a synthetic id proves the database is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	_, err := g.store.GetSession(r.Context(), store.NewID())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
