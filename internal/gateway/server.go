package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/owliabot/owlia/internal/config"
	"github.com/owliabot/owlia/internal/executor"
	"github.com/owliabot/owlia/internal/observability"
	"github.com/owliabot/owlia/internal/tools"
)

// Server is the device-facing HTTP surface: pairing, device admin, scoped
// tool and system commands, and event polling.
type Server struct {
	cfg      config.GatewayConfig
	store    *Store
	registry *tools.Registry
	executor *executor.Executor
	metrics  *observability.Metrics
	jwt      *JWTService
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
}

// ServerDeps carries the collaborators the server dispatches into.
type ServerDeps struct {
	Store    *Store
	Registry *tools.Registry
	Executor *executor.Executor
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

func NewServer(cfg config.GatewayConfig, deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		// Without a dedicated secret the admin token doubles as one; a JWT
		// forged without it would need the token anyway.
		jwtSecret = cfg.AdminToken
	}
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		executor:  deps.Executor,
		metrics:   deps.Metrics,
		jwt:       NewJWTService(jwtSecret, cfg.AdminTokenTTL),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// routes builds the full handler tree with per-route middleware. The chain
// order is logging, rate limit, idempotency, auth, then the handler's own
// scope checks.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	limits := s.cfg.RateLimits

	mux.Handle("POST /pair/request", chain(
		http.HandlerFunc(s.handlePairRequest),
		s.rateLimit("pair", limits.PairPerHour, time.Hour, keyByIP),
		s.idempotencyMiddleware,
	))

	mux.Handle("POST /admin/token", chain(
		http.HandlerFunc(s.handleAdminToken),
		s.adminAuth,
	))
	admin := map[string]http.HandlerFunc{
		"POST /admin/approve": s.handleAdminApprove,
		"POST /admin/revoke":  s.handleAdminRevoke,
		"POST /admin/scope":   s.handleAdminScope,
		"POST /admin/rotate":  s.handleAdminRotate,
		"POST /admin/keys":    s.handleAdminKeys,
	}
	for pattern, handler := range admin {
		mux.Handle(pattern, chain(handler, s.idempotencyMiddleware, s.adminAuth))
	}
	mux.Handle("GET /admin/devices", chain(
		http.HandlerFunc(s.handleAdminDevices),
		s.adminAuth,
	))

	mux.Handle("GET /events/poll", chain(
		http.HandlerFunc(s.handleEventsPoll),
		s.rateLimit("poll", limits.PollsPerMinute, time.Minute, keyByDevice),
		s.deviceAuth,
	))
	mux.Handle("POST /command/tool", chain(
		http.HandlerFunc(s.handleCommandTool),
		s.rateLimit("cmd", limits.CommandsPerMinute, time.Minute, keyByDevice),
		s.idempotencyMiddleware,
		s.deviceAuth,
	))
	mux.Handle("POST /command/system", chain(
		http.HandlerFunc(s.handleCommandSystem),
		s.rateLimit("cmd", limits.CommandsPerMinute, time.Minute, keyByDevice),
		s.idempotencyMiddleware,
		s.deviceAuth,
	))
	mux.Handle("POST /mcp", chain(
		http.HandlerFunc(s.handleMCP),
		s.rateLimit("cmd", limits.CommandsPerMinute, time.Minute, keyByDevice),
		s.deviceAuth,
	))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.loggingMiddleware(mux)
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "err", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests, honoring the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}
