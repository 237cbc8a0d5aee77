// Package gateway is the coordinator's HTTP edge: webhook ingress, the
// fly agent callback, a small admin API over executions and budget, and
// a live event feed over WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/config"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/store"
)

// Store is the slice of the persistence layer the gateway reads. The
// gateway never writes; mutations flow through the bus.
type Store interface {
	Ping(ctx context.Context) error
	GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error)
	ListExecutions(ctx context.Context, status store.ExecutionStatus, issueID string, limit int) ([]*store.Execution, error)
	TotalBudgetUsage(ctx context.Context, since time.Time) (*store.BudgetUsage, error)
	CountActiveExecutions(ctx context.Context) (int, error)
	PendingNudgeCount(ctx context.Context) (int, error)
	PendingWebhookCount(ctx context.Context) (int, error)
}

// Server is the gateway HTTP server. Safe for concurrent use.
type Server struct {
	cfg      *config.Config
	store    Store
	bus      *bus.Bus
	webhook  http.Handler
	sessions *SessionManager
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger
	mu       sync.RWMutex
	running  bool
}

// NewServer creates a gateway bound to the configured host and port.
// The server is not started until Start is called.
func NewServer(cfg *config.Config, st Store, b *bus.Bus, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		bus:      b,
		sessions: NewSessionManager(),
		logger:   logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// No origin: same-origin requests and CLI tools.
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithWebhookHandler mounts the tracker webhook ingress at
// /webhooks/github. Without it the route is absent and deliveries get
// a 404.
func WithWebhookHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.webhook = h
	}
}

// routes builds the request mux. Split out so tests can exercise the
// routing table without binding a port.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	if s.webhook != nil {
		mux.Handle("/webhooks/github", s.webhook)
	}

	mux.HandleFunc("/api/agent-status", s.handleAgentStatus)
	mux.HandleFunc("/api/executions", s.handleExecutions)
	mux.HandleFunc("/api/executions/", s.handleExecutionByID)
	mux.HandleFunc("/api/nudge", s.handleNudge)
	mux.HandleFunc("/api/budget", s.handleBudget)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	if s.cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Start serves until the context is cancelled or the listener fails.
// It also attaches the event feed to the bus so /ws/events clients see
// everything that flows through it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	s.running = true
	s.mu.Unlock()

	s.bus.SubscribeAll(s.broadcastEvent)

	addr := s.cfg.Addr()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("gateway starting", "addr", addr, "metrics", s.cfg.MetricsEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests with a 30-second grace period and
// disconnects all event feed clients.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.sessions.CloseAll()
	err := s.server.Shutdown(ctx)
	s.logger.Info("gateway stopped")
	return err
}

// handleHealth reports liveness plus a component snapshot. The database
// check is the gate: a gateway that cannot reach Postgres is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{
		"status":      "healthy",
		"database":    "ok",
		"bus_depth":   s.bus.Depth(),
		"ws_sessions": s.sessions.Count(),
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check database ping failed", "error", err)
		body["status"] = "degraded"
		body["database"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	// Queue depths ride along for operators; a count failure degrades
	// the report, not the status.
	for name, count := range map[string]func(context.Context) (int, error){
		"active_executions": s.store.CountActiveExecutions,
		"pending_nudges":    s.store.PendingNudgeCount,
		"pending_webhooks":  s.store.PendingWebhookCount,
	} {
		n, err := count(ctx)
		if err != nil {
			s.logger.Warn("health check counter failed", "counter", name, "error", err)
			continue
		}
		body[name] = n
	}
	writeJSON(w, http.StatusOK, body)
}
