// Package httpapi implements the HTTP Control Plane (spec component X1):
// health/status endpoints, the mapping/room lookups, the new-agent and
// agent-response webhooks, and the advisory conversation-pin endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/ruriko-bridge/common/version"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/dedupe"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

// MappingStore is the subset of *store.Store the control plane reads/writes.
type MappingStore interface {
	ListActive(ctx context.Context) ([]*store.AgentMapping, error)
	ListMappingSummaries(ctx context.Context) ([]*store.MappingSummary, error)
	GetByAgentID(ctx context.Context, agentID string) (*store.AgentMapping, error)
	SetConversation(ctx context.Context, b *store.ConversationBinding) error
}

// ReconcileTrigger is a non-blocking request for an out-of-band reconcile
// pass. It is the same channel the Reconciler's Run loop already selects
// on alongside its ticker, so a webhook-triggered pass is serialized with
// the periodic ones rather than calling Reconcile concurrently from a
// second goroutine (spec M2: "Reconcile cycles: serialized").
type ReconcileTrigger chan<- struct{}

// trigger sends a non-blocking signal; a pass already queued absorbs it.
func (t ReconcileTrigger) trigger() {
	select {
	case t <- struct{}{}:
	default:
	}
}

// Config configures the Server.
type Config struct {
	Addr string
	// WebhookSecret validates POST /webhook/new-agent's X-Signature header.
	WebhookSecret string
	// RequireSignature rejects unsigned webhook calls. Spec: required in
	// production, optional in development.
	RequireSignature bool
	// ConversationPinTTL is the lifetime recorded for an advisory
	// conversation pin from POST /conversations/register. The Router does
	// not consult pins. Defaults to 300s.
	ConversationPinTTL time.Duration
	// WebhookRateLimit caps deliveries per remote address per minute on the
	// two webhook endpoints. Defaults to DefaultWebhookRateLimit (60).
	WebhookRateLimit int
}

// Server is the X1 HTTP Control Plane, modeled on the teacher's
// app.HealthServer: a ServeMux wrapped for easy httptest use, with
// Start/Stop driving a graceful-shutdown *http.Server.
type Server struct {
	cfg       Config
	store     MappingStore
	reconcile ReconcileTrigger
	responses *dedupe.Store // reused as the idempotent audit sink keyed by event id
	pins      *pinTracker
	webhookRL *rateLimiter
	startedAt time.Time
	mux       *http.ServeMux
	server    *http.Server
}

// New constructs a Server. responses backs the idempotent
// /webhooks/agent-response sink; it is typically the same dedupe.Store the
// Ingestor uses, since both need "have I seen this id before" semantics —
// webhook ids are namespaced so they never collide with Matrix event ids.
// reconcile is the Reconciler's own trigger channel (see Reconciler.Run).
func New(cfg Config, st MappingStore, reconcile ReconcileTrigger, responses *dedupe.Store) *Server {
	if cfg.ConversationPinTTL <= 0 {
		cfg.ConversationPinTTL = 300 * time.Second
	}
	if cfg.WebhookRateLimit <= 0 {
		cfg.WebhookRateLimit = DefaultWebhookRateLimit
	}
	s := &Server{
		cfg:       cfg,
		store:     st,
		reconcile: reconcile,
		responses: responses,
		pins:      newPinTracker(cfg.ConversationPinTTL),
		webhookRL: newRateLimiter(cfg.WebhookRateLimit, time.Minute),
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/provisioning", s.handleProvisioningHealth)
	s.mux.HandleFunc("GET /agents/mappings", s.handleListMappings)
	s.mux.HandleFunc("GET /agents/{id}/room", s.handleAgentRoom)
	s.mux.HandleFunc("POST /webhook/new-agent", s.handleWebhookNewAgent)
	s.mux.HandleFunc("POST /webhooks/agent-response", s.handleWebhookAgentResponse)
	s.mux.HandleFunc("POST /conversations/register", s.handleRegisterConversation)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler so the server is testable with
// httptest.NewRecorder without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background, blocking until the listener is
// established, and shuts the server down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http control plane listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http control plane stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http control plane shutdown error", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: failed to encode JSON response", "err", err)
	}
}

// handleHealth is liveness-only: no store/dependency checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}
