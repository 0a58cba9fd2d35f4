// Package server exposes the HTTP API: conversation management, message
// turns with optional SSE token streaming, cooperative cancellation, tool
// stage polling, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"valet/internal/agent"
	"valet/internal/observability"
	"valet/internal/ratelimit"
	"valet/pkg/models"
)

// Orchestrator runs conversation turns. Implemented by agent.Agent.
type Orchestrator interface {
	Respond(ctx context.Context, req agent.TurnRequest) (string, error)
	RespondStreaming(ctx context.Context, req agent.TurnRequest) (string, error)
	MaybeUpdateTitle(ctx context.Context, conversationID int64, forceFirst bool, branchID int64) (string, error)
}

// Store is the slice of persistence the HTTP layer needs.
type Store interface {
	CreateConversation(title string) (int64, error)
	GetConversation(id int64) (*models.Conversation, error)
	ListConversations() ([]*models.Conversation, error)
	ActiveBranch(conversationID int64) (int64, error)
	AddMessage(conversationID int64, role models.Role, content string, branchID int64) (int64, error)
	AppendMessageContent(messageID int64, delta string) error
	UpdateMessageContent(messageID int64, content string) error
	MessagesForBranch(conversationID, branchID int64, limit int) ([]*models.Message, error)
}

// Server serves the conversation API.
type Server struct {
	store        Store
	orchestrator Orchestrator
	sessions     *sessionManager
	logger       *slog.Logger
	metrics      *observability.Metrics
	gatherer     prometheus.Gatherer
	limiter      *ratelimit.Limiter

	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics attaches request and stream instrumentation.
func WithMetrics(m *observability.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithGatherer sets the registry served at /metrics. Defaults to the
// global Prometheus gatherer.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithRateLimit throttles message turns per conversation.
func WithRateLimit(l *ratelimit.Limiter) Option { return func(s *Server) { s.limiter = l } }

// New builds a Server around a store and an orchestrator.
func New(store Store, orchestrator Orchestrator, opts ...Option) *Server {
	s := &Server{
		store:        store,
		orchestrator: orchestrator,
		sessions:     newSessionManager(),
		logger:       slog.Default(),
		gatherer:     prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed and instrumented handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/conversations/{id}/tools", s.handleToolStatus)

	return s.instrument(mux)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// instrument records request duration and status per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

// statusRecorder captures the response status while keeping Flush
// available for SSE responses.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
