// Package api exposes the HTTP submission surface: the two form
// endpoints the website posts to, plus health and metrics for
// operators. Everything else the original site serves (static files,
// SPA routing) lives outside this service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/solistra/mailroom/internal/mailer"
	"github.com/solistra/mailroom/internal/metrics"
	"github.com/solistra/mailroom/internal/queue"
)

// Submitter accepts validated form submissions.
type Submitter interface {
	Submit(ctx context.Context, p mailer.Payload) (mailer.Ack, error)
}

// QueueInspector exposes the retry queue to the health endpoint.
type QueueInspector interface {
	Len() int
	Items() []queue.Item
}

// HealthReader exposes transport readiness to the health endpoint.
type HealthReader interface {
	Ready() bool
	LastCheckedAt() time.Time
}

// Config holds API server settings.
type Config struct {
	ListenAddr string
}

// Server is the HTTP front of the mail pipeline.
type Server struct {
	cfg        Config
	submitter  Submitter
	retryQueue QueueInspector
	health     HealthReader
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the routes. retryQueue and health may be nil when
// the service runs in degraded (email disabled) mode.
func NewServer(cfg Config, submitter Submitter, retryQueue QueueInspector, health HealthReader) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	s := &Server{
		cfg:        cfg,
		submitter:  submitter,
		retryQueue: retryQueue,
		health:     health,
		logger:     slog.Default().With("component", "api"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/contact", s.handleSubmission(mailer.TypeContact)).Methods(http.MethodPost)
	router.HandleFunc("/api/brochure", s.handleSubmission(mailer.TypeBrochure)).Methods(http.MethodPost)
	router.HandleFunc("/api/queue", s.handleQueue).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the route tree, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("API server listening", "addr", s.cfg.ListenAddr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
