// Package server exposes the orchestrator over HTTP: a JSON API, a
// server-sent event stream per started task and the desktop panel socket.
package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sevir/cadence/internal/orchestrator"
	"github.com/sevir/cadence/internal/question"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Orchestrator   *orchestrator.Orchestrator
	Version        string
	Commit         string
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// History serves past questions of a task. Nil disables the route.
	History QuestionHistory
	Logger  *zap.Logger
}

// QuestionHistory lists the questions a task asked.
type QuestionHistory interface {
	ListByTask(ctx context.Context, taskID string) ([]question.Record, error)
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	addr         string
	version      string
	commit       string
	origins      []string
	gatherer     prometheus.Gatherer
	history      QuestionHistory
	logger       *zap.Logger
	httpServer   *http.Server

	// panels stops open panel sockets on shutdown.
	panels   context.Context
	stopPans context.CancelFunc

	uiOnce   sync.Once
	uiTpl    *template.Template
	uiTplErr error
}

// New creates a new server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	panels, stop := context.WithCancel(context.Background())
	s := &Server{
		orchestrator: cfg.Orchestrator,
		addr:         cfg.Addr,
		version:      cfg.Version,
		commit:       cfg.Commit,
		origins:      cfg.AllowedOrigins,
		gatherer:     gatherer,
		history:      cfg.History,
		logger:       logger.With(zap.String("component", "server")),
		panels:       panels,
		stopPans:     stop,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.newGinEngine(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // No timeout for SSE
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes panel sockets and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopPans()
	return s.httpServer.Shutdown(ctx)
}
