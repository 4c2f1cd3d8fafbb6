// Package api serves generation sessions over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/jovia/internal/logger"
)

type Server struct {
	provider EngineProvider
	sessions *SessionRegistry
	gatherer prometheus.Gatherer
	log      logger.Logger
	clock    func() time.Time
}

type ServerOption func(*Server)

func WithLogger(log logger.Logger) ServerOption { return func(s *Server) { s.log = log } }

// WithGatherer selects the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption { return func(s *Server) { s.gatherer = g } }

func WithSessionRegistry(r *SessionRegistry) ServerOption {
	return func(s *Server) { s.sessions = r }
}

func NewServer(provider EngineProvider, opts ...ServerOption) *Server {
	s := &Server{
		provider: provider,
		gatherer: prometheus.DefaultGatherer,
		log:      logger.Discard(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewSessionRegistry()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.POST("/v1/chat/completions", s.handleChatCompletions)

	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.GET("/v1/sessions/:id/events", s.handleSessionEvents)
	e.POST("/v1/sessions/:id/stop", s.handleStopSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)

	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
}

// Close detaches every session still registered.
func (s *Server) Close() {
	s.sessions.Close()
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "", "")
	}
	names, err := s.provider.ListModels()
	if err != nil {
		return writeErr(c, err)
	}
	created := s.clock().Unix()
	out := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(names))}
	for _, name := range names {
		out.Data = append(out.Data, ModelInfo{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "local",
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}
