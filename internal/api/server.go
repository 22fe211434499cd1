package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/KilimcininKorOglu/divan/internal/breaker"
	"github.com/KilimcininKorOglu/divan/internal/lock"
	"github.com/KilimcininKorOglu/divan/internal/logging"
	"github.com/KilimcininKorOglu/divan/internal/raft"
	"github.com/KilimcininKorOglu/divan/internal/stream"
)

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DefaultLockTTL applies when an acquire request omits its ttl.
	DefaultLockTTL time.Duration
	// EventPollTimeout bounds how long GET /v1/events waits for the
	// first new event before answering with an empty batch.
	EventPollTimeout time.Duration
}

// DefaultServerConfig returns default configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:          ":8400",
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     30 * time.Second,
		DefaultLockTTL:   30 * time.Second,
		EventPollTimeout: 10 * time.Second,
	}
}

// Server is the HTTP API server. It is a thin adapter over the
// consensus core: handlers translate JSON to proposals and stream
// reads, nothing more. Write requests on a follower are answered with
// a leader hint, not proxied.
type Server struct {
	config   *ServerConfig
	cluster  *raft.Cluster
	locks    *lock.Manager
	broker   *stream.Broker
	breakers *breaker.Registry
	recent   *logging.Recent
	logger   logging.Logger

	// propose shields the consensus core from request storms while the
	// cluster cannot commit.
	propose *breaker.Breaker

	router *Router
	server *http.Server
}

// NewServer creates an API server over the given core components.
// recent may be nil; the logs endpoint then answers empty.
func NewServer(cfg *ServerConfig, cluster *raft.Cluster, locks *lock.Manager, broker *stream.Broker, breakers *breaker.Registry, recent *logging.Recent, logger logging.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}

	s := &Server{
		config:   cfg,
		cluster:  cluster,
		locks:    locks,
		broker:   broker,
		breakers: breakers,
		recent:   recent,
		logger:   logger,
		propose:  breakers.Get("raft-propose"),
		router:   NewRouter(),
	}

	s.setupRoutes()
	s.setupMiddleware()

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/v1/health", s.handleHealth)
	s.router.GET("/v1/status", s.handleStatus)

	s.router.POST("/v1/propose", s.handlePropose)

	s.router.POST("/v1/locks/acquire", s.handleAcquire)
	s.router.POST("/v1/locks/release", s.handleRelease)
	s.router.POST("/v1/locks/renew", s.handleRenew)
	s.router.GET("/v1/locks", s.handleListLocks)

	s.router.GET("/v1/events", s.handleEvents)
	s.router.GET("/v1/logs", s.handleLogs)
}

func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RequestIDMiddleware())
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. It returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("api server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
