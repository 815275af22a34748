// Package server provides the HTTP API of modelfetch.
// It handles routing, middleware, and the download control endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	api "github.com/shepherd-project/modelfetch/internal/api"
	"github.com/shepherd-project/modelfetch/internal/catalog"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/websocket"
)

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config

	downloads *download.Manager
	catalog   *catalog.Catalog
	resolver  catalog.Resolver
	events    *websocket.Manager

	mu sync.Mutex
	wg sync.WaitGroup
}

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	CORSEnabled    bool
	AllowedOrigins []string
	Debug          bool
}

// Deps are the collaborators the handlers drive
type Deps struct {
	Downloads *download.Manager
	Catalog   *catalog.Catalog
	Resolver  catalog.Resolver
	Events    *websocket.Manager
}

// NewServer creates a new HTTP server
func NewServer(config *Config, deps Deps) (*Server, error) {
	if deps.Downloads == nil {
		return nil, fmt.Errorf("download manager is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Events == nil {
		deps.Events = websocket.NewManager(websocket.Options{AllowedOrigins: config.AllowedOrigins})
	}

	s := &Server{
		config:    config,
		downloads: deps.Downloads,
		catalog:   deps.Catalog,
		resolver:  deps.Resolver,
		events:    deps.Events,
	}

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.RequestID(),
		api.RecoveryMiddleware(),
		api.LoggerMiddleware(),
	)
	if s.config.CORSEnabled {
		s.engine.Use(api.CORSMiddleware(s.config.AllowedOrigins))
	}
	s.engine.Use(api.ErrorHandler())
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.engine.GET("/api/events", s.events.HandleWebSocket)
	s.engine.GET("/api/events/stream", s.events.HandleSSE)

	r := s.engine.Group("/api")
	{
		r.GET("/info", s.handleServerInfo)
		r.GET("/disk", s.handleDisk)

		models := r.Group("/catalog")
		{
			models.GET("", s.handleListCatalog)
			models.GET("/:id", s.handleGetCatalogEntry)
		}

		downloads := r.Group("/downloads")
		{
			downloads.GET("", s.handleListDownloads)
			downloads.GET("/:id", s.handleGetDownload)
			downloads.DELETE("/:id", s.handleDeleteDownload)
			downloads.POST("/:id/start", s.handleStartDownload)
			downloads.POST("/:id/pause", s.handlePauseDownload)
			downloads.POST("/:id/cancel", s.handleCancelDownload)
			downloads.POST("/:id/import", s.handleImportDownload)
			downloads.PUT("/:id/favourite", s.handleSetFavourite)
			downloads.POST("/:id/run", s.handleRecordRun)
			downloads.GET("/:id/metadata", s.handleMetadata)
		}
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the event manager and begins serving in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	s.events.Start()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()

		logger.Infof("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP server error: %v", err)
		}
		logger.Info("HTTP server stopped")
	}(s.httpServer)

	return nil
}

// Shutdown stops accepting requests, closes event clients and waits for the
// serve goroutine. Downloads are owned by the caller and keep running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("server not started")
	}

	// Close event clients first so long-lived streams do not hold Shutdown open.
	s.events.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown failed: %v", err)
		srv.Close()
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
