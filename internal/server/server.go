package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"drover/internal/bus"
	"drover/internal/config"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/task"
)

// Options wires the server to the rest of the daemon.
type Options struct {
	Config       config.ServerConfig
	Orchestrator task.Orchestrator
	Bus          *bus.Bus
	Logger       logging.Logger
	Metrics      *observability.MetricsCollector
	Tracer       *observability.TracerProvider
	// SessionRoot backs subagent context registrations that omit a
	// parent session directory. Empty disables the fallback.
	SessionRoot string
	Debug       bool
}

// Server exposes the orchestrator over HTTP: task spawning and
// inspection under /v1, live events over a websocket, plus health and
// metrics endpoints.
type Server struct {
	cfg         config.ServerConfig
	orch        task.Orchestrator
	bus         *bus.Bus
	logger      logging.Logger
	metrics     *observability.MetricsCollector
	tracer      *observability.TracerProvider
	sessionRoot string

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	quit       chan struct{}
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	logger := logging.OrNop(opts.Logger)
	engine.Use(requestLogger(logger))
	if opts.Tracer != nil {
		engine.Use(tracingMiddleware(opts.Tracer))
	}

	corsConfig := cors.DefaultConfig()
	if len(opts.Config.CORSOrigins) == 1 && opts.Config.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else if len(opts.Config.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = opts.Config.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:         opts.Config,
		orch:        opts.Orchestrator,
		bus:         opts.Bus,
		logger:      logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		sessionRoot: opts.SessionRoot,
		engine:      engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:         opts.Config.Addr(),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/events", s.handleEvents)
		v1.GET("/tasks/count", s.handleTotalCount)

		sessions := v1.Group("/sessions/:session_id")
		{
			sessions.POST("/tasks/bash", s.handleSpawnBash)
			sessions.POST("/tasks/subagent", s.handleSpawnSubagent)
			sessions.GET("/tasks", s.handleListTasks)
			sessions.GET("/tasks/count", s.handleSessionCount)
			sessions.GET("/tasks/:task_id", s.handleTaskResult)
			sessions.DELETE("/tasks/:task_id", s.handleCancelTask)
			sessions.POST("/cleanup", s.handleCleanup)
			sessions.PUT("/subagent-context", s.handleRegisterContext)
			sessions.DELETE("/subagent-context", s.handleUnregisterContext)
		}
	}
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully. Open websocket streams observe
// the quit signal and close themselves.
func (s *Server) Stop(ctx context.Context) error {
	close(s.quit)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger logs one line per request through the daemon logger.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Websocket upgrades hold the connection; logging them after the
		// fact would report the whole stream duration as latency.
		if c.IsWebsocket() {
			return
		}
		logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

// tracingMiddleware opens a span per request.
func tracingMiddleware(tracer *observability.TracerProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
