// Package server exposes the control plane over a REST API and hosts the
// websocket event stream endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/agent/manager"
	"github.com/noxlabs/nox/internal/approval"
	"github.com/noxlabs/nox/internal/broker"
	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/httpmw"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/container"
	gwws "github.com/noxlabs/nox/internal/gateway/websocket"
	"github.com/noxlabs/nox/internal/metrics"
	"github.com/noxlabs/nox/internal/registry"
	"github.com/noxlabs/nox/internal/task"
)

// Deps bundles the services the API fronts. Installer may be nil when the
// container runtime is disabled.
type Deps struct {
	Config    *config.Config
	Agents    *manager.Manager
	Tasks     *task.Service
	Broker    *broker.Broker
	Approvals *approval.Manager
	Metrics   *metrics.Sampler
	Store     *registry.Store
	Installer *container.Installer
	Hub       *gwws.Hub
	WSHandler *gwws.Handler
}

// Server is the HTTP front of the control plane.
type Server struct {
	cfg       config.ServerConfig
	deps      Deps
	logger    *logger.Logger
	router    *gin.Engine
	startedAt time.Time
	cfgMu     sync.Mutex

	http *http.Server
}

// New builds the router. Run starts serving.
func New(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    log.WithFields(zap.String("component", "api-server")),
		router:    gin.New(),
		startedAt: time.Now().UTC(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "nox"))
	s.router.Use(httpmw.OtelTracing("nox"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, used directly by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/websocket-info", s.handleWebsocketInfo)
		if s.deps.WSHandler != nil {
			api.GET("/ws", s.deps.WSHandler.HandleConnection)
		}

		api.GET("/agents", s.handleListAgents)
		api.POST("/agents", s.handleCreateAgent)
		api.GET("/agents/:id", s.handleGetAgent)
		api.PUT("/agents/:id", s.handleUpdateAgent)
		api.DELETE("/agents/:id", s.handleDeleteAgent)
		api.POST("/agents/:id/start", s.handleStartAgent)
		api.POST("/agents/:id/stop", s.handleStopAgent)
		api.POST("/agents/:id/restart", s.handleRestartAgent)
		api.GET("/agents/:id/tasks", s.handleAgentTasks)
		api.GET("/agents/:id/approvals", s.handleAgentApprovals)
		api.POST("/agents/:id/capabilities", s.handleInstallCapability)

		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/dashboard", s.handleTaskDashboard)
		api.POST("/tasks/delegate", s.handleDelegateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.PUT("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)

		api.GET("/messages", s.handleMessageHistory)
		api.POST("/messages", s.handleSendMessage)

		api.GET("/approvals/pending", s.handlePendingApprovals)
		api.GET("/approvals/history", s.handleApprovalHistory)
		api.POST("/approvals/:id/respond", s.handleRespondApproval)

		api.GET("/metrics/system", s.handleSystemMetrics)
		api.GET("/metrics/agents/:id", s.handleAgentMetrics)

		api.GET("/system/config", s.handleGetConfig)
		api.PUT("/system/config", s.handlePutConfig)
		api.GET("/system/status", s.handleSystemStatus)
	}
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drain := time.Duration(s.cfg.ShutdownTimeoutMs) * time.Millisecond
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
