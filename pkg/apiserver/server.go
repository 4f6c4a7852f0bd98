// Package apiserver serves read-only projections of the managed
// resources plus the notebook lease actions over HTTP.
package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kubeflow-mini/kubeflow-mini/pkg/config"
	"github.com/kubeflow-mini/kubeflow-mini/pkg/probes"
)

// Server is the Gin-based projection API server. It runs as a manager
// runnable on every replica; all routes are safe without leadership.
type Server struct {
	engine    *gin.Engine
	server    *http.Server
	log       *zap.Logger
	addr      string
	readyFlag *probes.ReadyFlag
}

// NewServer creates the projection API server.
func NewServer(cfg *config.Config, c client.Client, log *zap.Logger) *Server {
	// Set Gin mode
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(RequestLogger(log))

	s := &Server{
		engine:    engine,
		log:       log,
		addr:      cfg.APIAddr,
		readyFlag: probes.NewReadyFlag("api-server"),
	}
	s.setupRoutes(c)

	s.server = &http.Server{
		Addr:    cfg.APIAddr,
		Handler: engine,
	}
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(c client.Client) {
	healthManager := probes.NewManager(s.log)
	readyManager := probes.NewManager(s.log)
	readyManager.AddChecker(s.readyFlag)

	s.engine.GET("/healthz", healthManager.Handler())
	s.engine.GET("/readyz", readyManager.Handler())

	h := &handlers{client: c, log: s.log}
	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/projects", h.listProjects)
		v1.GET("/projects/:name", h.getProject)
		v1.GET("/owners", h.listOwners)
		v1.GET("/owners/:name", h.getOwner)
		v1.GET("/mljobs", h.listMLJobs)
		v1.GET("/mljobs/:namespace/:name", h.getMLJob)
		v1.GET("/notebooks", h.listNotebooks)
		v1.GET("/notebooks/:namespace/:name", h.getNotebook)
		v1.POST("/notebooks/:namespace/:name/renew", h.renewNotebook)
		v1.POST("/notebooks/:namespace/:name/stop", h.stopNotebook)
		v1.POST("/notebooks/:namespace/:name/start", h.startNotebook)
	}
}

// Start serves until the context is canceled, then shuts down
// gracefully. It implements manager.Runnable.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("Starting projection API server", zap.String("addr", s.addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.readyFlag.SetReady(true)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down projection API server")
	s.readyFlag.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// NeedLeaderElection allows the API server to run on every replica.
func (s *Server) NeedLeaderElection() bool {
	return false
}
