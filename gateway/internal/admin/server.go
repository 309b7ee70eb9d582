// Package admin exposes the operator-facing HTTP API: backend and worker
// inventory, per-backend transition logs, forced termination, and worker
// drain.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/types"
	"github.com/scusemua/distributed-sessions/gateway/internal/scheduler"
)

// Server serves the operator-facing admin API.
type Server struct {
	store     storage.Provider
	scheduler *scheduler.Scheduler

	port   int
	engine *gin.Engine
	srv    *http.Server

	log logger.Logger
}

// NewServer creates a new Server struct and returns a pointer to it.
func NewServer(port int, store storage.Provider, sched *scheduler.Scheduler) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		store:     store,
		scheduler: sched,
		port:      port,
		engine:    gin.New(),
	}
	config.InitLogger(&server.log, server)

	server.engine.Use(gin.Recovery())
	server.engine.Use(cors.Default())

	apiGroup := server.engine.Group("/api")
	{
		apiGroup.GET("/backends", server.handleListBackends)
		apiGroup.GET("/backends/:id", server.handleGetBackend)
		apiGroup.GET("/backends/:id/log", server.handleBackendLog)
		apiGroup.DELETE("/backends/:id", server.handleTerminateBackend)
		apiGroup.GET("/workers", server.handleListWorkers)
		apiGroup.POST("/workers/:id/drain", server.handleDrainWorker)
	}

	return server
}

// Start begins serving the admin API in a background goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	go func() {
		s.log.Info("Admin API serving on port %d.", s.port)

		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Admin API server failed: %v", err)
		}
	}()
}

// ServeHTTP exposes the admin API as a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.engine.ServeHTTP(w, req)
}

// Stop shuts the admin API down, letting in-flight requests finish.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

func (s *Server) handleListBackends(c *gin.Context) {
	backends, err := s.store.ListBackends(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, backends)
}

func (s *Server) handleGetBackend(c *gin.Context) {
	b, err := s.store.GetBackend(c.Request.Context(), c.Param("id"))
	if err == types.ErrBackendNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, b)
}

func (s *Server) handleBackendLog(c *gin.Context) {
	entries, err := s.store.ReadTransitionLog(c.Request.Context(), c.Param("id"))
	if err == types.ErrBackendNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleTerminateBackend(c *gin.Context) {
	id := c.Param("id")

	s.log.Info("Operator requested termination of backend %s.", id)

	if err := s.scheduler.Terminate(c.Request.Context(), id); err != nil {
		if err == types.ErrBackendNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"backend_id": id, "status": "draining"})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers, err := s.store.ListWorkers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, workers)
}

// handleDrainWorker marks the worker as draining, which removes it from the
// scheduler's placement candidates. Backends already hosted on the worker keep
// running on their existing leases unless the operator passes force=true, in
// which case each of them is wound down as well.
func (s *Server) handleDrainWorker(c *gin.Context) {
	workerID := c.Param("id")
	ctx := c.Request.Context()
	force, _ := strconv.ParseBool(c.Query("force"))

	s.log.Info("Operator requested drain of worker \"%s\" (force: %v).", workerID, force)

	if _, err := s.store.SetWorkerStatus(ctx, workerID, entity.WorkerDraining); err != nil {
		if err == types.ErrWorkerNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload := gin.H{"worker_id": workerID, "status": "draining"}

	if force {
		live, err := s.store.ListLiveBackends(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		drained := make([]string, 0)
		for _, b := range live {
			if b.WorkerID != workerID {
				continue
			}

			if err := s.scheduler.Terminate(ctx, b.ID); err != nil {
				s.log.Error("Failed to drain backend %s on worker \"%s\": %v", b.ID, workerID, err)
				continue
			}
			drained = append(drained, b.ID)
		}
		payload["draining_backends"] = drained
	}

	c.JSON(http.StatusAccepted, payload)
}
