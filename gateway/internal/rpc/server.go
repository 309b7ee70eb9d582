// Package rpc exposes the gateway's worker-facing control API over HTTP:
// registration, heartbeats, and the backend lifecycle reports daemons push.
package rpc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/rpc"
	"github.com/scusemua/distributed-sessions/common/types"
)

// Server serves the worker-facing control API.
type Server struct {
	orchestrator proto.Orchestrator

	port   int
	engine *gin.Engine
	srv    *http.Server

	log logger.Logger
}

// NewServer creates a new Server struct and returns a pointer to it.
func NewServer(port int, orchestrator proto.Orchestrator) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		orchestrator: orchestrator,
		port:         port,
		engine:       gin.New(),
	}
	config.InitLogger(&server.log, server)

	server.engine.Use(gin.Recovery())
	server.engine.Use(cors.Default())

	server.engine.POST(rpc.RegisterWorkerRoute, server.handleRegisterWorker)
	server.engine.POST(rpc.HeartbeatRoute, server.handleHeartbeat)
	server.engine.POST(rpc.ReportReadyRoute, server.handleReportReady)
	server.engine.POST(rpc.ReportHealthFailureRoute, server.handleReportHealthFailure)
	server.engine.POST(rpc.ReportTerminatedRoute, server.handleReportTerminated)

	return server
}

// Start begins serving the control API in a background goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	go func() {
		s.log.Info("Worker-facing control API serving on port %d.", s.port)

		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Control API server failed: %v", err)
		}
	}()
}

// Stop shuts the control API down, letting in-flight requests finish.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRegisterWorker(c *gin.Context) {
	var in proto.RegisterWorkerRequest
	if err := c.BindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.orchestrator.RegisterWorker(c.Request.Context(), &in)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var in proto.HeartbeatRequest
	if err := c.BindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.orchestrator.Heartbeat(c.Request.Context(), &in)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleReportReady(c *gin.Context) {
	var in proto.ReadyNotification
	if err := c.BindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.applyReport(c, s.orchestrator.ReportReady(c.Request.Context(), &in))
}

func (s *Server) handleReportHealthFailure(c *gin.Context) {
	var in proto.HealthFailureNotification
	if err := c.BindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.applyReport(c, s.orchestrator.ReportHealthFailure(c.Request.Context(), &in))
}

func (s *Server) handleReportTerminated(c *gin.Context) {
	var in proto.TerminatedNotification
	if err := c.BindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.applyReport(c, s.orchestrator.ReportTerminated(c.Request.Context(), &in))
}

func (s *Server) applyReport(c *gin.Context, err error) {
	switch err {
	case nil:
		c.JSON(http.StatusOK, gin.H{})
	case types.ErrBackendNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
