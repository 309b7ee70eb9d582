package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/gin"

	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/rpc"
)

// Server exposes the daemon's WorkerAgent API to the gateway over HTTP.
type Server struct {
	agent proto.WorkerAgent

	port   int
	engine *gin.Engine
	srv    *http.Server

	log logger.Logger
}

// NewServer creates a new Server struct and returns a pointer to it.
func NewServer(port int, agent proto.WorkerAgent) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		agent:  agent,
		port:   port,
		engine: gin.New(),
	}
	config.InitLogger(&server.log, server)

	server.engine.Use(gin.Recovery())

	server.engine.POST(rpc.PlaceBackendRoute, server.handlePlaceBackend)
	server.engine.POST(rpc.DrainBackendRoute, server.handleDrainBackend)

	return server
}

// Start begins serving the agent API in a background goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	go func() {
		s.log.Info("Worker agent API serving on port %d.", s.port)

		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Agent API server failed: %v", err)
		}
	}()
}

// Stop shuts the agent API down, letting in-flight requests finish.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePlaceBackend(c *gin.Context) {
	var in proto.PlaceBackendRequest
	if err := c.BindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.agent.PlaceBackend(c.Request.Context(), &in)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDrainBackend(c *gin.Context) {
	var in proto.DrainBackendRequest
	if err := c.BindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.agent.DrainBackend(c.Request.Context(), &in)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, out)
}
