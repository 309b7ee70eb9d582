package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrManagerAlreadyServing = errors.New("metrics manager is already serving")
	ErrManagerNotServing     = errors.New("metrics manager is not serving")
)

// Manager registers the gateway's metrics with Prometheus and serves them via HTTP.
type Manager struct {
	log logger.Logger

	mu      sync.Mutex
	serving bool

	port       int
	engine     *gin.Engine
	httpServer *http.Server

	// NumLiveBackendsGauge tracks backends currently in {Scheduled, Loading, Ready}.
	NumLiveBackendsGauge prometheus.Gauge

	// BackendsScheduledCounter counts successful reservations.
	BackendsScheduledCounter prometheus.Counter

	// BackendTransitionsCounter counts committed transitions, labeled by target state.
	BackendTransitionsCounter *prometheus.CounterVec

	// PlacementLatencyHistogram observes the time from reservation to worker
	// acceptance, labeled by whether placement ultimately succeeded.
	PlacementLatencyHistogram *prometheus.HistogramVec

	// RouteWaitLatencyHistogram observes how long routed connections waited for
	// their backend to become ready, labeled by outcome.
	RouteWaitLatencyHistogram *prometheus.HistogramVec

	// LeaseReclamationsCounter counts backends marked Lost by the lease sweep.
	LeaseReclamationsCounter prometheus.Counter

	// ActiveProxiedConnectionsGauge tracks currently-open proxied connections.
	ActiveProxiedConnectionsGauge prometheus.Gauge
}

// NewManager creates a new Manager struct, registers its metrics, and returns a pointer to it.
func NewManager(port int) *Manager {
	manager := &Manager{
		port: port,
	}
	config.InitLogger(&manager.log, manager)

	manager.NumLiveBackendsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessions",
		Subsystem: "gateway",
		Name:      "live_backends",
		Help:      "Number of backends currently in a live (scheduled, loading, or ready) state.",
	})

	manager.BackendsScheduledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessions",
		Subsystem: "gateway",
		Name:      "backends_scheduled_total",
		Help:      "Total number of backends that have been reserved/scheduled.",
	})

	manager.BackendTransitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessions",
		Subsystem: "gateway",
		Name:      "backend_transitions_total",
		Help:      "Total number of committed backend state transitions.",
	}, []string{"to_state"})

	manager.PlacementLatencyHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sessions",
		Subsystem: "gateway",
		Name:      "placement_latency_seconds",
		Help:      "Latency between backend reservation and worker acceptance of the placement.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"successful"})

	manager.RouteWaitLatencyHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sessions",
		Subsystem: "gateway",
		Name:      "route_wait_latency_seconds",
		Help:      "Time connections spent waiting for their backend to become ready.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"outcome"})

	manager.LeaseReclamationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessions",
		Subsystem: "gateway",
		Name:      "lease_reclamations_total",
		Help:      "Total number of backends marked lost because their lease expired.",
	})

	manager.ActiveProxiedConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessions",
		Subsystem: "gateway",
		Name:      "active_proxied_connections",
		Help:      "Number of currently-open proxied client connections.",
	})

	prometheus.MustRegister(
		manager.NumLiveBackendsGauge,
		manager.BackendsScheduledCounter,
		manager.BackendTransitionsCounter,
		manager.PlacementLatencyHistogram,
		manager.RouteWaitLatencyHistogram,
		manager.LeaseReclamationsCounter,
		manager.ActiveProxiedConnectionsGauge,
	)

	return manager
}

// Start begins serving the metrics endpoint in a separate goroutine.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		return ErrManagerAlreadyServing
	}

	gin.SetMode(gin.ReleaseMode)
	m.engine = gin.New()
	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	m.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.port),
		Handler: m.engine,
	}

	go func() {
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Metrics HTTP server failed: %v", err)
		}
	}()

	m.serving = true
	m.log.Debug("Serving Prometheus metrics on port %d.", m.port)

	return nil
}

// Stop shuts the metrics endpoint down.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		return ErrManagerNotServing
	}

	m.serving = false
	return m.httpServer.Shutdown(context.Background())
}
