package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-sessions/common/proto"
	commonRpc "github.com/scusemua/distributed-sessions/common/rpc"
	"github.com/scusemua/distributed-sessions/common/storage"
	"github.com/scusemua/distributed-sessions/common/utils"
	"github.com/scusemua/distributed-sessions/gateway/domain"
	"github.com/scusemua/distributed-sessions/gateway/internal/admin"
	"github.com/scusemua/distributed-sessions/gateway/internal/lease"
	gatewayMetrics "github.com/scusemua/distributed-sessions/gateway/internal/metrics"
	"github.com/scusemua/distributed-sessions/gateway/internal/routing"
	"github.com/scusemua/distributed-sessions/gateway/internal/rpc"
	"github.com/scusemua/distributed-sessions/gateway/internal/scheduler"
	"github.com/scusemua/distributed-sessions/gateway/internal/workers"
)

var (
	options      = domain.GatewayOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	options.ValidateGatewayOptions()
}

// createAndStartDebugHttpServer serves the pprof debug endpoints registered by
// the net/http/pprof import.
//
// Important: this should be called from its own goroutine.
func createAndStartDebugHttpServer() {
	address := fmt.Sprintf(":%d", options.DebugPort)
	log.Printf("Serving debug HTTP server: %s\n", address)

	if err := http.ListenAndServe(address, nil); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

// createStorageProvider constructs the configured state store.
func createStorageProvider() storage.Provider {
	switch options.StorageBackend {
	case "redis":
		provider := storage.NewRedisProvider(options.RedisEndpoint, options.RedisPassword, options.RedisDatabase)
		if err := provider.Connect(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", options.RedisEndpoint, err)
		}
		return provider
	case "memory", "":
		return storage.NewMemoryProvider()
	default:
		log.Fatalf("Unknown storage backend \"%s\" (expected \"memory\" or \"redis\").", options.StorageBackend)
		return nil
	}
}

func main() {
	var done sync.WaitGroup

	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the session gateway with the following options:\n%s\n",
			options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the session gateway.")
	}

	if options.DebugMode {
		go createAndStartDebugHttpServer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := createStorageProvider()

	metricsManager := gatewayMetrics.NewManager(options.PrometheusPort)
	if err := metricsManager.Start(); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to start Prometheus metrics server: %v"), err)
	}

	leaseManager := lease.NewManager(store, options.LeaseDuration(), options.SweepInterval(),
		options.MaxTransitionRetries, options.RetryBackoff(), metricsManager)
	leaseManager.Start(ctx)

	registry := workers.NewRegistry(store, leaseManager,
		func(address string) proto.WorkerAgent { return commonRpc.NewAgentClient(address) },
		options.HeartbeatInterval(), options.MaxTransitionRetries, options.RetryBackoff(), metricsManager)

	policy, err := scheduler.NewPolicy(scheduler.PolicyKey(options.PlacementPolicy))
	if err != nil {
		log.Fatalf("Invalid placement policy: %v", err)
	}

	sched := scheduler.NewScheduler(store, registry, leaseManager, policy, options.BackendImage,
		options.MaxPlacementAttempts, options.PlacementTimeout(), options.MaxTransitionRetries,
		options.RetryBackoff(), options.DrainGrace(), metricsManager)

	router := routing.NewRouter(store, sched, options.RouteWaitTimeout(), options.DrainGrace(),
		options.SweepInterval(), metricsManager)
	router.Start(ctx)

	controlServer := rpc.NewServer(options.AgentApiPort, registry)
	controlServer.Start()

	adminServer := admin.NewServer(options.AdminPort, store, sched)
	adminServer.Start()

	routerListener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.RouterPort))
	if err != nil {
		log.Fatalf("Failed to listen on router port %d: %v", options.RouterPort, err)
	}
	globalLogger.Info("Session router listening at %v", routerListener.Addr())

	// Start detecting stop signals.
	done.Add(1)
	go func() {
		<-sig
		globalLogger.Info("Shutting down...")

		cancel()
		router.Stop()
		leaseManager.Stop()
		_ = routerListener.Close()
		_ = controlServer.Stop()
		_ = adminServer.Stop()
		_ = metricsManager.Stop()
		_ = store.Close()

		done.Done()
	}()

	go func() {
		if serveErr := router.Serve(ctx, routerListener, routing.LineKeyResolver); serveErr != nil {
			globalLogger.Error(utils.RedStyle.Render("Error on serving session connections: %v"), serveErr)
		}
	}()

	done.Wait()
	globalLogger.Info("Session gateway stopped.")
}
