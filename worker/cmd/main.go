package main

import (
	"context"
	"fmt"
	"log"
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

	"github.com/scusemua/distributed-sessions/common/rpc"
	"github.com/scusemua/distributed-sessions/worker/daemon"
	"github.com/scusemua/distributed-sessions/worker/domain"
	"github.com/scusemua/distributed-sessions/worker/invoker"
)

var (
	options      = domain.WorkerOptions{}
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

	options.ValidateWorkerOptions()
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

// createInvokerFactory resolves the configured invoker type.
func createInvokerFactory() invoker.Factory {
	switch options.InvokerType {
	case "docker":
		return func() (invoker.Invoker, error) {
			return invoker.NewDockerInvoker(options.DockerNetworkName)
		}
	case "process":
		return func() (invoker.Invoker, error) {
			return invoker.NewProcessInvoker(options.ProcessCommand, options.AdvertiseHost)
		}
	default:
		log.Fatalf("Unknown invoker type \"%s\" (expected \"docker\" or \"process\").", options.InvokerType)
		return nil
	}
}

func main() {
	var done sync.WaitGroup

	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting session worker \"%s\" with the following options:\n%s\n",
			options.WorkerID, options.PrettyString(2))
	} else {
		globalLogger.Info("Starting session worker \"%s\".", options.WorkerID)
	}

	if options.DebugMode {
		go createAndStartDebugHttpServer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator := rpc.NewOrchestratorClient(options.GatewayAddress)

	workerDaemon := daemon.NewDaemon(&options, orchestrator, createInvokerFactory())

	agentServer := daemon.NewServer(options.AgentPort, workerDaemon)
	agentServer.Start()

	if err := workerDaemon.Start(ctx); err != nil {
		log.Fatalf("Failed to register with gateway at %s: %v", options.GatewayAddress, err)
	}

	// Start detecting stop signals.
	done.Add(1)
	go func() {
		<-sig
		globalLogger.Info("Shutting down...")

		cancel()
		workerDaemon.Stop()
		_ = agentServer.Stop()

		done.Done()
	}()

	done.Wait()
	globalLogger.Info("Session worker stopped.")
}
