// Package rpc carries the HTTP transport shared by the gateway and the worker
// daemon: route constants and JSON clients for both directions of the control
// protocol.
package rpc

// Orchestrator routes, served by the gateway and called by worker daemons.
const (
	RegisterWorkerRoute      = "/api/v1/workers/register"
	HeartbeatRoute           = "/api/v1/workers/heartbeat"
	ReportReadyRoute         = "/api/v1/backends/ready"
	ReportHealthFailureRoute = "/api/v1/backends/health-failure"
	ReportTerminatedRoute    = "/api/v1/backends/terminated"
)

// Worker-agent routes, served by worker daemons and called by the gateway.
const (
	PlaceBackendRoute = "/api/v1/agent/place"
	DrainBackendRoute = "/api/v1/agent/drain"
)
