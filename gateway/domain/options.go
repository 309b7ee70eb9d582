package domain

import (
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"

	"github.com/scusemua/distributed-sessions/common/configuration"
)

// GatewayOptions includes all configuration parameters for the Gateway component.
type GatewayOptions struct {
	config.LoggerOptions        `yaml:",inline" json:"logger_options"`
	configuration.CommonOptions `yaml:",inline" json:",inline"`

	RouterPort   int `name:"router_port"    json:"router_port"    yaml:"router_port"    description:"The port on which the traffic router accepts client connections."`
	AgentApiPort int `name:"agent_api_port" json:"agent_api_port" yaml:"agent_api_port" description:"The port on which the gateway serves the worker-facing agent API (registration, heartbeats, state reports)."`
	AdminPort    int `name:"admin_port"     json:"admin_port"     yaml:"admin_port"     description:"The port on which the gateway serves the administrative API."`

	PlacementPolicy         string `name:"placement_policy"          json:"placement_policy"          yaml:"placement_policy"          description:"The placement policy to use. Options are 'least-loaded' and 'round-robin'."`
	MaxPlacementAttempts    int    `name:"max_placement_attempts"    json:"max_placement_attempts"    yaml:"max_placement_attempts"    description:"The number of distinct workers to try before a placement is surfaced as failed."`
	PlacementTimeoutSeconds int    `name:"placement_timeout_seconds" json:"placement_timeout_seconds" yaml:"placement_timeout_seconds" description:"How long to wait for a single worker to accept or reject a placement command."`

	LeaseDurationSeconds int `name:"lease_duration_seconds" json:"lease_duration_seconds" yaml:"lease_duration_seconds" description:"Lease duration. Recommended: a small multiple (e.g., 3x) of the heartbeat interval."`
	SweepIntervalSeconds int `name:"sweep_interval_seconds" json:"sweep_interval_seconds" yaml:"sweep_interval_seconds" description:"Frequency of the background lease-expiry sweep."`

	RouteWaitTimeoutSeconds int `name:"route_wait_timeout_seconds" json:"route_wait_timeout_seconds" yaml:"route_wait_timeout_seconds" description:"How long a connection may wait for its backend to become ready before failing with a retryable error."`
	DrainGraceSeconds       int `name:"drain_grace_seconds"        json:"drain_grace_seconds"        yaml:"drain_grace_seconds"        description:"How long established connections to a draining backend may run before being forcibly closed."`

	MaxTransitionRetries int `name:"max_transition_retries" json:"max_transition_retries" yaml:"max_transition_retries" description:"Bounded retry count for version-checked transitions that lose a race."`
	RetryBackoffMillis   int `name:"retry_backoff_millis"   json:"retry_backoff_millis"   yaml:"retry_backoff_millis"   description:"Base delay of the exponential backoff applied between transition retries."`

	BackendImage string `name:"backend_image" json:"backend_image" yaml:"backend_image" description:"The container image launched for each session backend."`
}

// ValidateGatewayOptions fills in defaults for any options left unset.
func (opts *GatewayOptions) ValidateGatewayOptions() {
	if opts.HeartbeatIntervalSeconds <= 0 {
		opts.HeartbeatIntervalSeconds = 5
	}

	if opts.LeaseDurationSeconds <= 0 {
		// 3x the heartbeat interval tolerates transient delay without false reclamation.
		opts.LeaseDurationSeconds = opts.HeartbeatIntervalSeconds * 3
	}

	if opts.SweepIntervalSeconds <= 0 {
		opts.SweepIntervalSeconds = opts.HeartbeatIntervalSeconds
	}

	if opts.MaxPlacementAttempts <= 0 {
		opts.MaxPlacementAttempts = 3
	}

	if opts.PlacementTimeoutSeconds <= 0 {
		opts.PlacementTimeoutSeconds = 10
	}

	if opts.RouteWaitTimeoutSeconds <= 0 {
		opts.RouteWaitTimeoutSeconds = 30
	}

	if opts.DrainGraceSeconds <= 0 {
		opts.DrainGraceSeconds = 30
	}

	if opts.MaxTransitionRetries <= 0 {
		opts.MaxTransitionRetries = 5
	}

	if opts.RetryBackoffMillis <= 0 {
		opts.RetryBackoffMillis = 25
	}

	if opts.PlacementPolicy == "" {
		opts.PlacementPolicy = "least-loaded"
	}
}

func (opts *GatewayOptions) HeartbeatInterval() time.Duration {
	return time.Duration(opts.HeartbeatIntervalSeconds) * time.Second
}

func (opts *GatewayOptions) LeaseDuration() time.Duration {
	return time.Duration(opts.LeaseDurationSeconds) * time.Second
}

func (opts *GatewayOptions) SweepInterval() time.Duration {
	return time.Duration(opts.SweepIntervalSeconds) * time.Second
}

func (opts *GatewayOptions) PlacementTimeout() time.Duration {
	return time.Duration(opts.PlacementTimeoutSeconds) * time.Second
}

func (opts *GatewayOptions) RouteWaitTimeout() time.Duration {
	return time.Duration(opts.RouteWaitTimeoutSeconds) * time.Second
}

func (opts *GatewayOptions) DrainGrace() time.Duration {
	return time.Duration(opts.DrainGraceSeconds) * time.Second
}

func (opts *GatewayOptions) RetryBackoff() time.Duration {
	return time.Duration(opts.RetryBackoffMillis) * time.Millisecond
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *GatewayOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *GatewayOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
