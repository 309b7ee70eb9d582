package domain

import (
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/scusemua/distributed-sessions/common/configuration"
)

// WorkerOptions configures a worker daemon.
type WorkerOptions struct {
	config.LoggerOptions        `yaml:",inline" json:"logger_options"`
	configuration.CommonOptions `yaml:",inline" json:",inline"`

	WorkerID       string `name:"worker_id"       json:"worker_id"       yaml:"worker_id"       description:"Unique id of this worker. Generated if empty."`
	GatewayAddress string `name:"gateway_address" json:"gateway_address" yaml:"gateway_address" description:"host:port of the gateway's worker-facing control API."`
	AgentPort      int    `name:"agent_port"      json:"agent_port"      yaml:"agent_port"      description:"The port on which this worker serves placement and drain commands from the gateway."`
	AdvertiseHost  string `name:"advertise_host"  json:"advertise_host"  yaml:"advertise_host"  description:"The hostname or IP the gateway should use to reach this worker and its backends."`

	InvokerType       string `name:"invoker"              json:"invoker"              yaml:"invoker"              description:"How backends are launched: 'docker' or 'process'."`
	CapacityHint      int    `name:"capacity_hint"        json:"capacity_hint"        yaml:"capacity_hint"        description:"Advisory number of backends this worker can comfortably host."`
	BackendPortBase   int    `name:"backend_port_base"    json:"backend_port_base"    yaml:"backend_port_base"    description:"First port assigned to hosted backends; subsequent backends get successive ports."`
	DockerNetworkName string `name:"docker_network_name"  json:"docker_network_name"  yaml:"docker_network_name"  description:"The Docker network backend containers are attached to (docker invoker only)."`
	ProcessCommand    string `name:"process_command"      json:"process_command"      yaml:"process_command"      description:"The executable launched per backend (process invoker only)."`
}

// ValidateWorkerOptions fills in defaults for any options left unset.
func (opts *WorkerOptions) ValidateWorkerOptions() {
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}

	if opts.GatewayAddress == "" {
		opts.GatewayAddress = "localhost:8081"
	}

	if opts.AgentPort <= 0 {
		opts.AgentPort = 9090
	}

	if opts.AdvertiseHost == "" {
		opts.AdvertiseHost = "localhost"
	}

	if opts.InvokerType == "" {
		opts.InvokerType = "docker"
	}

	if opts.CapacityHint <= 0 {
		opts.CapacityHint = 16
	}

	if opts.BackendPortBase <= 0 {
		opts.BackendPortBase = 20000
	}

	if opts.DockerNetworkName == "" {
		opts.DockerNetworkName = "distributed_sessions_default"
	}

	if opts.HeartbeatIntervalSeconds <= 0 {
		opts.HeartbeatIntervalSeconds = 5
	}
}

// HeartbeatInterval returns the heartbeat period as a time.Duration.
func (opts *WorkerOptions) HeartbeatInterval() time.Duration {
	return time.Duration(opts.HeartbeatIntervalSeconds) * time.Second
}

// PrettyString returns the options as a nicely-formatted JSON string.
func (opts *WorkerOptions) PrettyString(indentSize int) string {
	indentBuilder := ""
	for i := 0; i < indentSize; i++ {
		indentBuilder += " "
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder)
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *WorkerOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
