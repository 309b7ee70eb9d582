package configuration

import (
	"strings"

	"github.com/goccy/go-json"
)

// CommonOptions includes all configuration parameters that are common to both
// the Gateway and the Worker Daemon components.
type CommonOptions struct {
	StorageBackend           string `name:"storage_backend"            json:"storage_backend"            yaml:"storage_backend"            description:"The state store provider to use. Options are 'memory' and 'redis'."`
	RedisEndpoint            string `name:"redis_endpoint"             json:"redis_endpoint"             yaml:"redis_endpoint"             description:"Hostname of the Redis server backing the state store (only relevant when storage_backend is 'redis')."`
	RedisPassword            string `name:"redis_password"             json:"redis_password"             yaml:"redis_password"             description:"The password to access Redis (only relevant when storage_backend is 'redis')."`
	RedisDatabase            int    `name:"redis_database"             json:"redis_database"             yaml:"redis_database"             description:"The Redis database number to use (only relevant when storage_backend is 'redis')."`
	HeartbeatIntervalSeconds int    `name:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" description:"Frequency in seconds at which workers heartbeat the gateway."`
	DebugMode                bool   `name:"debug_mode"                 json:"debug_mode"                 yaml:"debug_mode"                 description:"Enable the debug HTTP server."`
	DebugPort                int    `name:"debug_port"                 json:"debug_port"                 yaml:"debug_port"                 description:"The port for the debug HTTP server."`
	PrometheusPort           int    `name:"prometheus_port"            json:"prometheus_port"            yaml:"prometheus_port"            description:"The port on which to serve Prometheus metrics. Set to 0 to disable."`

	// PrettyPrintOptions, when true, instructs the driver script to pretty-print
	// the options struct when the program first begins running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *CommonOptions) PrettyString(indentSize int) string {
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

func (opts *CommonOptions) Clone() *CommonOptions {
	clone := *opts
	return &clone
}

func (opts *CommonOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
