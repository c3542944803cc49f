package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// NodeConfig is the unified configuration for a fabric node: identity,
// transport, gossip cadence, connection gating, scheduler parameters,
// and the control API socket.
type NodeConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Gossip    GossipConfig    `yaml:"gossip,omitempty"`
	Security  SecurityConfig  `yaml:"security,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Daemon    DaemonConfig    `yaml:"daemon,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds the transport's listen configuration, per spec.md
// §6's "caller-supplied host:port" endpoint.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
}

// GossipConfig controls the publish cadence and RTT probing of the
// gossip engine, per spec.md §4.2.
type GossipConfig struct {
	Interval        time.Duration `yaml:"interval,omitempty"`          // default: 2s
	RTTProbeEnabled bool          `yaml:"rtt_probe_enabled,omitempty"` // true in the built-in default config; false when omitted from a config file
}

// SecurityConfig holds connection-gating configuration, per spec.md
// §4.3's "authorized" trust boundary.
type SecurityConfig struct {
	AuthorizedKeysFile     string `yaml:"authorized_keys_file,omitempty"`
	EnableConnectionGating bool   `yaml:"enable_connection_gating,omitempty"`
}

// SchedulerConfig holds the Phase-1 scoring scalars and the model's
// layer count, per spec.md §4.4.
type SchedulerConfig struct {
	ModelLayers int     `yaml:"model_layers"`
	Alpha       float64 `yaml:"alpha,omitempty"`   // default: 1.0
	TComp       float64 `yaml:"t_comp,omitempty"`  // default: 1.0
	RRTT        float64 `yaml:"r_rtt,omitempty"`   // default: 1.0
}

// DaemonConfig holds the control API's Unix socket location.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path,omitempty"`
	CookiePath string `yaml:"cookie_path,omitempty"`
}

// TelemetryConfig holds observability settings. Disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // default: "127.0.0.1:9091"
}

// DefaultGossipInterval is used when GossipConfig.Interval is zero.
const DefaultGossipInterval = 2 * time.Second
