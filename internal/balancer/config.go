package balancer

import (
	"time"

	"github.com/indexfabric/balancer/internal/circuit"
	"github.com/indexfabric/balancer/internal/config"
)

// Config is the balancing fabric's runtime configuration, loaded from
// YAML by internal/config. Field names follow the recognised key/value
// file keys, converted to Go-native durations and ints.
type Config struct {
	// BalancingDeltaT is the balancing tick period Δt (default ≈3s).
	BalancingDeltaT time.Duration `yaml:"balancing_delta_t"`
	// OverloadRechecks is the hysteresis count: the same overload kind
	// must win this many consecutive ticks before an action fires.
	OverloadRechecks int `yaml:"overload_rechecks"`
	// BusyLoadWindow is the busy-load meter's sliding time window W.
	BusyLoadWindow time.Duration `yaml:"busy_load_window_milis"`
	// SingleLoadAverage is the single-load meter's sample count N.
	SingleLoadAverage int `yaml:"single_load_average"`
	// GossipT is the gossip tick period, suppressed while other traffic
	// is flowing.
	GossipT time.Duration `yaml:"gossip_t"`
	// PeerListSize is the peer directory bound L.
	PeerListSize int `yaml:"peer_list_size"`
	// MinBusyLoad and MinSingleLoad are the no-action thresholds below
	// which the decision ladder short-circuits to balanced.
	MinBusyLoad   int64 `yaml:"min_busy_load"`
	MinSingleLoad int64 `yaml:"min_single_load"`

	Network NetworkConfig `yaml:"network"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NetworkConfig carries the ambient RPC timeout/retry/circuit-breaker
// settings.
type NetworkConfig struct {
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
	RetryMaxRetries int           `yaml:"retry_max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// MetricsConfig carries the Prometheus listener settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Namespace string `yaml:"namespace"`
}

// NewBreakerSet builds the per-peer circuit breaker set from the network
// section, for handing to NewHost.
func NewBreakerSet(c Config) *circuit.Set {
	return circuit.NewSet(circuit.Config{
		FailureThreshold: c.Network.BreakerFailures,
		Cooldown:         c.Network.BreakerTimeout,
	})
}

// ReservationWatchdog is the wall-clock timeout on a target's
// waitingForHost slot: three balancing ticks, enough for the source to
// complete or cancel before the slot is reclaimed.
func (c Config) ReservationWatchdog() time.Duration {
	return 3 * c.BalancingDeltaT
}

// ApplyDefaults fills any zero-valued field with the documented default.
func ApplyDefaults(c Config) Config {
	if c.BalancingDeltaT <= 0 {
		c.BalancingDeltaT = 3 * time.Second
	}
	if c.OverloadRechecks <= 0 {
		c.OverloadRechecks = 1
	}
	if c.BusyLoadWindow <= 0 {
		c.BusyLoadWindow = 30 * time.Second
	}
	if c.SingleLoadAverage <= 0 {
		c.SingleLoadAverage = 10
	}
	if c.GossipT <= 0 {
		c.GossipT = 3 * time.Second
	}
	if c.PeerListSize <= 0 {
		c.PeerListSize = 5
	}
	if c.Network.RPCTimeout <= 0 {
		c.Network.RPCTimeout = 5 * time.Second
	}
	if c.Network.RetryMaxRetries <= 0 {
		c.Network.RetryMaxRetries = 3
	}
	if c.Network.RetryBaseDelay <= 0 {
		c.Network.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.Network.BreakerFailures <= 0 {
		c.Network.BreakerFailures = 5
	}
	if c.Network.BreakerTimeout <= 0 {
		c.Network.BreakerTimeout = 30 * time.Second
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "balancer"
	}
	if c.Metrics.Port <= 0 {
		c.Metrics.Port = 9090
	}
	return c
}

// FromConfiguration adapts an internal/config.Configuration (loaded from
// the fabric's YAML file) into the package's own Config. Keeping the
// conversion here, rather than in internal/config, lets internal/config
// stay free of any balancer-specific import while still sourcing every
// field from the same on-disk file.
func FromConfiguration(c *config.Configuration) Config {
	return ApplyDefaults(Config{
		BalancingDeltaT:   c.Balancing.DeltaT,
		OverloadRechecks:  c.Balancing.OverloadRechecks,
		BusyLoadWindow:    c.Balancing.BusyLoadWindow,
		SingleLoadAverage: c.Balancing.SingleLoadAverage,
		GossipT:           c.Balancing.GossipT,
		PeerListSize:      c.Balancing.PeerListSize,
		MinBusyLoad:       c.Balancing.MinBusyLoad,
		MinSingleLoad:     c.Balancing.MinSingleLoad,
		Network: NetworkConfig{
			RPCTimeout:      c.Network.Timeouts.RPC,
			RetryMaxRetries: c.Network.Retry.MaxAttempts,
			RetryBaseDelay:  c.Network.Retry.BaseDelay,
			BreakerFailures: c.Network.CircuitBreaker.FailureThreshold,
			BreakerTimeout:  c.Network.CircuitBreaker.Timeout,
		},
		Metrics: MetricsConfig{
			Enabled:   c.Monitoring.Metrics.Enabled,
			Port:      c.Monitoring.Metrics.Port,
			Namespace: c.Monitoring.Metrics.Namespace,
		},
	})
}

// LoadConfig reads the fabric's YAML configuration file and returns the
// resulting Config, with unset fields filled from ApplyDefaults.
func LoadConfig(path string) (Config, error) {
	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return Config{}, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return FromConfiguration(cfg), nil
}
