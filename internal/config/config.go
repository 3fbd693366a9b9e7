package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the balancing fabric's on-disk configuration: a single
// key/value file represented as nested section-per-concern structs.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Balancing  BalancingConfig  `yaml:"balancing"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents process-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// BalancingConfig holds the balancing knobs: tick periods,
// hysteresis, meter window sizes, peer-list bound, and the no-action
// thresholds below which the decision ladder short-circuits to balanced.
type BalancingConfig struct {
	DeltaT            time.Duration `yaml:"delta_t"`
	OverloadRechecks  int           `yaml:"overload_rechecks"`
	BusyLoadWindow    time.Duration `yaml:"busy_load_window_milis"`
	SingleLoadAverage int           `yaml:"single_load_average"`
	GossipT           time.Duration `yaml:"gossip_t"`
	PeerListSize      int           `yaml:"peer_list_size"`
	MinBusyLoad       int64         `yaml:"min_busy_load"`
	MinSingleLoad     int64         `yaml:"min_single_load"`
}

// NetworkConfig represents the RPC substrate's timeout/retry/circuit
// breaker settings.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents RPC timeout settings.
type TimeoutConfig struct {
	RPC time.Duration `yaml:"rpc"`
}

// RetryConfig represents retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents per-peer circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents the Prometheus metrics listener.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents Prometheus metrics collection settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration populated with the documented
// defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
			LogFile:  "",
		},
		Balancing: BalancingConfig{
			DeltaT:            3 * time.Second,
			OverloadRechecks:  1,
			BusyLoadWindow:    30 * time.Second,
			SingleLoadAverage: 10,
			GossipT:           3 * time.Second,
			PeerListSize:      5,
			MinBusyLoad:       0,
			MinSingleLoad:     0,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				RPC: 5 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Port:      9090,
				Namespace: "balancer",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying it on
// whatever the receiver already holds (normally NewDefault()'s values).
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays INDEXFABRIC_* environment variables onto the
// configuration, highest precedence of the three sources.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("INDEXFABRIC_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("INDEXFABRIC_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("INDEXFABRIC_DELTA_T"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Balancing.DeltaT = d
		}
	}
	if val := os.Getenv("INDEXFABRIC_OVERLOAD_RECHECKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Balancing.OverloadRechecks = n
		}
	}
	if val := os.Getenv("INDEXFABRIC_GOSSIP_T"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Balancing.GossipT = d
		}
	}
	if val := os.Getenv("INDEXFABRIC_PEER_LIST_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Balancing.PeerListSize = n
		}
	}
	if val := os.Getenv("INDEXFABRIC_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Metrics.Port = port
		}
	}
	if val := os.Getenv("INDEXFABRIC_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile persists the configuration as YAML, creating the parent
// directory if it does not exist.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects configurations that would make the balancing fabric
// misbehave outright; a configuration failure is the only error severe
// enough to abort host startup.
func (c *Configuration) Validate() error {
	if c.Balancing.DeltaT <= 0 {
		return fmt.Errorf("balancing.delta_t must be greater than 0")
	}
	if c.Balancing.GossipT <= 0 {
		return fmt.Errorf("balancing.gossip_t must be greater than 0")
	}
	if c.Balancing.PeerListSize <= 0 {
		return fmt.Errorf("balancing.peer_list_size must be greater than 0")
	}
	if c.Balancing.OverloadRechecks <= 0 {
		return fmt.Errorf("balancing.overload_rechecks must be greater than 0")
	}
	if c.Balancing.SingleLoadAverage <= 0 {
		return fmt.Errorf("balancing.single_load_average must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
