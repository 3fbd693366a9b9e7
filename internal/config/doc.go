/*
Package config loads the balancing fabric's single key/value
configuration file into a nested Configuration struct, with multi-source precedence (environment over file over
compiled-in defaults) and a section-per-concern YAML layout.

# Configuration Structure

	global:
	  log_level: INFO
	  log_file: "/var/log/balancer.log"

	balancing:
	  delta_t: 3s
	  overload_rechecks: 1
	  busy_load_window_milis: 30s
	  single_load_average: 10
	  gossip_t: 3s
	  peer_list_size: 5
	  min_busy_load: 0
	  min_single_load: 0

	network:
	  timeouts:
	    rpc: 5s
	  retry:
	    max_attempts: 3
	    base_delay: 100ms
	    max_delay: 5s
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    timeout: 30s

	monitoring:
	  metrics:
	    enabled: true
	    port: 9090
	    namespace: balancer

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/indexfabric/balancer.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Environment variables use the INDEXFABRIC_ prefix (INDEXFABRIC_DELTA_T,
INDEXFABRIC_GOSSIP_T, INDEXFABRIC_PEER_LIST_SIZE, ...) and take
precedence over file values but not over explicit runtime overrides made
after loading.

internal/balancer.FromConfiguration adapts a Configuration into the package's
own Config type (durations and counters the decision engine and gossip
estimator consume directly), keeping this package free of any
balancer-specific import; internal/balancer.LoadConfig runs the sequence
above for a file path and adapts the result.
*/
package config
