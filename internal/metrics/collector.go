package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes the balancing fabric's load, gossip, and action
// counters as Prometheus series behind a registry-plus-HTTP-listener,
// keyed to the fabric's own domain (load meters, gossip rounds,
// balancing actions) rather than filesystem operations or cache levels.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	actionCounter   *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	gossipRounds    prometheus.Counter
	gossipWeight    prometheus.Gauge
	busyLoadGauge   prometheus.Gauge
	singleLoadGauge prometheus.Gauge
	dataLoadGauge   prometheus.Gauge
	reservations    *prometheus.CounterVec
	errorCounter    *prometheus.CounterVec

	actions   map[string]*ActionMetrics
	lastReset time.Time

	server *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// ActionMetrics tracks metrics for a specific balancing action kind
// (split, leave, migrate, replicate, unify).
type ActionMetrics struct {
	Count         int64         `json:"count"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastAction    time.Time     `json:"last_action"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "balancer",
			Subsystem: "",
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:    config,
		registry:  registry,
		actions:   make(map[string]*ActionMetrics),
		lastReset: time.Now(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start starts the metrics collection server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/actions", c.debugActionsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop stops the metrics collection server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordAction records the outcome of a balancing action primitive
// (Split, Leave, Migrate, Replicate, Unify).
func (c *Collector) RecordAction(kind string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, exists := c.actions[kind]; exists {
		m.Count++
		m.TotalDuration += duration
		if !success {
			m.Failures++
		}
		m.LastAction = time.Now()
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	} else {
		failures := int64(0)
		if !success {
			failures = 1
		}
		c.actions[kind] = &ActionMetrics{
			Count:         1,
			Failures:      failures,
			TotalDuration: duration,
			LastAction:    time.Now(),
			AvgDuration:   duration,
		}
	}

	status := "success"
	if !success {
		status = "failure"
	}
	c.actionCounter.With(prometheus.Labels{"action": kind, "status": status}).Inc()
	c.actionDuration.With(prometheus.Labels{"action": kind}).Observe(duration.Seconds())
}

// RecordGossipRound records a completed gossip exchange and the
// resulting local weight.
func (c *Collector) RecordGossipRound(weight float64) {
	if !c.config.Enabled {
		return
	}
	c.gossipRounds.Inc()
	c.gossipWeight.Set(weight)
}

// RecordLoad records the host's current busy/single/data load readings,
// as produced by the load meters.
func (c *Collector) RecordLoad(busy, single, data int64) {
	if !c.config.Enabled {
		return
	}
	c.busyLoadGauge.Set(float64(busy))
	c.singleLoadGauge.Set(float64(single))
	c.dataLoadGauge.Set(float64(data))
}

// RecordReservation records the outcome of a SuitableHostOperation
// reservation handshake.
func (c *Collector) RecordReservation(accepted bool) {
	if !c.config.Enabled {
		return
	}
	outcome := "accepted"
	if !accepted {
		outcome = "refused"
	}
	c.reservations.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordError records an error associated with a balancing operation.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// GetActions returns a snapshot of the per-action-kind counters.
func (c *Collector) GetActions() map[string]*ActionMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*ActionMetrics, len(c.actions))
	for k, v := range c.actions {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ResetMetrics clears the in-memory action counters (the Prometheus
// series themselves are cumulative and are not reset).
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.actions = make(map[string]*ActionMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() error {
	c.actionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "actions_total",
			Help:      "Total number of balancing actions by kind and outcome",
		},
		[]string{"action", "status"},
	)

	c.actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "action_duration_seconds",
			Help:      "Duration of balancing actions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"action"},
	)

	c.gossipRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "gossip_rounds_total",
		Help:      "Total number of completed gossip rounds",
	})

	c.gossipWeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "gossip_weight",
		Help:      "Current push-sum weight held by this host",
	})

	c.busyLoadGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "busy_load",
		Help:      "Current host busy-load (windowed distance-computation sum)",
	})

	c.singleLoadGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "single_load",
		Help:      "Current host single-load (last-N query cost average)",
	})

	c.dataLoadGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "data_load",
		Help:      "Current host data-load (total object count)",
	})

	c.reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "reservations_total",
			Help:      "Total SuitableHostOperation reservation handshakes by outcome",
		},
		[]string{"outcome"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of balancing errors by operation and classification",
		},
		[]string{"operation", "type"},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.actionCounter,
		c.actionDuration,
		c.gossipRounds,
		c.gossipWeight,
		c.busyLoadGauge,
		c.singleLoadGauge,
		c.dataLoadGauge,
		c.reservations,
		c.errorCounter,
	}

	for _, metric := range collectors {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "not suitable"), strings.Contains(errStr, "NOT_SUITABLE"):
		return "not_suitable"
	case strings.Contains(errStr, "not asked"), strings.Contains(errStr, "ERROR_NOT_ASKED"):
		return "not_asked"
	case strings.Contains(errStr, "connection"):
		return "connection"
	default:
		return "other"
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"balancer-metrics"}`))
}

func (c *Collector) debugActionsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Balancing Actions Summary\n")
	writef("==========================\n\n")
	writef("Since: %v\n\n", c.lastReset)

	if len(c.actions) == 0 {
		writef("No actions recorded.\n")
		return
	}

	writef("%-12s %8s %8s %14s %10s\n", "Action", "Count", "Failed", "Avg Duration", "Last")
	for name, m := range c.actions {
		writef("%-12s %8d %8d %14v %10s\n",
			name, m.Count, m.Failures, m.AvgDuration, m.LastAction.Format("15:04:05"))
	}
}
