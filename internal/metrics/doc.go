/*
Package metrics exposes the balancing fabric's load, gossip, and action
counters as Prometheus series on a private registry served over an
HTTP listener.

# Series

	balancer_actions_total{action,status}       - Split/Leave/Migrate/Replicate/Unify outcomes
	balancer_action_duration_seconds{action}     - action latency distribution
	balancer_gossip_rounds_total                 - completed gossip exchanges
	balancer_gossip_weight                       - current push-sum weight
	balancer_busy_load                           - current host busy-load
	balancer_single_load                         - current host single-load
	balancer_data_load                           - current host data-load
	balancer_reservations_total{outcome}         - SuitableHostOperation handshake outcomes
	balancer_errors_total{operation,type}        - errors by operation and classification

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "balancer",
	})
	if err != nil {
		log.Fatal(err)
	}
	go collector.Start(ctx)

	collector.RecordAction("split", elapsed, success)
	collector.RecordGossipRound(weight)
	collector.RecordLoad(busy, single, data)
*/
package metrics
