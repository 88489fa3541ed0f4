/*
Package metrics defines and registers this agent's Prometheus metrics:
coordinator leadership and lock timing, rollout outcomes and duration,
lifecycle process state and sanity-check credit, control-surface request
counts, and watcher failures. Metrics are exposed over HTTP for scraping by
a Prometheus server via Handler().

# Usage

	timer := metrics.NewTimer()
	// ... run the rollout ...
	timer.ObserveDuration(metrics.RolloutDuration)

	metrics.RolloutsTotal.WithLabelValues("ok").Inc()

	http.Handle("/metrics", metrics.Handler())

All metrics are registered at package init and are safe for concurrent use
from every actor in the process.
*/
package metrics
