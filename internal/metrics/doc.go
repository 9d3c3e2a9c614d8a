// Package metrics exposes dispatch and subscription counters to Prometheus.
package metrics
