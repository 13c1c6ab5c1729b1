// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Per-link frame rates and connection counts
//   - Forwarded vs duplicate message counts
//   - Protocol errors by kind
//   - Active subscriptions and seen-cache size
//   - Archive batch sizes, latencies and failures
//   - NATS republish counts
package metrics
