// Package monitor periodically reports pool health.
//
// Each tick it logs pool and per-link counters, refreshes the connection and
// cache gauges, and logs any registered component stats (router, archive
// writer, republisher).
package monitor
