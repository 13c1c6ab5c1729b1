// Package writer archives routed price updates into TimescaleDB.
//
// The archive writer is append-only: rows are keyed by (price_feed_id,
// timestamp_us) and a conflicting insert is counted, not retried. Prices keep
// their exact decimal form as NUMERIC alongside the feed exponent.
package writer
