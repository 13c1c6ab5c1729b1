// Package database manages the PostgreSQL/TimescaleDB connection pool used
// by the archive writer.
//
// The archive is append-only: one row per (price_feed_id, timestamp_us), with
// duplicates from overlapping subscriptions ignored on insert.
package database
