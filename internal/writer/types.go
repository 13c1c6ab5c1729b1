package writer

import (
	"time"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// Source tags every row with the pool instance that produced it.
	Source string
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// priceRow represents a row to be inserted into the price_updates table.
// Nil prices are stored as NULL.
type priceRow struct {
	PriceFeedID    int64
	TimestampUs    int64
	SubscriptionID int64
	Price          *string
	BestBidPrice   *string
	BestAskPrice   *string
	Confidence     *string
	Exponent       int
	PublisherCount int
	ReceivedAt     int64 // Microseconds
	Source         string
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64 // Rows already archived
	Errors    int64
	Flushes   int64
}
