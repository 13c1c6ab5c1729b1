package router

import "time"

// Config holds configuration for the Message Router.
type Config struct {
	InputSize     int // Listener channel size. Default: 4096
	BufferSize    int // Initial output buffer capacity. Default: 1000
	MaxBufferSize int // Output buffer growth cap. Default: 100000
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		InputSize:     4096,
		BufferSize:    1000,
		MaxBufferSize: 100000,
	}
}

// PriceUpdate is one feed's values from a stream update.
// Prices are decimal strings scaled by 10^Exponent; empty means not requested.
type PriceUpdate struct {
	SubscriptionID int64
	PriceFeedID    int64
	TimestampUs    int64 // Feed timestamp, microseconds since epoch
	Price          string
	BestBidPrice   string
	BestAskPrice   string
	Confidence     string
	Exponent       int
	PublisherCount int
	LinkID         int       // Link the message first arrived on
	ReceivedAt     time.Time // Local receive time
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64 // Messages taken from the pool
	MessagesDropped  int64 // Messages dropped because the input channel was full
	UpdatesRouted    int64 // PriceUpdates pushed to the output buffer
	ParseErrors      int64
	ControlMessages  int64 // subscribed, unsubscribed, subscriptionError, error
	UnknownMessages  int64 // Unknown types and binary frames
	Buffer           BufferStats
}
