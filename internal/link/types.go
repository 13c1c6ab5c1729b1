package link

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Link is one physical connection to a feed endpoint. Callback slots are
// single-owner: the last registration wins and nil clears the slot.
type Link interface {
	// ID returns the link's index within its pool.
	ID() int

	// URL returns the endpoint this link dials.
	URL() string

	// Connect starts connecting in the background. Failed dials and dropped
	// connections are retried with backoff until Close is called.
	Connect(ctx context.Context) error

	// Send writes a text frame. Returns ErrNotConnected while the link is down.
	Send(data []byte) error

	// OnMessage sets the handler for every received frame.
	OnMessage(fn func(Message))

	// OnReconnect sets the handler called after each successful connection.
	OnReconnect(fn func())

	// OnError sets the handler for transport errors.
	OnError(fn func(error))

	// Close shuts the link down for good and stops reconnecting.
	Close() error

	// UserClosed reports whether Close has been called.
	UserClosed() bool

	// IsConnected returns current connection state.
	IsConnected() bool

	// Stats returns a snapshot of link counters.
	Stats() Stats
}

// Message is a single frame received on a link.
type Message struct {
	Data       []byte    // Raw frame payload
	Binary     bool      // True for binary frames, false for text
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Stats is a point-in-time view of a link.
type Stats struct {
	ID               int
	URL              string
	Connected        bool
	UserClosed       bool
	Connects         int64
	Reconnects       int64
	MessagesReceived int64
	LastError        string
}

// Config configures a resilient link.
type Config struct {
	URL                string        // WebSocket URL (e.g., wss://pyth-lazer-0.dourolabs.app/v1/stream)
	Header             http.Header   // Extra dial headers (Authorization, User-Agent)
	HandshakeTimeout   time.Duration // Dial handshake timeout
	PingInterval       time.Duration // How often we ping the server
	PingTimeout        time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout       time.Duration // Write deadline for sends
	ReconnectBaseDelay time.Duration // First reconnect delay
	ReconnectMaxDelay  time.Duration // Cap for exponential backoff
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       30 * time.Second,
		PingTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

// withDefaults fills zero durations from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	return c
}
