package publish

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/pricefeed-pool/internal/metrics"
	"github.com/rickgao/pricefeed-pool/internal/pool"
	"github.com/rickgao/pricefeed-pool/internal/protocol"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "pricefeed"

// Subject classes appended to the prefix.
const (
	ClassStream  = "stream"
	ClassControl = "control"
	ClassError   = "error"
	ClassBinary  = "binary"
	ClassUnknown = "unknown"
)

// Publisher is the subset of *nats.Conn the republisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Stats holds republisher counters.
type Stats struct {
	Published int64
	Errors    int64
}

// Republisher forwards pool messages to NATS.
type Republisher struct {
	pub     Publisher
	prefix  string
	metrics *metrics.Metrics
	logger  *slog.Logger

	published atomic.Int64
	errors    atomic.Int64
}

// New creates a Republisher. m may be nil.
func New(pub Publisher, prefix string, m *metrics.Metrics, logger *slog.Logger) *Republisher {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Republisher{
		pub:     pub,
		prefix:  prefix,
		metrics: m,
		logger:  logger,
	}
}

// Listener returns a pool listener that publishes every message it sees.
// Publish errors are counted and logged, never returned to the pool.
func (r *Republisher) Listener() pool.Listener {
	return func(msg pool.Message) {
		subject := r.Subject(msg)
		if err := r.pub.Publish(subject, msg.Data); err != nil {
			r.errors.Add(1)
			r.logger.Debug("publish failed", "subject", subject, "error", err)
			return
		}
		r.published.Add(1)
		r.metrics.ObservePublished(subject)
	}
}

// Subject returns the subject a message is published on.
func (r *Republisher) Subject(msg pool.Message) string {
	return r.prefix + "." + Class(msg)
}

// Class maps a message to its subject class.
func Class(msg pool.Message) string {
	if msg.Binary {
		return ClassBinary
	}
	switch msg.Envelope.Kind {
	case protocol.KindStreamUpdated:
		return ClassStream
	case protocol.KindSubscribed, protocol.KindUnsubscribed:
		return ClassControl
	case protocol.KindSubscriptionError, protocol.KindError:
		return ClassError
	default:
		return ClassUnknown
	}
}

// Stats returns current counters.
func (r *Republisher) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Errors:    r.errors.Load(),
	}
}

// Connect dials NATS with reconnects that never give up, logging connection
// state changes.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	if name != "" {
		opts = append(opts, nats.Name(name))
	}

	return nats.Connect(url, opts...)
}
