package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricefeed"

// Metrics holds the pool's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesForwarded prometheus.Counter
	Duplicates        prometheus.Counter
	ProtocolErrors    *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	Replays           prometheus.Counter
	Subscriptions     prometheus.Gauge
	LinksConnected    prometheus.Gauge
	CacheSize         prometheus.Gauge

	UpdatesArchived prometheus.Counter
	ArchiveErrors   prometheus.Counter
	FlushDuration   prometheus.Histogram
	Published       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Frames received per link, duplicates included.",
		}, []string{"link"}),
		MessagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Unique messages delivered to listeners.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Messages dropped as duplicates.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Error messages surfaced from the feed, by kind.",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_connects_total",
			Help:      "Successful link connections, initial and reconnects.",
		}, []string{"link"}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_replays_total",
			Help:      "Subscription requests resent after a link connected.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Subscriptions held for replay.",
		}),
		LinksConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_connected",
			Help:      "Links currently connected.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_cache_entries",
			Help:      "Fingerprints held in the seen-cache.",
		}),
		UpdatesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_archived_total",
			Help:      "Price updates written to the archive.",
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Failed archive batch inserts.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_flush_seconds",
			Help:      "Archive batch flush latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages republished to NATS, by subject.",
		}, []string{"subject"}),
	}

	collectorsToRegister := []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesForwarded,
		m.Duplicates,
		m.ProtocolErrors,
		m.Reconnects,
		m.Replays,
		m.Subscriptions,
		m.LinksConnected,
		m.CacheSize,
		m.UpdatesArchived,
		m.ArchiveErrors,
		m.FlushDuration,
		m.Published,
	}
	for _, c := range collectorsToRegister {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("metric already registered: %w", err)
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

// NewRegistry returns a registry preloaded with Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) ObserveReceived(link string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(link).Inc()
}

func (m *Metrics) ObserveForwarded() {
	if m == nil {
		return
	}
	m.MessagesForwarded.Inc()
}

func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *Metrics) ObserveProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveConnect(link string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(link).Inc()
}

func (m *Metrics) ObserveReplays(n int) {
	if m == nil {
		return
	}
	m.Replays.Add(float64(n))
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

func (m *Metrics) SetLinksConnected(n int) {
	if m == nil {
		return
	}
	m.LinksConnected.Set(float64(n))
}

func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(n))
}

func (m *Metrics) ObserveArchived(n int, seconds float64) {
	if m == nil {
		return
	}
	m.UpdatesArchived.Add(float64(n))
	m.FlushDuration.Observe(seconds)
}

func (m *Metrics) ObserveArchiveError() {
	if m == nil {
		return
	}
	m.ArchiveErrors.Inc()
}

func (m *Metrics) ObservePublished(subject string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(subject).Inc()
}
