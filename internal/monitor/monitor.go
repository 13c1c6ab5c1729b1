package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/pricefeed-pool/internal/metrics"
	"github.com/rickgao/pricefeed-pool/internal/pool"
)

// PoolSource provides pool statistics.
type PoolSource interface {
	Stats() pool.Stats
}

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration // Report interval (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

type component struct {
	name  string
	stats func() any
}

// Monitor periodically logs statistics and updates gauges.
type Monitor struct {
	cfg     Config
	pool    PoolSource
	metrics *metrics.Metrics
	logger  *slog.Logger

	compMu     sync.Mutex
	components []component

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Monitor. m may be nil.
func New(cfg Config, src PoolSource, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Monitor{
		cfg:     cfg,
		pool:    src,
		metrics: m,
		logger:  logger,
	}
}

// Add registers a component whose stats are logged on every report.
func (m *Monitor) Add(name string, stats func() any) {
	m.compMu.Lock()
	defer m.compMu.Unlock()
	m.components = append(m.components, component{name: name, stats: stats})
}

// Start begins the report loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("monitor started", "interval", m.cfg.Interval)
	return nil
}

// Stop shuts down the report loop.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Report()
		}
	}
}

// Report logs one round of statistics and returns the pool snapshot.
func (m *Monitor) Report() pool.Stats {
	s := m.pool.Stats()

	m.metrics.SetLinksConnected(s.LinksConnected)
	m.metrics.SetCacheSize(s.CacheSize)

	level := slog.LevelInfo
	if s.LinksConnected == 0 && !s.Closed {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "pool stats",
		"pool", s.ID,
		"links", len(s.Links),
		"links_connected", s.LinksConnected,
		"subscriptions", s.Subscriptions,
		"received", s.Received,
		"forwarded", s.Forwarded,
		"duplicates", s.Duplicates,
		"protocol_errors", s.ProtocolErrors,
		"cache_size", s.CacheSize,
		"cache_hits", s.CacheHits,
		"cache_misses", s.CacheMisses,
		"cache_expired", s.CacheExpired,
	)

	for _, ls := range s.Links {
		attrs := []any{
			"link", ls.ID,
			"url", ls.URL,
			"connected", ls.Connected,
			"reconnects", ls.Reconnects,
			"messages", ls.MessagesReceived,
		}
		if ls.LastError != "" {
			attrs = append(attrs, "last_error", ls.LastError)
		}
		m.logger.Debug("link stats", attrs...)
	}

	m.compMu.Lock()
	comps := make([]component, len(m.components))
	copy(comps, m.components)
	m.compMu.Unlock()

	for _, c := range comps {
		m.logger.Info("component stats", "component", c.name, "stats", c.stats())
	}

	return s
}
