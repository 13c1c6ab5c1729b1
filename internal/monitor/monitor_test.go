package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/pricefeed-pool/internal/link"
	"github.com/rickgao/pricefeed-pool/internal/metrics"
	"github.com/rickgao/pricefeed-pool/internal/pool"
)

type staticPool struct {
	mu    sync.Mutex
	stats pool.Stats
	calls int
}

func (s *staticPool) Stats() pool.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.stats
}

func (s *staticPool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// syncBuffer guards log output written from the monitor goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMonitor_Report(t *testing.T) {
	src := &staticPool{stats: pool.Stats{
		ID:             "pool-1",
		LinksConnected: 2,
		Subscriptions:  3,
		CacheSize:      42,
		CacheHits:      5,
		CacheExpired:   1,
		Links: []link.Stats{
			{ID: 0, URL: "wss://a", Connected: true},
			{ID: 1, URL: "wss://b", Connected: true},
			{ID: 2, URL: "wss://a", LastError: "dial tcp: refused"},
		},
	}}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}

	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mon := New(Config{Interval: time.Hour}, src, m, logger)
	mon.Add("router", func() any { return map[string]int{"routed": 7} })

	s := mon.Report()

	if s.ID != "pool-1" {
		t.Errorf("Report().ID = %q, want pool-1", s.ID)
	}
	if got := testutil.ToFloat64(m.LinksConnected); got != 2 {
		t.Errorf("links connected gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheSize); got != 42 {
		t.Errorf("cache size gauge = %v, want 42", got)
	}

	logs := out.String()
	for _, want := range []string{
		"pool stats",
		"links_connected=2",
		"cache_hits=5",
		"cache_expired=1",
		"component=router",
		`last_error="dial tcp: refused"`,
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %q:\n%s", want, logs)
		}
	}
}

func TestMonitor_WarnsWhenNoLinks(t *testing.T) {
	src := &staticPool{stats: pool.Stats{ID: "pool-1"}}

	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	New(Config{}, src, nil, logger).Report()

	if !strings.Contains(out.String(), "level=WARN") {
		t.Errorf("expected WARN when no links are connected, got:\n%s", out.String())
	}
}

func TestMonitor_StartStop(t *testing.T) {
	src := &staticPool{}
	mon := New(Config{Interval: 10 * time.Millisecond}, src, nil, slog.New(slog.NewTextHandler(&syncBuffer{}, nil)))

	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for src.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if src.callCount() < 2 {
		t.Errorf("Report called %d times, want at least 2", src.callCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mon.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	mon := New(Config{}, &staticPool{}, nil, nil)
	if mon.cfg.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", mon.cfg.Interval)
	}
}
