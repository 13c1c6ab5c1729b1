package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/pricefeed-pool/internal/auth"
	"github.com/rickgao/pricefeed-pool/internal/dedup"
	"github.com/rickgao/pricefeed-pool/internal/link"
	"github.com/rickgao/pricefeed-pool/internal/metrics"
	"github.com/rickgao/pricefeed-pool/internal/protocol"
	"github.com/rickgao/pricefeed-pool/internal/version"
)

// DefaultNumConnections is the number of redundant links when none is configured.
const DefaultNumConnections = 3

// Config configures a Pool.
type Config struct {
	URLs           []string      // Feed endpoints, assigned to links round-robin
	Token          string        // Bearer token sent on every dial
	NumConnections int           // Number of links (default 3)
	DedupTTL       time.Duration // Seen-cache window (default 10s)
	Link           link.Config   // Template for every link; URL and Header are set per link
}

// Message is a unique message delivered to listeners.
type Message struct {
	LinkID     int               // Link the first copy arrived on
	Data       []byte            // Raw payload, unchanged
	Binary     bool              // True for binary frames
	ReceivedAt time.Time         // When the first copy was read
	Envelope   protocol.Envelope // Decoded header; zero for binary or malformed frames
}

// Listener receives every unique message.
type Listener func(Message)

// ErrorListener receives errors surfaced from the feed.
type ErrorListener func(error)

// LinkFactory creates the link for index id.
type LinkFactory func(id int, cfg link.Config, logger *slog.Logger) link.Link

// Stats is a point-in-time view of a pool.
type Stats struct {
	ID             string
	Closed         bool
	Links          []link.Stats
	LinksConnected int
	Subscriptions  int
	Received       int64
	Forwarded      int64
	Duplicates     int64
	ProtocolErrors int64
	CacheSize      int
	CacheHits      int64
	CacheMisses    int64
	CacheExpired   int64 // Entries found stale on lookup
}

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	factory LinkFactory
	clock   dedup.Clock
}

// Option configures a Pool.
type Option func(*options)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLinkFactory replaces the WebSocket link constructor.
func WithLinkFactory(f LinkFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithClock sets the time source for the seen-cache.
func WithClock(c dedup.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Pool maintains redundant links to the feed and merges their traffic into
// one deduplicated stream.
type Pool struct {
	id      string
	logger  *slog.Logger
	metrics *metrics.Metrics
	cache   *dedup.Cache
	subs    *registry
	cancel  context.CancelFunc

	closed atomic.Bool

	mu    sync.RWMutex
	links []link.Link

	listenersMu    sync.RWMutex
	listeners      []Listener
	errorListeners []ErrorListener

	// Serializes listener invocation across links.
	dispatchMu sync.Mutex

	// Orders subscription sends against replays. replayed holds each
	// link's connect count as of its last replay.
	subsMu   sync.Mutex
	replayed map[int]int64

	received       atomic.Int64
	forwarded      atomic.Int64
	duplicates     atomic.Int64
	protocolErrors atomic.Int64
}

// New creates the pool's links and starts connecting them in the background.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", ErrInvalidArgument)
	}

	o := options{factory: link.New}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	n := cfg.NumConnections
	if n <= 0 {
		n = DefaultNumConnections
	}

	var cacheOpts []dedup.Option
	if o.clock != nil {
		cacheOpts = append(cacheOpts, dedup.WithClock(o.clock))
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		id:       id,
		logger:   o.logger.With("pool", id),
		metrics:  o.metrics,
		cache:    dedup.New(cfg.DedupTTL, cacheOpts...),
		subs:     newRegistry(),
		replayed: make(map[int]int64, n),
		cancel:   cancel,
		links:    make([]link.Link, 0, n),
	}

	creds := &auth.Credentials{Token: cfg.Token}
	for i := 0; i < n; i++ {
		lcfg := cfg.Link
		lcfg.URL = cfg.URLs[i%len(cfg.URLs)]
		lcfg.Header = creds.Header()
		lcfg.Header.Set("User-Agent", version.UserAgent())

		l := o.factory(i, lcfg, p.logger.With("link", i))
		p.wire(l)
		p.links = append(p.links, l)
	}

	for _, l := range p.links {
		go func(l link.Link) {
			if err := l.Connect(ctx); err != nil {
				p.logger.Warn("link connect failed", "link", l.ID(), "error", err)
			}
		}(l)
	}

	p.logger.Info("pool started",
		"links", n,
		"urls", len(cfg.URLs),
		"dedup_ttl", p.cache.TTL(),
	)

	return p, nil
}

// wire installs the pool's callbacks on a link.
func (p *Pool) wire(l link.Link) {
	id := l.ID()

	l.OnMessage(func(msg link.Message) {
		// Surfaced errors reach error listeners inside HandleMessage.
		_ = p.HandleMessage(id, msg)
	})
	l.OnReconnect(func() {
		p.replay(l)
	})
	l.OnError(func(err error) {
		p.logger.Debug("link transport error", "link", id, "error", err)
	})
}

// ID returns the pool's instance identifier.
func (p *Pool) ID() string {
	return p.id
}

// SendRequest broadcasts req on every link. Links that are down drop it.
func (p *Pool) SendRequest(req protocol.Request) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	p.broadcast(data)
	return nil
}

// AddSubscription stores a subscribe request for replay and broadcasts it.
// A link that has connected but not yet replayed is skipped, since its
// replay will include the request.
func (p *Pool) AddSubscription(req protocol.Request) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if req.Type != protocol.TypeSubscribe {
		return fmt.Errorf("%w: request type must be %q, got %q",
			ErrInvalidArgument, protocol.TypeSubscribe, req.Type)
	}

	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	n := p.subs.add(req)
	p.metrics.SetSubscriptions(n)

	p.logger.Debug("subscription added", "subscription_id", req.SubscriptionID)
	for _, l := range p.snapshotLinks() {
		if l.Stats().Connects != p.replayed[l.ID()] {
			// Connected but not yet replayed; the replay carries it.
			continue
		}
		if err := l.Send(data); err != nil {
			p.logger.Debug("send dropped", "link", l.ID(), "error", err)
		}
	}
	return nil
}

// RemoveSubscription forgets the subscription and broadcasts an unsubscribe
// for it. Removing an unknown id still sends the unsubscribe.
func (p *Pool) RemoveSubscription(id int64) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	data, err := protocol.Unsubscribe(id).Marshal()
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	existed, n := p.subs.remove(id)
	p.metrics.SetSubscriptions(n)

	p.logger.Debug("subscription removed", "subscription_id", id, "existed", existed)
	p.broadcast(data)
	return nil
}

// Subscriptions returns the requests that would be replayed on reconnect.
func (p *Pool) Subscriptions() []protocol.Request {
	return p.subs.snapshot()
}

// AddMessageListener registers l for every unique message. Listeners run in
// registration order and never concurrently with each other.
func (p *Pool) AddMessageListener(l Listener) {
	if l == nil || p.closed.Load() {
		return
	}
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, l)
	p.listenersMu.Unlock()
}

// AddErrorListener registers l for errors surfaced from the feed.
func (p *Pool) AddErrorListener(l ErrorListener) {
	if l == nil || p.closed.Load() {
		return
	}
	p.listenersMu.Lock()
	p.errorListeners = append(p.errorListeners, l)
	p.listenersMu.Unlock()
}

// Shutdown closes every link and drops all pool state. It does not wait for
// read loops, so it is safe to call from a listener. Later calls are no-ops.
func (p *Pool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	links := p.links
	p.links = nil
	p.mu.Unlock()

	for _, l := range links {
		l.OnReconnect(nil)
		l.OnError(nil)
		if err := l.Close(); err != nil {
			p.logger.Debug("link close failed", "link", l.ID(), "error", err)
		}
	}

	p.subs.clear()

	p.listenersMu.Lock()
	p.listeners = nil
	p.errorListeners = nil
	p.listenersMu.Unlock()

	p.cache.Close()
	p.cancel()

	p.metrics.SetSubscriptions(0)
	p.metrics.SetLinksConnected(0)
	p.metrics.SetCacheSize(0)

	p.logger.Info("pool shut down",
		"forwarded", p.forwarded.Load(),
		"duplicates", p.duplicates.Load(),
	)
}

// Stats returns a snapshot of pool and link counters.
func (p *Pool) Stats() Stats {
	links := p.snapshotLinks()

	cs := p.cache.Stats()
	s := Stats{
		ID:             p.id,
		Closed:         p.closed.Load(),
		Links:          make([]link.Stats, 0, len(links)),
		Subscriptions:  p.subs.len(),
		Received:       p.received.Load(),
		Forwarded:      p.forwarded.Load(),
		Duplicates:     p.duplicates.Load(),
		ProtocolErrors: p.protocolErrors.Load(),
		CacheSize:      cs.Size,
		CacheHits:      cs.Hits,
		CacheMisses:    cs.Misses,
		CacheExpired:   cs.Expired,
	}
	for _, l := range links {
		ls := l.Stats()
		if ls.Connected {
			s.LinksConnected++
		}
		s.Links = append(s.Links, ls)
	}
	return s
}

func (p *Pool) snapshotLinks() []link.Link {
	p.mu.RLock()
	defer p.mu.RUnlock()
	links := make([]link.Link, len(p.links))
	copy(links, p.links)
	return links
}

// broadcast sends data on every link. Per-link failures are absorbed.
func (p *Pool) broadcast(data []byte) {
	for _, l := range p.snapshotLinks() {
		if err := l.Send(data); err != nil {
			p.logger.Debug("send dropped", "link", l.ID(), "error", err)
		}
	}
}

// replay resends every stored subscription on l only.
func (p *Pool) replay(l link.Link) {
	if l.UserClosed() || p.closed.Load() {
		return
	}

	p.metrics.ObserveConnect(strconv.Itoa(l.ID()))

	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	p.replayed[l.ID()] = l.Stats().Connects
	reqs := p.subs.snapshot()
	if len(reqs) == 0 {
		return
	}

	sent := 0
	for _, req := range reqs {
		data, err := req.Marshal()
		if err != nil {
			p.logger.Error("failed to marshal subscription", "subscription_id", req.SubscriptionID, "error", err)
			continue
		}
		if err := l.Send(data); err != nil {
			p.logger.Debug("replay send dropped", "link", l.ID(), "subscription_id", req.SubscriptionID, "error", err)
			continue
		}
		sent++
	}

	p.metrics.ObserveReplays(sent)
	p.logger.Info("replayed subscriptions", "link", l.ID(), "count", sent)
}
