package pool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/pricefeed-pool/internal/dedup"
	"github.com/rickgao/pricefeed-pool/internal/link"
	"github.com/rickgao/pricefeed-pool/internal/metrics"
	"github.com/rickgao/pricefeed-pool/internal/protocol"
)

const streamMsg = `{"type":"streamUpdated","subscriptionId":1,"parsed":{"timestampUs":"1730986152400000","priceFeeds":[{"priceFeedId":1,"price":"6837500000000"}]}}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *fakeFactory, *dedup.ManualClock) {
	t.Helper()

	if len(cfg.URLs) == 0 {
		cfg.URLs = []string{"wss://feed-0.example.com/v1/stream"}
	}

	ff := &fakeFactory{}
	clk := dedup.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{
		WithLogger(discardLogger()),
		WithLinkFactory(ff.new),
		WithClock(clk),
	}, opts...)

	p, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	return p, ff, clk
}

func subscribeReq(id int64, feeds ...int64) protocol.Request {
	return protocol.Subscribe(id, protocol.SubscribeParams{
		PriceFeedIDs: feeds,
		Properties:   []string{"price"},
		Chains:       []string{"solana"},
		Channel:      "fixed_rate@200ms",
	})
}

func mustMarshal(t *testing.T, req protocol.Request) string {
	t.Helper()
	data, err := req.Marshal()
	require.NoError(t, err)
	return string(data)
}

// collector records every message delivered to it.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) listen(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) get(i int) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

func TestNew_EmptyURLs(t *testing.T) {
	_, err := New(Config{}, WithLogger(discardLogger()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestNew_DefaultConnections(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	assert.Len(t, ff.all(), DefaultNumConnections)
	assert.NotEmpty(t, p.ID())

	for _, l := range ff.all() {
		assert.Eventually(t, l.IsConnected, time.Second, 5*time.Millisecond,
			"link %d was never connected", l.ID())
	}
}

func TestNew_URLRoundRobin(t *testing.T) {
	urls := []string{"wss://a.example.com", "wss://b.example.com"}
	_, ff, _ := newTestPool(t, Config{URLs: urls, NumConnections: 3, Token: "tok"})

	links := ff.all()
	require.Len(t, links, 3)
	assert.Equal(t, urls[0], links[0].URL())
	assert.Equal(t, urls[1], links[1].URL())
	assert.Equal(t, urls[0], links[2].URL())

	for _, l := range links {
		assert.Equal(t, "Bearer tok", l.cfg.Header.Get("Authorization"))
		assert.Contains(t, l.cfg.Header.Get("User-Agent"), "pricefeed-pool/")
	}
}

func TestNew_MoreURLsThanLinks(t *testing.T) {
	urls := []string{"wss://a", "wss://b", "wss://c"}
	_, ff, _ := newTestPool(t, Config{URLs: urls, NumConnections: 2})

	links := ff.all()
	require.Len(t, links, 2)
	assert.Equal(t, "wss://a", links[0].URL())
	assert.Equal(t, "wss://b", links[1].URL())
}

func TestPool_DedupAcrossLinks(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 3})

	var first, second collector
	p.AddMessageListener(first.listen)
	p.AddMessageListener(second.listen)

	for _, l := range ff.all() {
		l.deliver(streamMsg)
	}

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
	assert.Equal(t, streamMsg, string(first.get(0).Data))
	assert.Equal(t, protocol.KindStreamUpdated, first.get(0).Envelope.Kind)
	assert.Equal(t, 0, first.get(0).LinkID)

	s := p.Stats()
	assert.Equal(t, int64(3), s.Received)
	assert.Equal(t, int64(1), s.Forwarded)
	assert.Equal(t, int64(2), s.Duplicates)
	assert.Equal(t, 1, s.CacheSize)
	assert.Equal(t, int64(2), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
}

func TestPool_DedupConcurrentLinks(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 3})

	var c collector
	p.AddMessageListener(c.listen)

	const messages = 200
	var wg sync.WaitGroup
	for _, l := range ff.all() {
		wg.Add(1)
		go func(l *fakeLink) {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				l.deliver(fmt.Sprintf(`{"type":"streamUpdated","subscriptionId":1,"seq":%d}`, i))
			}
		}(l)
	}
	wg.Wait()

	assert.Equal(t, messages, c.count())
	assert.Equal(t, int64(2*messages), p.Stats().Duplicates)
}

func TestPool_ConcurrentLinksPreserveOrder(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 3})

	var c collector
	p.AddMessageListener(c.listen)

	const messages = 1000
	var wg sync.WaitGroup
	for _, l := range ff.all() {
		wg.Add(1)
		go func(l *fakeLink) {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				l.deliver(fmt.Sprintf(`{"type":"streamUpdated","subscriptionId":1,"seq":%d}`, i))
			}
		}(l)
	}
	wg.Wait()

	require.Equal(t, messages, c.count())
	for i := 0; i < messages; i++ {
		want := fmt.Sprintf(`{"type":"streamUpdated","subscriptionId":1,"seq":%d}`, i)
		require.Equal(t, want, string(c.get(i).Data), "message %d forwarded out of order", i)
	}
}

func TestPool_TTLExpiry(t *testing.T) {
	p, ff, clk := newTestPool(t, Config{DedupTTL: 10 * time.Second})

	var c collector
	p.AddMessageListener(c.listen)

	l := ff.get(0)
	l.deliver(streamMsg)
	require.Equal(t, 1, c.count())

	clk.Advance(5 * time.Second)
	ff.get(1).deliver(streamMsg)
	assert.Equal(t, 1, c.count(), "copy within TTL is a duplicate")

	clk.Advance(6 * time.Second)
	l.deliver(streamMsg)
	assert.Equal(t, 2, c.count(), "copy after TTL is forwarded again")
}

func TestPool_TextAndBinaryDistinct(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	var c collector
	p.AddMessageListener(c.listen)

	l := ff.get(0)
	l.deliverFrame([]byte{0x01, 0x02}, true)
	ff.get(1).deliverFrame([]byte{0x01, 0x02}, true)
	l.deliverFrame([]byte("0102"), false)

	require.Equal(t, 2, c.count())
	assert.True(t, c.get(0).Binary)
	assert.Equal(t, protocol.KindUnknown, c.get(0).Envelope.Kind)
	assert.False(t, c.get(1).Binary)
}

func TestPool_ListenerOrder(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		p.AddMessageListener(func(Message) { order = append(order, i) })
	}

	ff.get(0).deliver(streamMsg)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPool_AddSubscriptionBroadcasts(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 3})

	req := subscribeReq(1, 1, 2)
	require.NoError(t, p.AddSubscription(req))

	want := mustMarshal(t, req)
	for _, l := range ff.all() {
		assert.Equal(t, []string{want}, l.sentMessages(), "link %d", l.ID())
	}
	assert.Len(t, p.Subscriptions(), 1)
}

func TestPool_AddSubscriptionOverwrites(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	require.NoError(t, p.AddSubscription(subscribeReq(1, 1)))
	updated := subscribeReq(1, 1, 2, 3)
	require.NoError(t, p.AddSubscription(updated))

	subs := p.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, []int64{1, 2, 3}, subs[0].PriceFeedIDs)

	l := ff.get(0)
	l.resetSent()
	l.reconnect()
	assert.Equal(t, []string{mustMarshal(t, updated)}, l.sentMessages())
}

func TestPool_InvalidAddSubscription(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	err := p.AddSubscription(protocol.Unsubscribe(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	assert.Empty(t, p.Subscriptions())
	for _, l := range ff.all() {
		assert.Empty(t, l.sentMessages())
	}
}

func TestPool_ReplayOnReconnect(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 3})

	s1, s2 := subscribeReq(1, 1), subscribeReq(2, 2)
	require.NoError(t, p.AddSubscription(s2))
	require.NoError(t, p.AddSubscription(s1))

	for _, l := range ff.all() {
		l.resetSent()
	}

	ff.get(1).reconnect()

	assert.Equal(t, []string{mustMarshal(t, s1), mustMarshal(t, s2)}, ff.get(1).sentMessages())
	assert.Empty(t, ff.get(0).sentMessages())
	assert.Empty(t, ff.get(2).sentMessages())
}

func TestPool_SubscriptionBeforeReplaySentOnce(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 2})
	l, other := ff.get(0), ff.get(1)
	s1, s2 := subscribeReq(1, 1), subscribeReq(2, 2)

	l.open()
	require.NoError(t, p.AddSubscription(s1))
	assert.Empty(t, l.sentMessages(), "replay is pending on a fresh connection")
	assert.Equal(t, []string{mustMarshal(t, s1)}, other.sentMessages())

	l.reconnect()
	assert.Equal(t, []string{mustMarshal(t, s1)}, l.sentMessages())

	require.NoError(t, p.AddSubscription(s2))
	assert.Equal(t, []string{mustMarshal(t, s1), mustMarshal(t, s2)}, l.sentMessages())

	// A second connection reopens the window until its replay runs.
	l.resetSent()
	l.open()
	require.NoError(t, p.RemoveSubscription(2))
	l.reconnect()
	assert.Equal(t, []string{mustMarshal(t, protocol.Unsubscribe(2)), mustMarshal(t, s1)}, l.sentMessages())
}

func TestPool_RemovedSubscriptionNotReplayed(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 2})

	s1 := subscribeReq(1, 1)
	require.NoError(t, p.AddSubscription(s1))
	require.NoError(t, p.RemoveSubscription(1))

	unsub := mustMarshal(t, protocol.Unsubscribe(1))
	for _, l := range ff.all() {
		assert.Equal(t, []string{mustMarshal(t, s1), unsub}, l.sentMessages())
		l.resetSent()
	}

	for _, l := range ff.all() {
		l.reconnect()
		assert.Empty(t, l.sentMessages())
	}
	assert.Empty(t, p.Subscriptions())
}

func TestPool_RemoveUnknownSubscription(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	require.NoError(t, p.RemoveSubscription(42))
	assert.Equal(t, []string{`{"type":"unsubscribe","subscriptionId":42}`}, ff.get(0).sentMessages())
}

func TestPool_NoReplayAfterShutdown(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 3})

	require.NoError(t, p.AddSubscription(subscribeReq(1, 1)))
	for _, l := range ff.all() {
		l.resetSent()
	}

	p.Shutdown()

	for _, l := range ff.all() {
		assert.True(t, l.UserClosed())
		l.reconnect()
		assert.Empty(t, l.sentMessages())
	}
}

func TestPool_NoReplayOnUserClosedLink(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	require.NoError(t, p.AddSubscription(subscribeReq(1, 1)))

	l := ff.get(0)
	l.Close()
	l.resetSent()
	l.reconnect()

	assert.Empty(t, l.sentMessages())
}

func TestPool_SendRequestAbsorbsLinkFailures(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 3})

	down := ff.get(1)
	down.mu.Lock()
	down.sendErr = link.ErrNotConnected
	down.mu.Unlock()

	req := subscribeReq(7, 1)
	require.NoError(t, p.SendRequest(req))

	assert.Len(t, ff.get(0).sentMessages(), 1)
	assert.Empty(t, down.sentMessages())
	assert.Len(t, ff.get(2).sentMessages(), 1)
	assert.Empty(t, p.Subscriptions(), "SendRequest does not register")
}

func TestPool_ErrorSurfacing(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	var c collector
	p.AddMessageListener(c.listen)

	var mu sync.Mutex
	var observed []error
	p.AddErrorListener(func(err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	})

	protoErr := p.HandleMessage(0, link.Message{Data: []byte(`{"type":"error","error":"rate limited"}`)})
	require.Error(t, protoErr)
	assert.True(t, errors.Is(protoErr, ErrProtocol))
	assert.False(t, errors.Is(protoErr, ErrSubscription))

	var pe *ProtocolError
	require.True(t, errors.As(protoErr, &pe))
	assert.Equal(t, "rate limited", pe.Message)

	subErr := p.HandleMessage(1, link.Message{Data: []byte(`{"type":"subscriptionError","subscriptionId":3,"error":"unknown feed"}`)})
	require.Error(t, subErr)
	assert.True(t, errors.Is(subErr, ErrSubscription))
	assert.False(t, errors.Is(subErr, ErrProtocol))

	var se *SubscriptionError
	require.True(t, errors.As(subErr, &se))
	assert.Equal(t, int64(3), se.SubscriptionID)
	assert.Equal(t, "unknown feed", se.Message)

	// Both error messages still reach listeners.
	assert.Equal(t, 2, c.count())
	assert.Equal(t, protocol.KindError, c.get(0).Envelope.Kind)
	assert.Equal(t, protocol.KindSubscriptionError, c.get(1).Envelope.Kind)

	mu.Lock()
	assert.Len(t, observed, 2)
	mu.Unlock()

	// A duplicate error is dropped like any other duplicate.
	assert.NoError(t, p.HandleMessage(2, link.Message{Data: []byte(`{"type":"error","error":"rate limited"}`)}))
	assert.Equal(t, int64(2), p.Stats().ProtocolErrors)
}

func TestPool_MalformedMessageForwarded(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	var c collector
	p.AddMessageListener(c.listen)

	err := p.HandleMessage(0, link.Message{Data: []byte(`{"type":`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	var me *MalformedMessageError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 0, me.LinkID)

	require.Equal(t, 1, c.count())
	assert.Equal(t, `{"type":`, string(c.get(0).Data))
}

func TestPool_TypelessMessageForwardedWithoutError(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	var c collector
	p.AddMessageListener(c.listen)
	var errs []error
	p.AddErrorListener(func(err error) { errs = append(errs, err) })

	err := p.HandleMessage(0, link.Message{Data: []byte(`{"status":"ok"}`)})
	require.NoError(t, err)

	require.Equal(t, 1, c.count())
	assert.Equal(t, protocol.KindUnknown, c.get(0).Envelope.Kind)
	assert.Empty(t, errs)
	assert.Equal(t, int64(0), p.Stats().ProtocolErrors)
}

func TestPool_SubscriptionErrorKeepsSubscription(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	require.NoError(t, p.AddSubscription(subscribeReq(3, 9)))
	err := p.HandleMessage(0, link.Message{Data: []byte(`{"type":"subscriptionError","subscriptionId":3,"error":"unknown feed"}`)})
	require.Error(t, err)

	assert.Len(t, p.Subscriptions(), 1)
}

func TestPool_Shutdown(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{NumConnections: 2})

	var c collector
	p.AddMessageListener(c.listen)
	require.NoError(t, p.AddSubscription(subscribeReq(1, 1)))

	p.Shutdown()
	p.Shutdown()

	for _, l := range ff.all() {
		l.mu.Lock()
		assert.Nil(t, l.onReconnect)
		assert.Nil(t, l.onError)
		l.mu.Unlock()
		assert.True(t, l.UserClosed())
	}

	assert.True(t, errors.Is(p.AddSubscription(subscribeReq(2, 2)), ErrPoolClosed))
	assert.True(t, errors.Is(p.RemoveSubscription(1), ErrPoolClosed))
	assert.True(t, errors.Is(p.SendRequest(subscribeReq(2, 2)), ErrPoolClosed))
	assert.True(t, errors.Is(p.HandleMessage(0, link.Message{Data: []byte(streamMsg)}), ErrPoolClosed))

	s := p.Stats()
	assert.True(t, s.Closed)
	assert.Empty(t, s.Links)
	assert.Zero(t, s.Subscriptions)
	assert.Zero(t, s.CacheSize)
	assert.Zero(t, c.count())
}

func TestPool_ShutdownFromListener(t *testing.T) {
	p, ff, _ := newTestPool(t, Config{})

	var calls int
	p.AddMessageListener(func(Message) {
		calls++
		p.Shutdown()
	})
	p.AddMessageListener(func(Message) {
		t.Error("listener after shutdown must not run")
	})

	done := make(chan struct{})
	go func() {
		ff.get(0).deliver(streamMsg)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown from listener deadlocked")
	}
	assert.Equal(t, 1, calls)
	assert.True(t, p.Stats().Closed)
}

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	p, ff, _ := newTestPool(t, Config{NumConnections: 2}, WithMetrics(m))

	require.NoError(t, p.AddSubscription(subscribeReq(1, 1)))
	ff.get(0).deliver(streamMsg)
	ff.get(1).deliver(streamMsg)
	ff.get(1).reconnect()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesForwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replays))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("1")))
}
