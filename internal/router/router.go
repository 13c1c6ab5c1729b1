package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/rickgao/pricefeed-pool/internal/pool"
	"github.com/rickgao/pricefeed-pool/internal/protocol"
)

var errNoParsedPayload = errors.New("stream update has no parsed payload")

// Router turns the pool's deduplicated stream into per-feed PriceUpdates.
type Router interface {
	// Start begins routing messages from the listener channel.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router and closes the output buffer.
	Stop(ctx context.Context) error

	// Listener returns the pool listener feeding this router. It never blocks;
	// messages are dropped when the input channel is full.
	Listener() pool.Listener

	// Updates returns the output buffer for writers to consume.
	Updates() *Buffer[PriceUpdate]

	// Stats returns current router statistics.
	Stats() Stats
}

// router is the internal implementation.
type router struct {
	cfg    Config
	logger *slog.Logger

	// Input from the pool
	input chan pool.Message

	// Output to writers
	updates *Buffer[PriceUpdate]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	mu              sync.RWMutex
	received        int64
	dropped         int64
	routed          int64
	parseErrors     int64
	controlMessages int64
	unknownMessages int64
}

// New creates a new Message Router.
func New(cfg Config, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.InputSize <= 0 {
		cfg.InputSize = d.InputSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = d.MaxBufferSize
	}

	return &router{
		cfg:     cfg,
		logger:  logger,
		input:   make(chan pool.Message, cfg.InputSize),
		updates: NewBuffer[PriceUpdate](cfg.BufferSize, cfg.MaxBufferSize),
	}
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started",
		"input_size", r.cfg.InputSize,
		"buffer_size", r.cfg.BufferSize,
		"max_buffer_size", r.cfg.MaxBufferSize,
	)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	if r.cancel != nil {
		r.cancel()
	}

	// Wait for goroutine to finish
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
	}

	r.updates.Close()
	return nil
}

func (r *router) Listener() pool.Listener {
	return func(msg pool.Message) {
		select {
		case r.input <- msg:
		default:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
		}
	}
}

func (r *router) Updates() *Buffer[PriceUpdate] {
	return r.updates
}

// Stats returns current statistics.
func (r *router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		MessagesReceived: r.received,
		MessagesDropped:  r.dropped,
		UpdatesRouted:    r.routed,
		ParseErrors:      r.parseErrors,
		ControlMessages:  r.controlMessages,
		UnknownMessages:  r.unknownMessages,
		Buffer:           r.updates.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.input:
			r.route(msg)
		}
	}
}

// route classifies a single message and fans stream updates out per feed.
func (r *router) route(msg pool.Message) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	if msg.Binary {
		r.count(&r.unknownMessages)
		return
	}

	switch msg.Envelope.Kind {
	case protocol.KindStreamUpdated:
		updates, err := parseStreamUpdate(msg)
		if err != nil {
			r.logger.Warn("failed to parse stream update", "error", err)
			r.count(&r.parseErrors)
			return
		}

		sent := 0
		for _, u := range updates {
			if r.updates.Send(u) {
				sent++
			}
		}

		r.mu.Lock()
		r.routed += int64(sent)
		r.mu.Unlock()

	case protocol.KindSubscribed, protocol.KindUnsubscribed,
		protocol.KindSubscriptionError, protocol.KindError:
		r.count(&r.controlMessages)

	default:
		if msg.Envelope.Raw == nil {
			// Frame failed to decode upstream
			r.count(&r.parseErrors)
			return
		}
		r.logger.Debug("skipping message type", "type", msg.Envelope.Type)
		r.count(&r.unknownMessages)
	}
}

func (r *router) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// parseStreamUpdate expands a streamUpdated message into one PriceUpdate per feed.
func parseStreamUpdate(msg pool.Message) ([]PriceUpdate, error) {
	upd, err := protocol.DecodeStreamUpdate(msg.Data)
	if err != nil {
		return nil, err
	}
	if upd.Parsed == nil {
		return nil, errNoParsedPayload
	}

	ts, err := strconv.ParseInt(upd.Parsed.TimestampUs, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse timestampUs %q: %w", upd.Parsed.TimestampUs, err)
	}

	out := make([]PriceUpdate, 0, len(upd.Parsed.PriceFeeds))
	for _, f := range upd.Parsed.PriceFeeds {
		out = append(out, PriceUpdate{
			SubscriptionID: upd.SubscriptionID,
			PriceFeedID:    f.PriceFeedID,
			TimestampUs:    ts,
			Price:          f.Price,
			BestBidPrice:   f.BestBidPrice,
			BestAskPrice:   f.BestAskPrice,
			Confidence:     f.Confidence,
			Exponent:       f.Exponent,
			PublisherCount: f.PublisherCount,
			LinkID:         msg.LinkID,
			ReceivedAt:     msg.ReceivedAt,
		})
	}
	return out, nil
}
