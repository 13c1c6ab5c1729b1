package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/pricefeed-pool/internal/metrics"
	"github.com/rickgao/pricefeed-pool/internal/router"
)

const insertPriceUpdate = `
	INSERT INTO price_updates (
		price_feed_id, timestamp_us, subscription_id,
		price, best_bid_price, best_ask_price, confidence,
		exponent, publisher_count, received_at, source
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (price_feed_id, timestamp_us) DO NOTHING
`

// flushTimeout bounds a single insert started by the background loops.
const flushTimeout = 30 * time.Second

// BatchSender is the subset of pgxpool.Pool the writer needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// ArchiveWriter consumes PriceUpdates from the router buffer and writes them
// to the price_updates table.
type ArchiveWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Input from Message Router
	input *router.Buffer[router.PriceUpdate]

	// Database
	db BatchSender

	// Batching
	batch       []priceRow
	batchMu     sync.Mutex
	flushMu     sync.Mutex // Serializes inserts
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats WriterMetrics
}

// NewArchiveWriter creates a new ArchiveWriter. m may be nil.
func NewArchiveWriter(
	cfg WriterConfig,
	input *router.Buffer[router.PriceUpdate],
	db BatchSender,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ArchiveWriter {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	return &ArchiveWriter{
		cfg:     cfg,
		input:   input,
		db:      db,
		metrics: m,
		logger:  logger,
		batch:   make([]priceRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming updates and writing to the database.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"source", w.cfg.Source,
	)
	return nil
}

// Stop shuts down the writer, then drains whatever is left in the input
// buffer and flushes it using ctx.
func (w *ArchiveWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}

	for _, u := range w.input.DrainTo(0) {
		w.add(u)
	}
	w.flush(ctx)

	w.logger.Info("archive writer stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current metrics.
func (w *ArchiveWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *ArchiveWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		u, ok := w.input.Receive(w.ctx)
		if !ok {
			return
		}
		if w.add(u) {
			w.backgroundFlush()
		}
	}
}

func (w *ArchiveWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.backgroundFlush()
		}
	}
}

// backgroundFlush flushes with a context that outlives Stop, so a batch
// already handed to the database is not abandoned on shutdown.
func (w *ArchiveWriter) backgroundFlush() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), flushTimeout)
	defer cancel()
	w.flush(ctx)
}

// add appends an update to the batch and reports whether it is full.
func (w *ArchiveWriter) add(u router.PriceUpdate) bool {
	row := w.transform(u)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a PriceUpdate to a priceRow.
func (w *ArchiveWriter) transform(u router.PriceUpdate) priceRow {
	return priceRow{
		PriceFeedID:    u.PriceFeedID,
		TimestampUs:    u.TimestampUs,
		SubscriptionID: u.SubscriptionID,
		Price:          nullable(u.Price),
		BestBidPrice:   nullable(u.BestBidPrice),
		BestAskPrice:   nullable(u.BestAskPrice),
		Confidence:     nullable(u.Confidence),
		Exponent:       u.Exponent,
		PublisherCount: u.PublisherCount,
		ReceivedAt:     u.ReceivedAt.UnixMicro(),
		Source:         w.cfg.Source,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// flush writes the current batch to the database.
func (w *ArchiveWriter) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]priceRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		w.metrics.ObserveArchiveError()
		return
	}

	elapsed := time.Since(start)
	inserted := len(batch) - conflicts

	w.batchMu.Lock()
	w.stats.Inserts += int64(inserted)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()
	w.metrics.ObserveArchived(inserted, elapsed.Seconds())

	w.logger.Debug("flushed price updates",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", elapsed,
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *ArchiveWriter) batchInsert(ctx context.Context, rows []priceRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertPriceUpdate,
			r.PriceFeedID, r.TimestampUs, r.SubscriptionID,
			r.Price, r.BestBidPrice, r.BestAskPrice, r.Confidence,
			r.Exponent, r.PublisherCount, r.ReceivedAt, r.Source,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
