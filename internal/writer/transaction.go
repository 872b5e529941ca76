package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/accelerator/internal/accelerator"
	"github.com/rickgao/accelerator/internal/ledger"
	"github.com/rickgao/accelerator/internal/queue"
)

// Config holds batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns the writer defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// Batcher sends a pgx batch. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Observer receives writer telemetry.
type Observer interface {
	Flushed(inserted, conflicts int, d time.Duration)
	FlushFailed(rows int)
	DecodeFailed()
}

type nopObserver struct{}

func (nopObserver) Flushed(int, int, time.Duration) {}
func (nopObserver) FlushFailed(int)                 {}
func (nopObserver) DecodeFailed()                   {}

// Metrics are the writer counters.
type Metrics struct {
	Inserts      int64
	Conflicts    int64
	Errors       int64
	DecodeErrors int64
	Flushes      int64
}

type row struct {
	Signature      string
	Account        string
	Cluster        string
	SubscriptionID string
	Size           int
	Raw            []byte
	ReceivedAt     time.Time
}

const insertSQL = `
	INSERT INTO relayed_transactions (signature, account, cluster, subscription_id, size, raw, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (signature, account) DO NOTHING
`

// TransactionWriter consumes transaction events from a queue and writes them
// to the relayed_transactions table.
type TransactionWriter struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer

	input *queue.Queue[accelerator.TransactionEvent]
	db    Batcher

	batch       []row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// flushCtx outlives Stop so an in-flight batch is never abandoned.
	flushCtx context.Context

	metrics Metrics
}

// NewTransactionWriter creates a writer. observer may be nil.
func NewTransactionWriter(
	cfg Config,
	input *queue.Queue[accelerator.TransactionEvent],
	db Batcher,
	observer Observer,
	logger *slog.Logger,
) *TransactionWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &TransactionWriter{
		cfg:      cfg,
		input:    input,
		db:       db,
		observer: observer,
		logger:   logger.With("component", "writer"),
		batch:    make([]row, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (w *TransactionWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushCtx = context.WithoutCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("transaction writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input queue, lets the consumer write out what is already
// queued, and flushes the rest. ctx bounds the wait and the final flush.
func (w *TransactionWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping transaction writer")

	w.input.Close()
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
		w.logger.Warn("transaction writer stop timed out")
		return ctx.Err()
	}

	for _, ev := range w.input.Drain(0) {
		w.add(ev)
	}
	w.flush(ctx)

	w.logger.Info("transaction writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *TransactionWriter) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves events from the queue into the batch until the queue is
// closed and empty.
func (w *TransactionWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		ev, ok := w.input.Pop()
		if !ok {
			return
		}

		events := []accelerator.TransactionEvent{ev}
		if w.cfg.BatchSize > 1 {
			events = append(events, w.input.Drain(w.cfg.BatchSize-1)...)
		}
		for _, ev := range events {
			if w.add(ev) {
				w.flush(w.flushCtx)
			}
		}
	}
}

// flushLoop periodically flushes the batch. Cancellation of the Start
// context closes the input so consumeLoop winds down as well.
func (w *TransactionWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.input.Close()
			return
		case <-w.flushTicker.C:
			w.flush(w.flushCtx)
		}
	}
}

// add appends ev to the batch and reports whether the batch is full.
func (w *TransactionWriter) add(ev accelerator.TransactionEvent) bool {
	r, err := transform(ev)
	if err != nil {
		w.logger.Warn("skipping undecodable transaction",
			"topic", ev.Topic.String(),
			"size", len(ev.Bytes),
			"error", err,
		)
		w.observer.DecodeFailed()
		w.batchMu.Lock()
		w.metrics.DecodeErrors++
		w.batchMu.Unlock()
		return false
	}

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, r)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts an event to a row keyed by its signature.
func transform(ev accelerator.TransactionEvent) (row, error) {
	tx, err := ledger.Decode(ev.Bytes)
	if err != nil {
		return row{}, err
	}
	return row{
		Signature:      tx.Signature(),
		Account:        ev.Topic.Account,
		Cluster:        string(ev.Topic.Cluster),
		SubscriptionID: string(ev.SubscriptionID),
		Size:           len(ev.Bytes),
		Raw:            ev.Bytes,
		ReceivedAt:     ev.ReceivedAt.UTC(),
	}, nil
}

// flush writes the current batch to the database.
func (w *TransactionWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.observer.FlushFailed(len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	inserted := len(batch) - conflicts
	w.observer.Flushed(inserted, conflicts, time.Since(start))

	w.batchMu.Lock()
	w.metrics.Inserts += int64(inserted)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed transactions",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TransactionWriter) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.Signature, r.Account, r.Cluster, r.SubscriptionID, r.Size, r.Raw, r.ReceivedAt)
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
