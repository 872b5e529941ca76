package writer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mr-tron/base58"

	"github.com/rickgao/accelerator/internal/accelerator"
	"github.com/rickgao/accelerator/internal/ledger"
	"github.com/rickgao/accelerator/internal/queue"
)

// fakeDB emulates ON CONFLICT (signature, account) DO NOTHING.
type fakeDB struct {
	mu      sync.Mutex
	seen    map[[2]string]bool
	batches int
	err     error
}

func newFakeDB() *fakeDB {
	return &fakeDB{seen: make(map[[2]string]bool)}
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.batches++
	res := &fakeResults{err: db.err}
	if db.err != nil {
		return res
	}
	for _, q := range b.QueuedQueries {
		key := [2]string{q.Arguments[0].(string), q.Arguments[1].(string)}
		if db.seen[key] {
			res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 0"))
			continue
		}
		db.seen[key] = true
		res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 1"))
	}
	return res
}

func (db *fakeDB) rows() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.seen)
}

type fakeResults struct {
	tags []pgconn.CommandTag
	err  error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tags[0]
	r.tags = r.tags[1:]
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

// rawTx builds a minimal unsigned legacy transaction whose signature bytes
// are all fill.
func rawTx(fill byte) []byte {
	raw := ledger.EncodeCompactU16(nil, 1)
	raw = append(raw, bytes.Repeat([]byte{fill}, ledger.SignatureSize)...)
	raw = append(raw, 1, 0, 0)
	raw = ledger.EncodeCompactU16(raw, 1)
	raw = append(raw, bytes.Repeat([]byte{2}, ledger.PublicKeySize)...)
	raw = append(raw, bytes.Repeat([]byte{3}, ledger.HashSize)...)
	return ledger.EncodeCompactU16(raw, 0)
}

func event(account string, fill byte) accelerator.TransactionEvent {
	return accelerator.TransactionEvent{
		Topic:          accelerator.Topic{Cluster: accelerator.ClusterDevnet, Account: account},
		SubscriptionID: "sub-1",
		Bytes:          rawTx(fill),
		ReceivedAt:     time.Date(2024, 1, 15, 12, 0, 0, 0, time.FixedZone("EST", -5*3600)),
	}
}

func TestTransform(t *testing.T) {
	ev := event("Addr1", 4)
	r, err := transform(ev)
	if err != nil {
		t.Fatalf("transform() error = %v", err)
	}

	wantSig := base58.Encode(bytes.Repeat([]byte{4}, ledger.SignatureSize))
	if r.Signature != wantSig {
		t.Errorf("Signature = %s, want %s", r.Signature, wantSig)
	}
	if r.Account != "Addr1" || r.Cluster != "devnet" || r.SubscriptionID != "sub-1" {
		t.Errorf("unexpected identity columns: %+v", r)
	}
	if r.Size != len(ev.Bytes) {
		t.Errorf("Size = %d, want %d", r.Size, len(ev.Bytes))
	}
	if r.ReceivedAt.Location() != time.UTC || !r.ReceivedAt.Equal(ev.ReceivedAt) {
		t.Errorf("ReceivedAt = %v, want %v in UTC", r.ReceivedAt, ev.ReceivedAt)
	}
}

func TestTransform_Undecodable(t *testing.T) {
	ev := event("Addr1", 4)
	ev.Bytes = []byte{1, 2, 3}
	if _, err := transform(ev); err == nil {
		t.Error("transform() expected error for truncated transaction")
	}
}

func TestWriter_FlushCountsConflicts(t *testing.T) {
	db := newFakeDB()
	w := NewTransactionWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, queue.New[accelerator.TransactionEvent](4), db, nil, nil)

	w.add(event("Addr1", 1))
	w.add(event("Addr2", 1)) // same transaction, other account
	w.add(event("Addr1", 1)) // replay duplicate
	w.add(event("Addr1", 2))
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Inserts != 3 {
		t.Errorf("Inserts = %d, want 3", stats.Inserts)
	}
	if stats.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", stats.Conflicts)
	}
	if stats.Flushes != 1 {
		t.Errorf("Flushes = %d, want 1", stats.Flushes)
	}
	if db.rows() != 3 {
		t.Errorf("rows = %d, want 3", db.rows())
	}
}

func TestWriter_FlushError(t *testing.T) {
	db := newFakeDB()
	db.err = errors.New("connection reset")
	w := NewTransactionWriter(DefaultConfig(), queue.New[accelerator.TransactionEvent](4), db, nil, nil)

	w.add(event("Addr1", 1))
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Inserts != 0 {
		t.Errorf("Inserts = %d, want 0", stats.Inserts)
	}
}

func TestWriter_BatchSizeTriggersFlush(t *testing.T) {
	db := newFakeDB()
	input := queue.New[accelerator.TransactionEvent](4)
	w := NewTransactionWriter(Config{BatchSize: 2, FlushInterval: time.Hour}, input, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	input.Push(event("Addr1", 1))
	input.Push(event("Addr1", 2))

	deadline := time.Now().Add(time.Second)
	for db.rows() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if db.rows() != 2 {
		t.Fatalf("rows = %d, want 2 after a full batch", db.rows())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestWriter_StopFlushesRemainder(t *testing.T) {
	db := newFakeDB()
	input := queue.New[accelerator.TransactionEvent](4)
	w := NewTransactionWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, input, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	input.Push(event("Addr1", 1))
	input.Push(event("Addr1", 2))
	input.Push(event("Addr1", 3))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if db.rows() != 3 {
		t.Errorf("rows = %d, want 3 after Stop", db.rows())
	}
}

type countingObserver struct {
	mu       sync.Mutex
	inserted int
	decode   int
}

func (o *countingObserver) Flushed(inserted, conflicts int, d time.Duration) {
	o.mu.Lock()
	o.inserted += inserted
	o.mu.Unlock()
}
func (o *countingObserver) FlushFailed(int) {}
func (o *countingObserver) DecodeFailed() {
	o.mu.Lock()
	o.decode++
	o.mu.Unlock()
}

func TestWriter_Observer(t *testing.T) {
	obs := &countingObserver{}
	w := NewTransactionWriter(DefaultConfig(), queue.New[accelerator.TransactionEvent](4), newFakeDB(), obs, nil)

	bad := event("Addr1", 1)
	bad.Bytes = []byte{0}
	w.add(bad)
	w.add(event("Addr1", 1))
	w.flush(context.Background())

	if obs.decode != 1 {
		t.Errorf("decode failures = %d, want 1", obs.decode)
	}
	if obs.inserted != 1 {
		t.Errorf("inserted = %d, want 1", obs.inserted)
	}
	if w.Stats().DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", w.Stats().DecodeErrors)
	}
}

// slowDB holds each batch until released and fails it if ctx ends first.
type slowDB struct {
	*fakeDB
	started chan struct{}
	release chan struct{}
}

func (db *slowDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	select {
	case db.started <- struct{}{}:
	default:
	}
	select {
	case <-db.release:
		return db.fakeDB.SendBatch(ctx, b)
	case <-ctx.Done():
		return &fakeResults{err: ctx.Err()}
	}
}

func TestWriter_StopDuringPeriodicFlush(t *testing.T) {
	db := &slowDB{fakeDB: newFakeDB(), started: make(chan struct{}, 1), release: make(chan struct{})}
	input := queue.New[accelerator.TransactionEvent](4)
	w := NewTransactionWriter(Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, input, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	input.Push(event("Addr1", 1))

	select {
	case <-db.started:
	case <-time.After(time.Second):
		t.Fatal("periodic flush did not start")
	}

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- w.Stop(stopCtx)
	}()

	// Stop is underway while the batch is still in flight.
	time.Sleep(20 * time.Millisecond)
	close(db.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	if db.rows() != 1 {
		t.Errorf("rows = %d, want 1: in-flight batch lost on Stop", db.rows())
	}
	if stats := w.Stats(); stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
}

func TestWriter_ConsumerStopsWhenInputCloses(t *testing.T) {
	db := newFakeDB()
	input := queue.New[accelerator.TransactionEvent](4)
	w := NewTransactionWriter(Config{BatchSize: 2, FlushInterval: time.Hour}, input, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	input.Push(event("Addr1", 1))
	input.Push(event("Addr1", 2))
	input.Push(event("Addr1", 3))
	input.Close()

	// The full batch is flushed by the consumer; the odd row waits for Stop.
	deadline := time.Now().Add(time.Second)
	for db.rows() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if db.rows() != 2 {
		t.Fatalf("rows = %d, want 2 before Stop", db.rows())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if db.rows() != 3 {
		t.Errorf("rows = %d, want 3 after Stop", db.rows())
	}
}

func TestWriter_StartContextCancel(t *testing.T) {
	input := queue.New[accelerator.TransactionEvent](4)
	w := NewTransactionWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, input, newFakeDB(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for input.Push(event("Addr1", 1)) && time.Now().Before(deadline) {
		input.Drain(0)
		time.Sleep(5 * time.Millisecond)
	}
	if input.Push(event("Addr1", 2)) {
		t.Fatal("input still open after the start context was cancelled")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
