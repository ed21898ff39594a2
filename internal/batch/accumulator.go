// Package batch implements the per-topic batch accumulator and flush
// scheduler from spec.md §4.4: a single-threaded cooperative scheduler that
// groups enriched records into Batches keyed by (topic, partition tuple)
// and submits them to a bounded flush worker pool, with a successor batch
// accumulating for any key whose flush is still in flight.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/logging"
	"github.com/practo/tablestream/internal/model"
)

// Flusher is the sink a flushed batch is handed to — in production, the
// table writer. Flush must be safe to call concurrently for different
// batches, and must not mutate b after returning.
type Flusher interface {
	Flush(ctx context.Context, topicLogicalName string, b *model.Batch) error
}

// FlushObserver is notified once per batch, after its flush has either
// succeeded or exhausted its in-process retry budget. A non-nil err means
// b's rows were never durably written; the caller must not treat their
// source offsets as committable.
type FlushObserver func(b *model.Batch, err error)

// maxFlushAttempts bounds in-process retries of a flush hitting a
// classify.Retriable failure (an object-store hiccup) before the
// accumulator gives up and reports the failure to its observer, leaving
// the batch's offsets held for redelivery.
const maxFlushAttempts = 5

// Config is one topic's batching configuration from its processing.* spec.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// GlobalMemory tracks batched bytes across every topic's accumulator so the
// engine can enforce spec.md's globalMemoryBudget trigger, which flushes
// oldest-first across all open batches irrespective of topic.
type GlobalMemory struct {
	mu     sync.Mutex
	used   int64
	budget int64

	// registered accumulators participate in oldest-first eviction.
	accs []*Accumulator
}

// NewGlobalMemory builds a memory tracker with the given budget in bytes.
// A zero budget disables the memory-pressure trigger.
func NewGlobalMemory(budgetBytes int64) *GlobalMemory {
	return &GlobalMemory{budget: budgetBytes}
}

func (g *GlobalMemory) register(a *Accumulator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accs = append(g.accs, a)
}

func (g *GlobalMemory) add(delta int64) {
	g.mu.Lock()
	g.used += delta
	over := g.budget > 0 && g.used > g.budget
	g.mu.Unlock()
	if over {
		g.evictOldestUntilUnderBudget()
	}
}

func (g *GlobalMemory) evictOldestUntilUnderBudget() {
	for {
		g.mu.Lock()
		if g.budget <= 0 || g.used <= g.budget {
			g.mu.Unlock()
			return
		}
		accs := append([]*Accumulator(nil), g.accs...)
		g.mu.Unlock()

		oldest, oldestAcc := findOldestOpenBatch(accs)
		if oldest == nil {
			return
		}
		oldestAcc.flushKey(context.Background(), oldest.Key, "global memory budget exceeded")
	}
}

func findOldestOpenBatch(accs []*Accumulator) (*model.Batch, *Accumulator) {
	var best *model.Batch
	var bestAcc *Accumulator
	for _, a := range accs {
		a.mu.Lock()
		for _, b := range a.open {
			if b.Empty() {
				continue
			}
			if best == nil || b.FirstArrival.Before(best.FirstArrival) {
				best = b
				bestAcc = a
			}
		}
		a.mu.Unlock()
	}
	return best, bestAcc
}

// Accumulator owns the open-batch table for a single topic. Only its own
// goroutines (the caller of Add, and its internal age-ticker) mutate it,
// matching the "single-threaded cooperative scheduler per topic" design.
type Accumulator struct {
	topicLogicalName string
	cfg              Config
	flusher          Flusher
	mem              *GlobalMemory
	log              logging.Logger
	pool             *WorkerPool
	observer         FlushObserver

	mu       sync.Mutex
	open     map[string]*model.Batch // keyed by PartitionTuple.Key()
	inFlight map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Accumulator for one topic and starts its age-based flush
// ticker. Stop must be called on shutdown.
func New(topicLogicalName string, cfg Config, flusher Flusher, mem *GlobalMemory, pool *WorkerPool, log logging.Logger) *Accumulator {
	a := &Accumulator{
		topicLogicalName: topicLogicalName,
		cfg:              cfg,
		flusher:          flusher,
		mem:              mem,
		pool:             pool,
		log:              log,
		open:             make(map[string]*model.Batch),
		inFlight:         make(map[string]bool),
		stopCh:           make(chan struct{}),
	}
	mem.register(a)
	a.wg.Add(1)
	go a.ageLoop()
	return a
}

// OnFlush registers fn as the accumulator's flush observer, replacing any
// earlier one. Set up during wiring, before any Add call, matching
// table.Writer.OnCommit's convention.
func (a *Accumulator) OnFlush(fn FlushObserver) {
	a.observer = fn
}

// Add appends row to the batch for its partition tuple, triggering a
// size-based flush if the row count threshold is reached. byteSize is the
// caller's estimate of row's serialized size, used for both the per-batch
// and global memory accounting.
func (a *Accumulator) Add(ctx context.Context, partition model.PartitionTuple, row *model.ParsedRecord, byteSize int64) {
	key := partition.Key()

	a.mu.Lock()
	b, ok := a.open[key]
	if !ok {
		b = model.NewBatch(model.BatchKey{TopicLogicalName: a.topicLogicalName, PartitionKey: key}, partition)
		a.open[key] = b
	}
	b.Add(row, byteSize)
	shouldFlush := a.cfg.BatchSize > 0 && len(b.Rows) >= a.cfg.BatchSize && !a.inFlight[key]
	a.mu.Unlock()

	a.mem.add(byteSize)

	if shouldFlush {
		a.flushKey(ctx, key, "batch size threshold reached")
	}
}

// ageLoop periodically flushes any batch whose age exceeds FlushInterval.
func (a *Accumulator) ageLoop() {
	defer a.wg.Done()
	if a.cfg.FlushInterval <= 0 {
		<-a.stopCh
		return
	}
	t := time.NewTicker(a.cfg.FlushInterval / 4)
	defer t.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-t.C:
			a.flushAged()
		}
	}
}

func (a *Accumulator) flushAged() {
	now := time.Now()
	a.mu.Lock()
	var keys []string
	for key, b := range a.open {
		if b.Empty() {
			continue
		}
		if a.inFlight[key] {
			continue
		}
		if now.Sub(b.FirstArrival) >= a.cfg.FlushInterval {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()

	for _, key := range keys {
		a.flushKey(context.Background(), key, "flush interval elapsed")
	}
}

// flushKey submits the currently-open batch for key to the worker pool, and
// immediately opens a successor batch for the same key so that new arrivals
// are never merged into a batch already in flight. It does not wait for the
// flush; flushKeyWait takes a WaitGroup that, if non-nil, is Add(1)-ed
// before submission and Done() when the flush completes, letting FlushAll
// block on exactly the batches it triggered.
func (a *Accumulator) flushKey(ctx context.Context, key string, reason string) {
	a.flushKeyWait(ctx, key, reason, nil)
}

func (a *Accumulator) flushKeyWait(ctx context.Context, key string, reason string, wait *sync.WaitGroup) {
	a.mu.Lock()
	b, ok := a.open[key]
	if !ok || b.Empty() || a.inFlight[key] {
		a.mu.Unlock()
		return
	}
	a.inFlight[key] = true
	delete(a.open, key) // successor batch for this key starts fresh on next Add
	a.mu.Unlock()

	a.log.Debugw("flushing batch", "topic", a.topicLogicalName, "partitionKey", key, "rows", len(b.Rows), "reason", reason)

	if wait != nil {
		wait.Add(1)
	}
	a.pool.Submit(func() {
		defer func() {
			a.mu.Lock()
			delete(a.inFlight, key)
			a.mu.Unlock()
			a.mem.add(-b.ByteSize)
			if wait != nil {
				wait.Done()
			}
		}()

		err := a.flushWithRetry(ctx, key, b)
		if err != nil {
			a.log.Errorw("batch flush failed, offsets held for redelivery", "topic", a.topicLogicalName, "partitionKey", key, "err", err)
		}
		if a.observer != nil {
			a.observer(b, err)
		}
	})
}

// flushWithRetry calls the flusher, retrying a classify.Retriable failure
// (an object-store hiccup) with backoff up to maxFlushAttempts. A
// NonRetriable failure, or one that outlives the retry budget, is returned
// unchanged for the caller to report to its observer without releasing the
// batch's held offsets.
func (a *Accumulator) flushWithRetry(ctx context.Context, key string, b *model.Batch) error {
	bo := backoff.New(ctx, backoff.Config{MinBackoff: 20 * time.Millisecond, MaxBackoff: 500 * time.Millisecond, MaxRetries: maxFlushAttempts})

	for {
		err := a.flusher.Flush(ctx, a.topicLogicalName, b)
		if err == nil || !classify.KindOf(err).Retriable() {
			return err
		}
		a.log.Warnw("batch flush hit a retriable failure, retrying", "topic", a.topicLogicalName, "partitionKey", key, "err", err)
		bo.Wait()
		if !bo.Ongoing() {
			return err
		}
	}
}

// FlushAll flushes every currently open, non-empty batch whose key has no
// flush in flight, and blocks until the flushes it started have completed.
// A key whose earlier batch is still in flight is skipped: its open batch is
// not flushed, and the in-flight flush is not waited for.
func (a *Accumulator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	keys := make([]string, 0, len(a.open))
	for key := range a.open {
		keys = append(keys, key)
	}
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range keys {
		a.flushKeyWait(ctx, key, "flush-all requested", &wg)
	}
	wg.Wait()
}

// Stop halts the age ticker. It does not flush; call FlushAll first.
func (a *Accumulator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}
