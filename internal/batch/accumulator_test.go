package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/logging"
	"github.com/practo/tablestream/internal/model"
)

type recordingFlusher struct {
	mu     sync.Mutex
	flushes []*model.Batch
}

func (f *recordingFlusher) Flush(_ context.Context, topic string, b *model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, b)
	return nil
}

func (f *recordingFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes)
}

// flakyFlusher fails its first failCount calls with a Retriable error,
// then succeeds (or fails terminally if alwaysFail is set).
type flakyFlusher struct {
	mu         sync.Mutex
	failCount  int
	alwaysFail bool
	attempts   int
	flushed    *model.Batch
}

func (f *flakyFlusher) Flush(_ context.Context, _ string, b *model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.alwaysFail || f.attempts <= f.failCount {
		return classify.New(classify.TransientStore, "object store unavailable")
	}
	f.flushed = b
	return nil
}

func (f *flakyFlusher) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func row(offset int64) *model.ParsedRecord {
	return &model.ParsedRecord{
		Fields:      map[string]interface{}{"x": offset},
		Enrichment:  map[string]interface{}{},
		ArrivalTime: time.Now(),
		SourceRef:   model.SourceRef{Partition: 0, Offset: offset},
	}
}

func TestAccumulatorFlushesOnBatchSize(t *testing.T) {
	f := &recordingFlusher{}
	mem := NewGlobalMemory(0)
	pool := NewWorkerPool(4)
	a := New("orders", Config{BatchSize: 3}, f, mem, pool, logging.NewNop())
	defer a.Stop()

	part := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-30"}}
	for i := int64(0); i < 3; i++ {
		a.Add(context.Background(), part, row(i), 10)
	}

	waitFor(t, func() bool { return f.count() == 1 })
	assert.Len(t, f.flushes[0].Rows, 3)
}

func TestAccumulatorSuccessorBatchStartsFreshAfterFlush(t *testing.T) {
	f := &recordingFlusher{}
	mem := NewGlobalMemory(0)
	pool := NewWorkerPool(4)
	a := New("orders", Config{BatchSize: 2}, f, mem, pool, logging.NewNop())
	defer a.Stop()

	part := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-30"}}
	a.Add(context.Background(), part, row(1), 10)
	a.Add(context.Background(), part, row(2), 10)
	waitFor(t, func() bool { return f.count() == 1 })

	a.Add(context.Background(), part, row(3), 10)
	a.mu.Lock()
	b, ok := a.open[part.Key()]
	a.mu.Unlock()
	require.True(t, ok)
	assert.Len(t, b.Rows, 1)
}

func TestFlushAllDrainsOpenBatches(t *testing.T) {
	f := &recordingFlusher{}
	mem := NewGlobalMemory(0)
	pool := NewWorkerPool(4)
	a := New("orders", Config{BatchSize: 1000}, f, mem, pool, logging.NewNop())
	defer a.Stop()

	part := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-30"}}
	a.Add(context.Background(), part, row(1), 10)
	a.Add(context.Background(), part, row(2), 10)

	a.FlushAll(context.Background())
	assert.Equal(t, 1, f.count())
	assert.Len(t, f.flushes[0].Rows, 2)
}

func TestFlushObserverFiresWithNilErrOnSuccess(t *testing.T) {
	f := &recordingFlusher{}
	mem := NewGlobalMemory(0)
	pool := NewWorkerPool(4)
	a := New("orders", Config{BatchSize: 1}, f, mem, pool, logging.NewNop())
	defer a.Stop()

	var observed []error
	var mu sync.Mutex
	a.OnFlush(func(b *model.Batch, err error) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, err)
	})

	part := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-30"}}
	a.Add(context.Background(), part, row(1), 10)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	})
	assert.NoError(t, observed[0])
}

func TestFlushRetriesRetriableFailureThenSucceeds(t *testing.T) {
	f := &flakyFlusher{failCount: 2}
	mem := NewGlobalMemory(0)
	pool := NewWorkerPool(4)
	a := New("orders", Config{BatchSize: 1}, f, mem, pool, logging.NewNop())
	defer a.Stop()

	var observedErr error
	var fired bool
	var mu sync.Mutex
	a.OnFlush(func(b *model.Batch, err error) {
		mu.Lock()
		defer mu.Unlock()
		observedErr, fired = err, true
	})

	part := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-30"}}
	a.Add(context.Background(), part, row(1), 10)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	})
	assert.NoError(t, observedErr, "a batch must be reported durable once a retry succeeds")
	assert.Equal(t, 3, f.attemptCount())
}

func TestFlushObserverReportsErrorWhenRetryBudgetExhausted(t *testing.T) {
	f := &flakyFlusher{alwaysFail: true}
	mem := NewGlobalMemory(0)
	pool := NewWorkerPool(4)
	a := New("orders", Config{BatchSize: 1}, f, mem, pool, logging.NewNop())
	defer a.Stop()

	var observedErr error
	var fired bool
	var mu sync.Mutex
	a.OnFlush(func(b *model.Batch, err error) {
		mu.Lock()
		defer mu.Unlock()
		observedErr, fired = err, true
	})

	part := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-30"}}
	a.Add(context.Background(), part, row(1), 10)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	})
	require.Error(t, observedErr, "offsets for a permanently failing batch must never be reported durable")
	assert.Equal(t, classify.TransientStore, classify.KindOf(observedErr))
	assert.Equal(t, maxFlushAttempts, f.attemptCount())
}

func TestGlobalMemoryEvictsOldestOnBudgetExceeded(t *testing.T) {
	f := &recordingFlusher{}
	mem := NewGlobalMemory(15)
	pool := NewWorkerPool(4)
	a := New("orders", Config{BatchSize: 1000}, f, mem, pool, logging.NewNop())
	defer a.Stop()

	partA := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-29"}}
	partB := model.PartitionTuple{{Column: "cobDate", Value: "2026-07-30"}}

	a.Add(context.Background(), partA, row(1), 10)
	a.Add(context.Background(), partB, row(2), 10)

	waitFor(t, func() bool { return f.count() >= 1 })
	assert.Equal(t, "2026-07-29", f.flushes[0].Partition[0].Value, "oldest batch evicted first")
}
