package engine

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// PartitionKey identifies one source topic-partition, the granularity
// Kafka offsets are committed at.
type PartitionKey struct {
	Topic     string
	Partition int32
}

// OffsetLedger tracks, per source partition, which consumed offsets are
// still waiting on durability (an in-flight or not-yet-flushed batch, or an
// in-flight DLR route) so the engine never commits past a record that has
// neither landed in a table commit nor been routed to the DLR. Hold is
// called the moment a record is handed to its pipeline; Release is called
// once that record's eventual home (a table commit or a DLR send) is
// confirmed. Advance then reports, per partition, the highest offset whose
// entire prefix since the last commit is now durable.
type OffsetLedger struct {
	mu      sync.Mutex
	floor   map[PartitionKey]int64               // highest offset already committed, -1 if none
	held    map[PartitionKey]map[int64]bool       // true while still awaiting durability
	records map[PartitionKey]map[int64]*kgo.Record // retained until committed, for CommitRecords
}

// NewOffsetLedger builds an empty ledger.
func NewOffsetLedger() *OffsetLedger {
	return &OffsetLedger{
		floor:   make(map[PartitionKey]int64),
		held:    make(map[PartitionKey]map[int64]bool),
		records: make(map[PartitionKey]map[int64]*kgo.Record),
	}
}

// Hold registers r's offset as outstanding for pk. Must be called before
// the record is handed to any pipeline stage that might asynchronously
// confirm or fail its durability.
func (l *OffsetLedger) Hold(pk PartitionKey, r *kgo.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.floor[pk]; !ok {
		l.floor[pk] = -1
		l.held[pk] = make(map[int64]bool)
		l.records[pk] = make(map[int64]*kgo.Record)
	}
	l.held[pk][r.Offset] = true
	l.records[pk][r.Offset] = r
}

// Release marks offset for pk as durable: it either landed in a confirmed
// table commit or was durably routed to the DLR. It does not by itself
// advance the committable watermark; call Advance for that.
func (l *OffsetLedger) Release(pk PartitionKey, offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[pk]; ok {
		h[offset] = false
	}
}

// Advance returns, for every partition whose committable watermark moved
// forward, the record at the new watermark (suitable for CommitRecords).
// A partition's watermark only advances through a contiguous run of
// released offsets starting right after its previous watermark; a single
// still-held or never-seen offset stops it dead, exactly as spec.md §4.1
// requires: an offset commits only once everything up to it is durable.
func (l *OffsetLedger) Advance() []*kgo.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*kgo.Record
	for pk, floor := range l.floor {
		next := floor + 1
		var last *kgo.Record
		for {
			rec, known := l.records[pk][next]
			if !known || l.held[pk][next] {
				break
			}
			last = rec
			delete(l.records[pk], next)
			delete(l.held[pk], next)
			next++
		}
		advanced := next - 1
		if advanced > floor {
			l.floor[pk] = advanced
			out = append(out, last)
		}
	}
	return out
}
