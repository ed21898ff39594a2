// Package engine wires every pipeline stage together per topic and runs
// the top-level poll loop from spec.md §5: one consumer group, fanned out
// to per-topic parse/enrich/batch/write pipelines, with circuit breaking
// and dead-letter routing as orthogonal collaborators.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/practo/tablestream/internal/batch"
	"github.com/practo/tablestream/internal/broker"
	"github.com/practo/tablestream/internal/circuit"
	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/dlr"
	"github.com/practo/tablestream/internal/health"
	"github.com/practo/tablestream/internal/logging"
	"github.com/practo/tablestream/internal/metrics"
	"github.com/practo/tablestream/internal/model"
	"github.com/practo/tablestream/internal/optimizer"
	"github.com/practo/tablestream/internal/parser"
	"github.com/practo/tablestream/internal/transform"
)

// TopicPipeline bundles every per-topic collaborator: the topic's own
// parser, enricher, batch accumulator, retry policy, and circuit breaker.
// One TopicPipeline exists per configured logical topic.
type TopicPipeline struct {
	LogicalName string
	SourceTopic string
	CobField    string // partition column name for the cob date, default "cobDate"

	Parser      *parser.Parser
	Enricher    *transform.Enricher
	Accumulator *batch.Accumulator
	Retry       classify.RetryPolicy
	Breaker     *circuit.Breaker

	stopped bool
	mu      sync.Mutex
}

func (p *TopicPipeline) markStopped() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *TopicPipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// tableCommitEvent is one "table-updated" notification, fed by the table
// writer's OnCommit hook into a bounded channel so the optimizer worker can
// decide when to compact without any timer hidden inside the write path.
type tableCommitEvent struct {
	tablePrefix string
	version     int64
}

// Engine owns the consumer group, every topic's pipeline, the dead-letter
// router, and the background optimizer, and drives the poll loop.
type Engine struct {
	consumer  *broker.Consumer
	pipelines map[string]*TopicPipeline // keyed by source topic
	dlrRouter *dlr.Router
	opt       *optimizer.Optimizer
	optTables []string
	health    *health.Server
	metrics   *metrics.Metrics
	log       logging.Logger
	ledger    *OffsetLedger

	tableCommits chan tableCommitEvent

	gracefulStop time.Duration
}

// New builds an Engine. pipelines must be keyed by source (physical) topic
// name, matching what the consumer is subscribed to. ledger is shared with
// every pipeline's batch.Accumulator (wired via its OnFlush observer) so
// that a flush's outcome can release the offsets it covers.
func New(consumer *broker.Consumer, pipelines map[string]*TopicPipeline, dlrRouter *dlr.Router, opt *optimizer.Optimizer, optTables []string, healthSrv *health.Server, m *metrics.Metrics, log logging.Logger, ledger *OffsetLedger, gracefulStop time.Duration) *Engine {
	return &Engine{
		consumer: consumer, pipelines: pipelines, dlrRouter: dlrRouter,
		opt: opt, optTables: optTables, health: healthSrv, metrics: m, log: log, ledger: ledger,
		tableCommits: make(chan tableCommitEvent, 256),
		gracefulStop: gracefulStop,
	}
}

// NotifyCommit is the table writer's OnCommit hook: a non-blocking,
// best-effort signal that tablePrefix advanced to version. A full channel
// drops the event — the next commit will re-signal, and an explicit
// maintenance invocation always remains available regardless.
func (e *Engine) NotifyCommit(tablePrefix string, version int64) {
	select {
	case e.tableCommits <- tableCommitEvent{tablePrefix: tablePrefix, version: version}:
	default:
		e.log.Warnw("table commit event dropped, optimizer queue full", "table", tablePrefix)
	}
}

// Run drives the poll loop until ctx is canceled, then flushes open batches
// via each pipeline's Accumulator.FlushAll (with the limits stated there) and
// stops within the configured graceful-stop grace period.
func (e *Engine) Run(ctx context.Context) error {
	go e.runOptimizer(ctx)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		default:
		}

		fetches := e.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return e.shutdown()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			e.log.Errorw("fetch error", "topic", topic, "partition", partition, "err", err)
			e.health.SetBrokerReachable(false)
		})

		fetches.EachRecord(func(r *kgo.Record) {
			e.health.SetBrokerReachable(true)
			e.processRecord(ctx, r)
		})

		e.consumer.AllowRebalance()
		e.commitDurable(ctx)
	}
}

// commitDurable commits every partition's offset as far as the ledger
// reports durable. It runs every poll iteration, not just when new records
// arrived this round, because a batch accumulated over several earlier
// polls can flush (or a DLR send can land) asynchronously at any time.
func (e *Engine) commitDurable(ctx context.Context) {
	commits := e.ledger.Advance()
	if len(commits) == 0 {
		return
	}
	if err := e.consumer.CommitRecords(ctx, commits...); err != nil {
		e.log.Errorw("commit offsets failed", "err", err)
	}
}

// processRecord runs one record through its topic's full pipeline: circuit
// check, parse, enrich, accumulate. Any NonRetriable failure (or an OPEN
// circuit) is routed to the DLR; a Retriable failure is retried in place up
// to the topic's policy before also falling through to the DLR. kr's offset
// is held in the ledger for the record's entire lifetime here and is only
// released once its eventual home — a table commit or a DLR send — is
// confirmed durable; Run never commits past a still-held offset.
func (e *Engine) processRecord(ctx context.Context, kr *kgo.Record) {
	p, ok := e.pipelines[kr.Topic]
	if !ok || p.isStopped() {
		return
	}

	pk := PartitionKey{Topic: kr.Topic, Partition: kr.Partition}
	e.ledger.Hold(pk, kr)

	rec := &model.Record{
		Topic: kr.Topic, Partition: kr.Partition, Offset: kr.Offset,
		Key: kr.Key, RawPayload: kr.Value, ArrivalTimestamp: kr.Timestamp,
	}
	e.metrics.RecordsConsumed.WithLabelValues(p.LogicalName).Inc()

	if !p.Breaker.Allow() {
		e.routeToDLR(ctx, p, rec, classify.New(classify.CircuitOpen, "circuit open"))
		return
	}

	var parsed *model.ParsedRecord
	err, exceeded := p.Retry.Do(ctx, func(attempt int) error {
		pr, perr := p.Parser.Parse(ctx, rec)
		if perr != nil {
			return perr
		}
		parsed = pr
		return nil
	})

	if err != nil {
		p.Breaker.RecordResult(err)
		_ = exceeded
		e.routeToDLR(ctx, p, rec, err)
		return
	}
	p.Breaker.RecordResult(nil)

	enriched := p.Enricher.Enrich(parsed)
	partition := partitionTupleFor(enriched, p)
	p.Accumulator.Add(ctx, partition, enriched, int64(len(rec.RawPayload)))
	e.metrics.RecordsCommitted.WithLabelValues(p.LogicalName).Inc()
	// The offset stays held: batch.Accumulator's OnFlush observer releases
	// it once the batch this row landed in is durably written (or gives up
	// and leaves it held, on a failure that exhausted its retry budget).
}

// routeToDLR hands rec to the dead-letter router. A fatal classify.Config
// failure stops the topic's pipeline instead of routing anything, leaving
// rec's offset held — nothing further for this topic will make progress
// until an operator intervenes and the process restarts. Otherwise, the
// offset is released only once Route confirms the durable send; a failed
// route leaves it held for redelivery, per dlr.Router.Route's contract.
func (e *Engine) routeToDLR(ctx context.Context, p *TopicPipeline, rec *model.Record, failErr error) {
	kind := classify.KindOf(failErr)

	if kind.Fatal() {
		p.markStopped()
		e.metrics.PipelineStopped.WithLabelValues(p.LogicalName).Set(1)
		e.health.SetTopicState(p.LogicalName, health.Stopped)
		e.log.Errorw("topic pipeline stopped on fatal config error", "topic", p.LogicalName, "err", failErr)
		return
	}

	pk := PartitionKey{Topic: rec.Topic, Partition: rec.Partition}
	if err := e.dlrRouter.Route(ctx, rec, failErr); err != nil {
		e.log.Errorw("dlr route failed, record left uncommitted for redelivery", "topic", p.LogicalName, "err", err)
		return
	}
	e.metrics.DLQCount.WithLabelValues(p.LogicalName, kind.String()).Inc()
	e.ledger.Release(pk, rec.Offset)
}

// partitionTupleFor derives a record's partition tuple from its enriched
// fields, using the topic's configured COB field as the sole partition
// column — the common case from spec.md's worked examples. No other
// partition column is derived, and the writer does not compare the tuple
// against the table's partition columns.
func partitionTupleFor(r *model.ParsedRecord, p *TopicPipeline) model.PartitionTuple {
	col := p.CobField
	if col == "" {
		col = "cobDate"
	}
	return model.PartitionTuple{{Column: col, Value: r.CobDate}}
}

func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.gracefulStop)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range e.pipelines {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Accumulator.FlushAll(ctx)
			p.Accumulator.Stop()
		}()
	}
	wg.Wait()
	e.commitDurable(ctx)

	e.consumer.Close()
	return nil
}

// runOptimizer is the dedicated maintenance worker from spec.md §9: it reacts
// to table-updated events rather than polling on a fixed schedule. Each
// commit event advances a per-table counter; compaction fires once that
// counter reaches the table's configured optimizeInterval and resets.
// Vacuum has no natural commit-count trigger (it is a time-based retention
// sweep), so it alone runs off a coarse ticker, gated by VacuumEnabledFor.
func (e *Engine) runOptimizer(ctx context.Context) {
	if e.opt == nil || len(e.optTables) == 0 {
		return
	}

	sinceOptimize := make(map[string]int64, len(e.optTables))

	vacuumTick := time.NewTicker(30 * time.Minute)
	defer vacuumTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-e.tableCommits:
			sinceOptimize[ev.tablePrefix]++
			interval := e.opt.IntervalFor(ev.tablePrefix)
			if interval <= 0 || sinceOptimize[ev.tablePrefix] < interval {
				continue
			}
			sinceOptimize[ev.tablePrefix] = 0
			if err := e.opt.Compact(ctx, ev.tablePrefix); err != nil {
				e.log.Warnw("optimizer compact failed", "table", ev.tablePrefix, "err", err)
				e.metrics.OptimizeRuns.WithLabelValues(ev.tablePrefix, "error").Inc()
				continue
			}
			e.metrics.OptimizeRuns.WithLabelValues(ev.tablePrefix, "ok").Inc()

		case <-vacuumTick.C:
			for _, t := range e.optTables {
				if !e.opt.VacuumEnabledFor(t) {
					continue
				}
				if err := e.opt.Vacuum(ctx, t); err != nil {
					e.log.Warnw("optimizer vacuum failed", "table", t, "err", err)
					e.metrics.OptimizeRuns.WithLabelValues(t, "vacuum_error").Inc()
					continue
				}
				e.metrics.OptimizeRuns.WithLabelValues(t, "vacuum_ok").Inc()
			}
		}
	}
}
