// Package broker is the engine's seam onto the source log: a consumer group
// wrapper with manual per-offset commits and rebalance callbacks, plus an
// idempotent producer used by the dead-letter router. Built directly on
// twmb/franz-go's kgo client, the library the teacher module itself is.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/practo/tablestream/internal/logging"
)

// ConsumerConfig is the broker.* configuration surface from spec.md §6.
type ConsumerConfig struct {
	Endpoints        []string
	GroupID          string
	PollRecords      int
	SessionTimeout   time.Duration
	MaxPollInterval  time.Duration
}

// RebalanceListener receives partition-assignment changes. Implementations
// must not block past the group's rebalance timeout. The listener that
// cmd/ingestd wires in (noopRebalanceListener) does nothing on any of these
// calls; open batches of revoked or lost partitions are not flushed here.
type RebalanceListener interface {
	OnAssigned(ctx context.Context, assigned map[string][]int32)
	OnRevoked(ctx context.Context, revoked map[string][]int32)
	OnLost(ctx context.Context, lost map[string][]int32)
}

// Consumer wraps a kgo.Client configured as a consumer group member with
// autocommit disabled, so offsets only advance once the engine has
// durably written (or DLR'd) every record in a fetch.
type Consumer struct {
	cl *kgo.Client
}

// NewConsumer builds a Consumer subscribed to topics under the given
// consumer group, wiring listener's callbacks into the client's own
// OnPartitionsAssigned/Revoked/Lost hooks.
func NewConsumer(cfg ConsumerConfig, topics []string, listener RebalanceListener, kafkaMetrics *kprom.Metrics, log logging.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Endpoints...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.WithLogger(newKgoLogger(log)),
		kgo.WithHooks(kafkaMetrics),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			listener.OnAssigned(ctx, assigned)
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			listener.OnRevoked(ctx, revoked)
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
			listener.OnLost(ctx, lost)
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.MaxPollInterval > 0 {
		opts = append(opts, kgo.RebalanceTimeout(cfg.MaxPollInterval))
	}
	if cfg.PollRecords > 0 {
		opts = append(opts, kgo.FetchMaxBytes(int32(cfg.PollRecords*4096)))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: new consumer client: %w", err)
	}
	return &Consumer{cl: cl}, nil
}

// PollFetches blocks until at least one record or error is available, or
// ctx is canceled. This is the engine's sole suspension point for new work.
func (c *Consumer) PollFetches(ctx context.Context) kgo.Fetches {
	return c.cl.PollFetches(ctx)
}

// CommitRecords durably advances the group's offsets past recs. Called only
// after every record up to and including each has been either written to
// its table or durably routed to the DLR.
func (c *Consumer) CommitRecords(ctx context.Context, recs ...*kgo.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return c.cl.CommitRecords(ctx, recs...)
}

// Close leaves the consumer group cleanly, triggering a final OnRevoked for
// any still-assigned partitions.
func (c *Consumer) Close() { c.cl.Close() }

// AllowRebalance unblocks a cooperative rebalance being held by
// BlockRebalanceOnPoll, permitted only once the caller has finished
// flushing everything that rebalance's OnRevoked handed it.
func (c *Consumer) AllowRebalance() { c.cl.AllowRebalance() }
