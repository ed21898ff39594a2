package broker

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/practo/tablestream/internal/logging"
)

// ProducerConfig configures the idempotent producer used for dead-letter
// writes. Idempotence is franz-go's default (it is disabled only via
// kgo.DisableIdempotentWrite), matching spec.md §6's "idempotent producer
// preferred" requirement with no extra configuration needed.
type ProducerConfig struct {
	Endpoints []string
}

// Producer is a thin synchronous-produce wrapper, used exclusively by the
// dead-letter router: DLR writes are low-volume and must confirm durability
// before the caller advances its consumer offset, so async pipelining
// would buy nothing here.
type Producer struct {
	cl *kgo.Client
}

// NewProducer builds an idempotent Producer.
func NewProducer(cfg ProducerConfig, kafkaMetrics *kprom.Metrics, log logging.Logger) (*Producer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Endpoints...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.WithLogger(newKgoLogger(log)),
		kgo.WithHooks(kafkaMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: new producer client: %w", err)
	}
	return &Producer{cl: cl}, nil
}

// ProduceSync durably writes one record to topic, blocking until the
// broker has acknowledged it or ctx is canceled.
func (p *Producer) ProduceSync(ctx context.Context, topic string, key, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	res := p.cl.ProduceSync(ctx, rec)
	return res.FirstErr()
}

// Close flushes any buffered records and closes the underlying client.
func (p *Producer) Close() { p.cl.Close() }
