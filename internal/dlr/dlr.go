// Package dlr implements the dead-letter router from spec.md §4.9: it
// durably records records the pipeline refuses, as a JSON envelope produced
// to "<sourceTopic>-dlq". A send that cannot be confirmed durable is itself
// a classify.TransientBroker failure, never swallowed.
package dlr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/model"
)

// Producer is the durable-send primitive the router depends on, satisfied
// by broker.Producer.
type Producer interface {
	ProduceSync(ctx context.Context, topic string, key, value []byte) error
}

// Envelope is the DLR message body, matching spec.md §6's DLR envelope
// shape exactly.
type Envelope struct {
	SourceTopic     string    `json:"sourceTopic"`
	SourcePartition int32     `json:"sourcePartition"`
	SourceOffset    int64     `json:"sourceOffset"`
	Key             string    `json:"key,omitempty"`
	PayloadBase64   string    `json:"payloadBase64"`
	FailureKind     string    `json:"failureKind"`
	Message         string    `json:"message"`
	StackTrace      string    `json:"stackTrace,omitempty"`
	CorrelationID   string    `json:"correlationId"`
	Timestamp       time.Time `json:"timestamp"`
	EngineVersion   string    `json:"engineVersion"`
}

// Router produces classified failures to their source topic's dead-letter
// topic.
type Router struct {
	producer      Producer
	engineVersion string
	now           func() time.Time
}

// New builds a Router. engineVersion is stamped onto every envelope so a
// reader can tell which build of the engine produced it.
func New(producer Producer, engineVersion string) *Router {
	return &Router{producer: producer, engineVersion: engineVersion, now: time.Now}
}

// Route durably sends rec to its dead-letter topic, describing why the
// pipeline refused it. The caller must not advance the source offset until
// this returns nil.
func (r *Router) Route(ctx context.Context, rec *model.Record, failErr error) error {
	kind := classify.KindOf(failErr)
	env := Envelope{
		SourceTopic:     rec.Topic,
		SourcePartition: rec.Partition,
		SourceOffset:    rec.Offset,
		PayloadBase64:   base64.StdEncoding.EncodeToString(rec.RawPayload),
		FailureKind:     kind.String(),
		Message:         failErr.Error(),
		CorrelationID:   rec.CorrelationID,
		Timestamp:       r.now().UTC(),
		EngineVersion:   r.engineVersion,
	}
	if len(rec.Key) > 0 {
		env.Key = base64.StdEncoding.EncodeToString(rec.Key)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return classify.Wrap(classify.Validation, "dlr: encode envelope", err)
	}

	dlqTopic := rec.Topic + "-dlq"
	if err := r.producer.ProduceSync(ctx, dlqTopic, rec.Key, body); err != nil {
		return classify.Wrap(classify.TransientBroker, "dlr: produce to "+dlqTopic, err)
	}
	return nil
}
