package dlr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/model"
)

type recordingProducer struct {
	mu    sync.Mutex
	topic string
	key   []byte
	value []byte
	err   error
}

func (p *recordingProducer) ProduceSync(_ context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func TestRouteSendsToSourceTopicDLQ(t *testing.T) {
	p := &recordingProducer{}
	r := New(p, "v1.2.3")

	rec := &model.Record{
		Topic:         "orders",
		Partition:     3,
		Offset:        77,
		Key:           []byte("acct-1"),
		RawPayload:    []byte(`{"bad":true}`),
		CorrelationID: "corr-1",
	}
	failErr := classify.New(classify.Schema, "missing required field amount")

	require.NoError(t, r.Route(context.Background(), rec, failErr))
	assert.Equal(t, "orders-dlq", p.topic)
	assert.Equal(t, []byte("acct-1"), p.key)

	var env Envelope
	require.NoError(t, json.Unmarshal(p.value, &env))
	assert.Equal(t, "orders", env.SourceTopic)
	assert.Equal(t, int32(3), env.SourcePartition)
	assert.Equal(t, int64(77), env.SourceOffset)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("acct-1")), env.Key)
	assert.Equal(t, base64.StdEncoding.EncodeToString(rec.RawPayload), env.PayloadBase64)
	assert.Equal(t, classify.Schema.String(), env.FailureKind)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "v1.2.3", env.EngineVersion)
	assert.Contains(t, env.Message, "missing required field amount")
}

func TestRouteOmitsKeyWhenRecordHasNone(t *testing.T) {
	p := &recordingProducer{}
	r := New(p, "v1")

	rec := &model.Record{Topic: "orders", RawPayload: []byte("x")}
	require.NoError(t, r.Route(context.Background(), rec, classify.New(classify.Parse, "bad")))

	var env Envelope
	require.NoError(t, json.Unmarshal(p.value, &env))
	assert.Empty(t, env.Key)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(p.value, &raw))
	_, present := raw["key"]
	assert.False(t, present, "an empty key must be omitted from the envelope, not emitted as \"\"")
}

func TestRouteSurfacesProducerFailureAsTransientBroker(t *testing.T) {
	p := &recordingProducer{err: errors.New("broker unreachable")}
	r := New(p, "v1")

	rec := &model.Record{Topic: "orders", RawPayload: []byte("x")}
	err := r.Route(context.Background(), rec, classify.New(classify.Validation, "bad row"))
	require.Error(t, err)
	assert.Equal(t, classify.TransientBroker, classify.KindOf(err))
}

func TestRouteStampsUnwrappedClassifyKindFromGenericError(t *testing.T) {
	p := &recordingProducer{}
	r := New(p, "v1")

	rec := &model.Record{Topic: "orders", RawPayload: []byte("x")}
	require.NoError(t, r.Route(context.Background(), rec, errors.New("unclassified boom")))

	var env Envelope
	require.NoError(t, json.Unmarshal(p.value, &env))
	assert.Equal(t, classify.Unknown.String(), env.FailureKind)
	assert.Equal(t, "unclassified boom", env.Message)
}
