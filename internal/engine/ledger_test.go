package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func rec(topic string, partition int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: topic, Partition: partition, Offset: offset}
}

func TestLedgerAdvancesOnContiguousRelease(t *testing.T) {
	l := NewOffsetLedger()
	pk := PartitionKey{Topic: "orders", Partition: 0}

	l.Hold(pk, rec("orders", 0, 0))
	l.Hold(pk, rec("orders", 0, 1))
	l.Hold(pk, rec("orders", 0, 2))

	l.Release(pk, 0)
	l.Release(pk, 1)
	l.Release(pk, 2)

	out := l.Advance()
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Offset)
}

func TestLedgerStopsAtFirstStillHeldOffset(t *testing.T) {
	l := NewOffsetLedger()
	pk := PartitionKey{Topic: "orders", Partition: 0}

	l.Hold(pk, rec("orders", 0, 0))
	l.Hold(pk, rec("orders", 0, 1))
	l.Hold(pk, rec("orders", 0, 2))

	l.Release(pk, 0)
	l.Release(pk, 2) // offset 1 still held

	out := l.Advance()
	require.Len(t, out, 1)
	assert.Equal(t, int64(0), out[0].Offset, "a held offset must block advancement of everything after it")
}

func TestLedgerAdvanceIsIdempotentUntilNewReleases(t *testing.T) {
	l := NewOffsetLedger()
	pk := PartitionKey{Topic: "orders", Partition: 0}

	l.Hold(pk, rec("orders", 0, 0))
	l.Release(pk, 0)

	first := l.Advance()
	require.Len(t, first, 1)

	second := l.Advance()
	assert.Empty(t, second, "no newly-released offsets means nothing new to commit")
}

func TestLedgerTracksPartitionsIndependently(t *testing.T) {
	l := NewOffsetLedger()
	pkA := PartitionKey{Topic: "orders", Partition: 0}
	pkB := PartitionKey{Topic: "orders", Partition: 1}

	l.Hold(pkA, rec("orders", 0, 0))
	l.Hold(pkB, rec("orders", 1, 0))
	l.Release(pkA, 0) // pkB's offset 0 stays held

	out := l.Advance()
	require.Len(t, out, 1)
	assert.Equal(t, int32(0), out[0].Partition)
}

func TestLedgerNeverSeenOffsetBlocksAdvancement(t *testing.T) {
	l := NewOffsetLedger()
	pk := PartitionKey{Topic: "orders", Partition: 0}

	l.Hold(pk, rec("orders", 0, 0))
	l.Release(pk, 0)
	l.Release(pk, 5) // offset 5 was never Hold-ed; 1-4 are a gap

	out := l.Advance()
	require.Len(t, out, 1)
	assert.Equal(t, int64(0), out[0].Offset)
}
