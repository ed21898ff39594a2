package classify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDoSucceedsWithoutRetrying(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, MaxAttempts: 5}
	calls := 0
	err, exceeded := p.Do(context.Background(), func(attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, exceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryDoStopsImmediatelyOnNonRetriable(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, MaxAttempts: 5}
	calls := 0
	err, exceeded := p.Do(context.Background(), func(attempt int) error {
		calls++
		return New(Schema, "bad payload")
	})
	require.Error(t, err)
	assert.False(t, exceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryDoExhaustsBudgetOnRetriable(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 3}
	calls := 0
	err, exceeded := p.Do(context.Background(), func(attempt int) error {
		calls++
		return New(TransientStore, "slow down")
	})
	require.Error(t, err)
	assert.True(t, exceeded)
	assert.Equal(t, KindOf(err), TransientStore)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestRetryDoSucceedsAfterTransientFailures(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 5}
	calls := 0
	err, exceeded := p.Do(context.Background(), func(attempt int) error {
		calls++
		if calls < 3 {
			return New(TransientBroker, "timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.False(t, exceeded)
	assert.Equal(t, 3, calls)
}
