package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practo/tablestream/internal/classify"
)

func triggering() error {
	return classify.New(classify.Schema, "bad payload")
}

func nonTriggering() error {
	return classify.New(classify.Parse, "bad payload")
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 5, OpenTimeout: time.Minute, SuccessThreshold: 2})
	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.RecordResult(triggering())
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Minute, SuccessThreshold: 2})
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.RecordResult(triggering())
	}
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow(), "OPEN must reject before the timeout elapses")
}

func TestNonTriggeringFailuresDoNotTripBreaker(t *testing.T) {
	b := New(Config{FailureThreshold: 2, OpenTimeout: time.Minute, SuccessThreshold: 2})
	for i := 0; i < 10; i++ {
		require.True(t, b.Allow())
		b.RecordResult(nonTriggering())
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenSingleProbeThenCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, SuccessThreshold: 2})
	require.True(t, b.Allow())
	b.RecordResult(triggering())
	require.Equal(t, Open, b.State())

	// force the open timeout to have elapsed without a real sleep
	b.mu.Lock()
	b.openedAt = b.now().Add(-20 * time.Millisecond)
	b.mu.Unlock()

	require.True(t, b.Allow(), "first call after timeout reserves the HALF_OPEN probe")
	assert.False(t, b.Allow(), "a second caller must not also get the probe slot")

	b.RecordResult(nil)
	assert.Equal(t, HalfOpen, b.State(), "one success is below SuccessThreshold=2")

	require.True(t, b.Allow())
	b.RecordResult(nil)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, SuccessThreshold: 1})
	require.True(t, b.Allow())
	b.RecordResult(triggering())
	require.Equal(t, Open, b.State())

	b.mu.Lock()
	b.openedAt = b.now().Add(-20 * time.Millisecond)
	b.mu.Unlock()

	require.True(t, b.Allow())
	b.RecordResult(triggering())
	assert.Equal(t, Open, b.State(), "a HALF_OPEN probe failure must reopen immediately")
}
