package classify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPredicates(t *testing.T) {
	cases := []struct {
		k                 Kind
		retriable, fatal, triggering bool
	}{
		{Parse, false, false, false},
		{Schema, false, false, true},
		{COB, false, false, false},
		{Validation, false, false, false},
		{TransientBroker, true, false, false},
		{TransientStore, true, false, true},
		{CommitConflict, true, false, false},
		{Config, false, true, true},
		{CircuitOpen, false, false, false},
	}
	for _, c := range cases {
		t.Run(c.k.String(), func(t *testing.T) {
			assert.Equal(t, c.retriable, c.k.Retriable())
			assert.Equal(t, c.fatal, c.k.Fatal())
			assert.Equal(t, c.triggering, c.k.CircuitTriggering())
		})
	}
}

func TestKindOfWalksWrappedErrors(t *testing.T) {
	base := New(Schema, "bad field")
	wrapped := fmt.Errorf("parse record: %w", base)
	assert.Equal(t, Schema, KindOf(wrapped))
}

func TestKindOfDefaultsToUnknown(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain error")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(TransientStore, "put object", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TRANSIENT_STORE")
	assert.Contains(t, err.Error(), "connection reset")
}
