package classify

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
)

// RetryPolicy is the per-topic exponential-backoff-with-jitter configuration
// from the processing section of a topic spec: BaseBackoff, MaxBackoff and
// MaxAttempts feed a dskit backoff (see newBackoff for the delay shape).
type RetryPolicy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches the spec's stated defaults (30s cap).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		MaxAttempts: 8,
	}
}

// newBackoff builds a dskit/backoff.Backoff configured to this policy's
// bounds. Each dskit delay is drawn uniformly from a range that starts at
// [base, 2*base) and doubles after every retry, capped at MaxBackoff; it is
// not a +-25% band around base*2^attempt. fn runs at most MaxAttempts times.
func (p RetryPolicy) newBackoff(ctx context.Context) *backoff.Backoff {
	return backoff.New(ctx, backoff.Config{
		MinBackoff: p.BaseBackoff,
		MaxBackoff: p.MaxBackoff,
		MaxRetries: p.MaxAttempts,
	})
}

// Do runs fn, retrying while it returns a retriable *Error, until either it
// succeeds, a NonRetriable/fatal error is returned, the retry budget is
// exhausted, or ctx is canceled. When the budget is exhausted, the last
// retriable error is promoted: its Kind is preserved but the caller should
// treat exceeded == true as "route to DLR now".
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (err error, exceeded bool) {
	b := p.newBackoff(ctx)
	attempt := 0
	for {
		attempt++
		err = fn(attempt)
		if err == nil {
			return nil, false
		}
		if !KindOf(err).Retriable() {
			return err, false
		}
		b.Wait()
		if !b.Ongoing() {
			return err, true
		}
	}
}
