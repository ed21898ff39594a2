// Package circuit implements the per-topic circuit breaker from spec.md
// §4.8: CLOSED -> OPEN -> HALF_OPEN -> CLOSED, tripped by consecutive
// circuit-triggering failures and self-probing back to health after a
// timeout. Grounded on franz-go's own per-broker connection-backoff state
// machine (pkg/kgo tracks consecutive failures per broker the same way to
// decide when to stop trying and when to probe again).
package circuit

import (
	"sync"
	"time"

	"github.com/practo/tablestream/internal/classify"
)

// State is one of the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config tunes one topic's breaker, drawn from the service's circuit.* settings.
type Config struct {
	FailureThreshold int           // default 5
	OpenTimeout      time.Duration // default 60s
	SuccessThreshold int           // default 3
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenTimeout: 60 * time.Second, SuccessThreshold: 3}
}

// Breaker is one topic's circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	halfOpenProbeInFlight bool
}

// New builds a Breaker starting CLOSED.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, state: Closed}
}

// Allow reports whether a record for this topic should be processed
// normally (true) or routed straight to the DLR as "circuit open" (false).
// Calling Allow when HALF_OPEN and returning true reserves the single probe
// slot; subsequent calls return false until RecordResult resolves it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = HalfOpen
			b.halfOpenProbeInFlight = true
			b.consecutiveSuccess = 0
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return true
	}
}

// RecordResult feeds the outcome of a record admitted by Allow back into
// the state machine. err should be the classified failure, or nil on
// success.
func (b *Breaker) RecordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFailures = 0
		switch b.state {
		case HalfOpen:
			b.halfOpenProbeInFlight = false
			b.consecutiveSuccess++
			if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.consecutiveSuccess = 0
			}
		case Open:
			// A success while Open can only happen for a probe race; ignore.
		}
		return
	}

	switch b.state {
	case HalfOpen:
		b.halfOpenProbeInFlight = false
		b.trip()
	case Closed:
		if classify.KindOf(err).CircuitTriggering() {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.trip()
			}
		} else {
			b.consecutiveFailures = 0
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
}

// State returns the breaker's current state, for health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
