package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/finsight/quotecrawler/internal/observ"
)

// State is the lifecycle position of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a breaker. Zero values take the defaults below.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before probing
	SuccessThreshold int           // half-open successes required to close
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// OpenError is returned when the breaker rejects a call without invoking the
// guarded operation.
type OpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry in %s", e.Name, e.RetryIn.Round(time.Millisecond))
}

// transition is one recorded state change.
type transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Breaker guards an unreliable operation with the usual three-state circuit.
// Transitions out of the open state are lazy: the clock is consulted when a
// call arrives, not by a background timer.
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	failures     int // consecutive, closed state only
	successes    int // consecutive, half-open state only
	openedAt     time.Time
	totalCalls   int
	totalFailed  int
	totalShorted int // rejected while open
	transitions  []transition
}

// New constructs a closed breaker named for log and error messages.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), state: StateClosed}
}

// nextState decides whether an open breaker has cooled off. Pure so the
// transition rule is testable without a breaker.
func nextState(state State, openedAt, now time.Time, recovery time.Duration) State {
	if state == StateOpen && !openedAt.IsZero() && now.Sub(openedAt) >= recovery {
		return StateHalfOpen
	}
	return state
}

// Do runs op under the breaker. While open it fails fast with OpenError and op
// is never invoked. Context cancellation counts as a failure of the guarded
// operation.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	now := time.Now().UTC()
	if next := nextState(b.state, b.openedAt, now, b.cfg.RecoveryTimeout); next != b.state {
		b.setStateLocked(next, now)
	}
	if b.state == StateOpen {
		b.totalShorted++
		retryIn := b.cfg.RecoveryTimeout - now.Sub(b.openedAt)
		if retryIn < 0 {
			retryIn = 0
		}
		b.mu.Unlock()
		return &OpenError{Name: b.name, RetryIn: retryIn}
	}
	b.totalCalls++
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	now = time.Now().UTC()
	if err != nil {
		b.totalFailed++
		switch b.state {
		case StateHalfOpen:
			// A failed probe reopens immediately.
			b.setStateLocked(StateOpen, now)
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.setStateLocked(StateOpen, now)
			}
		}
		return err
	}
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setStateLocked(StateClosed, now)
		}
	case StateClosed:
		b.failures = 0
	}
	return nil
}

// setStateLocked applies a transition and keeps the counters consistent with
// the invariant: openedAt is set exactly while state is open.
func (b *Breaker) setStateLocked(to State, now time.Time) {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = now
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.openedAt = time.Time{}
		b.successes = 0
	case StateClosed:
		b.openedAt = time.Time{}
		b.failures = 0
		b.successes = 0
	}
	b.transitions = append(b.transitions, transition{From: from, To: to, At: now})
	if len(b.transitions) > 10 {
		b.transitions = b.transitions[len(b.transitions)-10:]
	}
	observ.Log("breaker_state_changed", map[string]any{
		"breaker": b.name,
		"from":    string(from),
		"to":      string(to),
	})
	observ.IncCounter("breaker_transitions_total", map[string]string{"breaker": b.name, "to": string(to)})
}

// Available reports whether a call made now would be attempted. It applies the
// same lazy transition as Do.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	if next := nextState(b.state, b.openedAt, now, b.cfg.RecoveryTimeout); next != b.state {
		b.setStateLocked(next, now)
	}
	return b.state != StateOpen
}

// Statistics is a point-in-time snapshot of a breaker.
type Statistics struct {
	Name             string       `json:"name"`
	State            State        `json:"state"`
	FailureThreshold int          `json:"failure_threshold"`
	RecoveryTimeout  string       `json:"recovery_timeout"`
	ConsecutiveFails int          `json:"consecutive_failures"`
	TotalCalls       int          `json:"total_calls"`
	TotalFailed      int          `json:"total_failed"`
	TotalShorted     int          `json:"total_short_circuited"`
	FailureRatePct   float64      `json:"failure_rate_pct"`
	OpenedAt         *time.Time   `json:"opened_at,omitempty"`
	Transitions      []transition `json:"recent_transitions,omitempty"`
}

// Statistics snapshots the breaker. The reported state accounts for an
// elapsed recovery timeout the same way Do would, but the snapshot does not
// mutate the breaker.
func (b *Breaker) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	effective := nextState(b.state, b.openedAt, now, b.cfg.RecoveryTimeout)
	s := Statistics{
		Name:             b.name,
		State:            effective,
		FailureThreshold: b.cfg.FailureThreshold,
		RecoveryTimeout:  b.cfg.RecoveryTimeout.String(),
		ConsecutiveFails: b.failures,
		TotalCalls:       b.totalCalls,
		TotalFailed:      b.totalFailed,
		TotalShorted:     b.totalShorted,
	}
	if b.totalCalls > 0 {
		s.FailureRatePct = float64(b.totalFailed) / float64(b.totalCalls) * 100
	}
	if effective == StateOpen && !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	s.Transitions = append(s.Transitions, b.transitions...)
	return s
}
