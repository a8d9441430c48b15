package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failing(ctx context.Context) error { return errUpstream }
func succeeding(ctx context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.Statistics().State, "closed before failure %d", i+1)
		err := b.Do(ctx, failing)
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, b.Statistics().State)

	err := b.Do(ctx, succeeding)
	var open *OpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, "test", open.Name)
	assert.Greater(t, open.RetryIn, time.Duration(0))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	require.Error(t, b.Do(ctx, failing))
	require.NoError(t, b.Do(ctx, succeeding))
	require.Error(t, b.Do(ctx, failing))
	require.Error(t, b.Do(ctx, failing))

	assert.Equal(t, StateClosed, b.Statistics().State, "non-consecutive failures must not open")
}

func TestOpDoesNotRunWhileOpen(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, failing))

	invoked := false
	err := b.Do(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	var open *OpenError
	require.True(t, errors.As(err, &open))
	assert.False(t, invoked, "guarded op must not run while open")

	s := b.Statistics()
	assert.Equal(t, 1, s.TotalCalls)
	assert.Equal(t, 1, s.TotalShorted)
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, failing))
	require.Equal(t, StateOpen, b.Statistics().State)

	time.Sleep(30 * time.Millisecond)

	// Recovery timeout elapsed: the next call probes and closes on success.
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.Statistics().State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, failing))

	time.Sleep(30 * time.Millisecond)

	require.ErrorIs(t, b.Do(ctx, failing), errUpstream)
	s := b.Statistics()
	assert.Equal(t, StateOpen, s.State)
	require.NotNil(t, s.OpenedAt, "open state must carry its opened timestamp")
}

func TestSuccessThresholdKeepsHalfOpen(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 2})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, failing))

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, b.Statistics().State, "one success of two required")
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.Statistics().State)
}

func TestAvailableAppliesLazyTransition(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, failing))
	assert.False(t, b.Available())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.Available(), "cooled-off breaker must admit a probe")
	assert.Equal(t, StateHalfOpen, b.Statistics().State)
}

func TestStatisticsReportsCooledOffStateWithoutMutating(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.Error(t, b.Do(ctx, failing))
	require.Equal(t, StateOpen, b.Statistics().State)

	time.Sleep(30 * time.Millisecond)

	s := b.Statistics()
	assert.Equal(t, StateHalfOpen, s.State, "an elapsed recovery timeout shows in the snapshot")
	assert.Nil(t, s.OpenedAt, "a breaker no longer effectively open carries no opened timestamp")
	// The snapshot is a read: only the closed->open transition is recorded.
	assert.Len(t, s.Transitions, 1)
	assert.Equal(t, StateOpen, s.Transitions[0].To)
}

func TestOpeningResetsConsecutiveFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, failing))
	}

	s := b.Statistics()
	require.Equal(t, StateOpen, s.State)
	assert.Equal(t, 0, s.ConsecutiveFails, "the failure streak belongs to the closed state")
}

func TestNextState(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name     string
		state    State
		openedAt time.Time
		want     State
	}{
		{"closed stays", StateClosed, time.Time{}, StateClosed},
		{"half-open stays", StateHalfOpen, time.Time{}, StateHalfOpen},
		{"open before timeout", StateOpen, now.Add(-30 * time.Second), StateOpen},
		{"open after timeout", StateOpen, now.Add(-90 * time.Second), StateHalfOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := nextState(tc.state, tc.openedAt, now, time.Minute)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTransitionLogBounded(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, RecoveryTimeout: time.Nanosecond})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		b.Do(ctx, failing)
		time.Sleep(time.Millisecond)
	}
	s := b.Statistics()
	assert.LessOrEqual(t, len(s.Transitions), 10)
}
