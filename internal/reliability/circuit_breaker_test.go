package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-sqs/messaging"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func newTestBreaker(clock messaging.Clock, opts ...CircuitBreakerOption) *CircuitBreaker {
	opts = append([]CircuitBreakerOption{
		WithName("sqs"),
		WithFailureThreshold(3),
		WithSuccessThreshold(2),
		WithTimeout(10 * time.Second),
		WithHalfOpenRequests(1),
		WithBreakerClock(clock),
	}, opts...)
	return NewCircuitBreaker(opts...)
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and runs calls", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "default", cb.Name())

		executed := false
		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after the failure threshold", func(t *testing.T) {
		clock := messaging.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		cb := newTestBreaker(clock)

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "sqs", cbErr.Name)
		assert.Equal(t, 10*time.Second, cbErr.RetryIn)
		assert.Contains(t, cbErr.Error(), "failures=3/3")
	})

	t.Run("a success resets the failure count while closed", func(t *testing.T) {
		clock := messaging.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		cb := newTestBreaker(clock)

		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open probe closes the circuit", func(t *testing.T) {
		clock := messaging.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		cb := newTestBreaker(clock)
		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}

		clock.Advance(9 * time.Second)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())

		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open failure reopens the circuit", func(t *testing.T) {
		clock := messaging.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		cb := newTestBreaker(clock)
		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}

		clock.Advance(10 * time.Second)
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("half-open limits concurrent probes", func(t *testing.T) {
		clock := messaging.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		cb := newTestBreaker(clock)
		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}
		clock.Advance(10 * time.Second)

		entered := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				close(entered)
				<-release
				return nil
			})
		}()

		<-entered
		err := cb.Execute(ctx, succeed)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)

		close(release)
		wg.Wait()
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure predicate ignores handler errors", func(t *testing.T) {
		clock := messaging.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		cb := newTestBreaker(clock, WithFailurePredicate(func(err error) bool {
			return !errors.Is(err, errBoom)
		}))

		for i := 0; i < 5; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		}
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reports state changes and metrics", func(t *testing.T) {
		clock := messaging.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		var changes []string
		cb := newTestBreaker(clock, WithStateChangeFunc(func(name string, from, to State, reason string) {
			changes = append(changes, name+": "+from.String()+" -> "+to.String())
		}))

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}
		_ = cb.Execute(ctx, succeed)
		cb.Reset()

		assert.Equal(t, []string{"sqs: closed -> open", "sqs: open -> closed"}, changes)

		m := cb.Metrics()
		assert.Equal(t, int64(4), m.TotalRequests)
		assert.Equal(t, int64(3), m.TotalFailures)
		assert.Equal(t, int64(1), m.TotalRejected)
		assert.Equal(t, 0, m.CurrentFailures)
		assert.Equal(t, StateClosed, m.State)
	})

	t.Run("cancelled context is not counted", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, cb.Execute(cancelled, fail), context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
