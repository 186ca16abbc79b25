package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-sqs/messaging"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after the breaker changed state.
// It runs outside the breaker lock on the goroutine that caused the change.
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker stops calling a failing dependency for a cool-down period
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	halfOpenInUse   int
	totalRequests   int64
	totalFailures   int64
	totalRejected   int64

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	isFailure        func(error) bool
	clock            messaging.Clock
	onStateChange    []StateChangeFunc
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes needed to close a half-open circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count against the circuit.
// Errors it rejects are passed through and recorded as successes.
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithBreakerClock sets the time source
func WithBreakerClock(clock messaging.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clock = clock
	}
}

// WithStateChangeFunc registers a state change callback
func WithStateChangeFunc(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = append(cb.onStateChange, fn)
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		timeout:          30 * time.Second,
		halfOpenRequests: 3,
		isFailure:        func(err error) bool { return err != nil },
		clock:            messaging.SystemClock{},
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

type transition struct {
	from, to State
	reason   string
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state, moving an expired open circuit to half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	t := cb.expire()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(t)
	return state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var t *transition
	if cb.state != StateClosed {
		t = &transition{from: cb.state, to: StateClosed, reason: "reset"}
	}
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInUse = 0
	cb.mu.Unlock()

	cb.notify(t)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	cb.totalRequests++
	t := cb.expire()

	var err error
	switch cb.state {
	case StateOpen:
		err = cb.rejection(cb.lastFailureTime.Add(cb.timeout).Sub(cb.clock.Now()))
	case StateHalfOpen:
		if cb.halfOpenInUse >= cb.halfOpenRequests {
			err = cb.rejection(0)
		} else {
			cb.halfOpenInUse++
		}
	}
	cb.mu.Unlock()

	cb.notify(t)
	return err
}

// expire must be called with the lock held
func (cb *CircuitBreaker) expire() *transition {
	if cb.state != StateOpen || cb.clock.Now().Before(cb.lastFailureTime.Add(cb.timeout)) {
		return nil
	}
	cb.state = StateHalfOpen
	cb.halfOpenInUse = 0
	cb.successes = 0
	return &transition{from: StateOpen, to: StateHalfOpen, reason: "timeout expired"}
}

// rejection must be called with the lock held
func (cb *CircuitBreaker) rejection(retryIn time.Duration) error {
	cb.totalRejected++
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailureTime,
		RetryIn:          retryIn,
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var t *transition

	if cb.state == StateHalfOpen && cb.halfOpenInUse > 0 {
		cb.halfOpenInUse--
	}

	if err != nil && cb.isFailure(err) {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = cb.clock.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				t = &transition{from: StateClosed, to: StateOpen,
					reason: fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold)}
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.successes = 0
			t = &transition{from: StateHalfOpen, to: StateOpen, reason: "failure in half-open state"}
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.halfOpenInUse = 0
				t = &transition{from: StateHalfOpen, to: StateClosed,
					reason: fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold)}
			}
		}
	}
	cb.mu.Unlock()

	cb.notify(t)
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil {
		return
	}
	for _, fn := range cb.onStateChange {
		fn(cb.name, t.from, t.to, t.reason)
	}
}

// Metrics returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalRejected   int64
	CurrentFailures int
	LastFailureTime time.Time
}
