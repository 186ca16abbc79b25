package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/messaging"
)

// Interceptor wraps message handling with a cross-cutting concern
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptFunc is the signature of a function-based interceptor
type InterceptFunc func(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   InterceptFunc
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn InterceptFunc) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	return i.fn(ctx, uow, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a chain running interceptors in order
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add adds an interceptor to the end of the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final so that the first interceptor added runs outermost
func (c *InterceptorChain) Then(final messaging.HandlerFunc) messaging.HandlerFunc {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage) error {
			return interceptor.Intercept(ctx, uow, msg, next)
		}
	}
	return handler
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", msg.GetID(),
		"correlationId", msg.GetCorrelationID(),
	)

	err := next(ctx, uow, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("message handler failed",
			"messageId", msg.GetID(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed successfully",
			"messageId", msg.GetID(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// HandlerMetrics records handler outcomes
type HandlerMetrics interface {
	RecordHandled(queue string, duration time.Duration, success bool)
}

// MetricsInterceptor records how long handlers take and whether they succeed
type MetricsInterceptor struct {
	queue     string
	collector HandlerMetrics
}

// NewMetricsInterceptor creates a metrics interceptor labelled with queue
func NewMetricsInterceptor(queue string, collector HandlerMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{queue: queue, collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	start := time.Now()
	err := next(ctx, uow, msg)
	i.collector.RecordHandled(i.queue, time.Since(start), err == nil)
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// MessageValidator checks a message before it reaches the handler
type MessageValidator interface {
	Validate(ctx context.Context, msg *contracts.TransportMessage) error
}

// ValidationInterceptor validates messages before processing
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}
	return next(ctx, uow, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds how long a handler may run. A handler that
// ignores ctx keeps running after the timeout, but its message is released.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked on message %s: %v", msg.GetID(), r)
			}
		}()
		done <- next(timeoutCtx, uow, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("message processing timeout after %v for message %s: %w", i.timeout, msg.GetID(), timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns handler panics into errors so the message is
// released instead of crashing the process
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				"messageId", msg.GetID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panicked on message %s: %v", msg.GetID(), r)
		}
	}()

	return next(ctx, uow, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// CircuitBreaker defines the interface for circuit breaker functionality
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor provides circuit breaker functionality
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	return i.circuitBreaker.Execute(ctx, func() error {
		return next(ctx, uow, msg)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// ChainBuilder builds the common interceptor chain
type ChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ChainBuilder{
		chain:  NewInterceptorChain(),
		logger: logger,
	}
}

// WithRecovery adds a recovery interceptor
func (b *ChainBuilder) WithRecovery() *ChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithLogging adds a logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds a metrics interceptor
func (b *ChainBuilder) WithMetrics(queue string, collector HandlerMetrics) *ChainBuilder {
	b.chain.Add(NewMetricsInterceptor(queue, collector))
	return b
}

// WithValidation adds a validation interceptor
func (b *ChainBuilder) WithValidation(validator MessageValidator) *ChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithTimeout adds a timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCircuitBreaker adds a circuit breaker interceptor
func (b *ChainBuilder) WithCircuitBreaker(cb CircuitBreaker) *ChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(cb))
	return b
}

// With adds any interceptor
func (b *ChainBuilder) With(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the chain
func (b *ChainBuilder) Build() *InterceptorChain {
	return b.chain
}
