package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/internal/reliability"
	"github.com/glimte/mmate-sqs/messaging"
)

// RetryInterceptor retries the handler in place while the message stays
// leased. Each attempt runs in its own unit of work: messages sent by a
// failed attempt are discarded, and those of the successful attempt are
// submitted when the received message's unit of work commits.
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	attempt := 0
	return reliability.Retry(ctx, r.retryPolicy, func() error {
		attempt++
		if attempt > 1 {
			r.logger.Warn("retrying message handler", "messageId", msg.GetID(), "attempt", attempt)
		}
		scope := messaging.NewUnitOfWork()
		if err := next(ctx, scope, msg); err != nil {
			scope.Dispose()
			return err
		}

		uow.OnCommitted(scope.Commit)
		uow.OnAborted(scope.Abort)
		uow.OnDisposed(scope.Dispose)
		return nil
	})
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
