// Package reliability holds the retry policies and the circuit breaker used
// around SQS calls and message handlers.
//
// Retry policies classify failures with IsRetryableError, which respects an
// explicit RetryableError verdict and otherwise defers to the SQS error
// classification. FailureBackoff adapts a policy into the per-delivery
// visibility delay applied when a handler gives a message back.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3)
//	err := Retry(ctx, policy, func() error {
//	    return cb.Execute(ctx, sendBatch)
//	})
package reliability
