// Package interceptors wraps message handlers with cross-cutting concerns.
//
// An InterceptorChain turns a messaging.HandlerFunc into another one; the
// first interceptor added runs outermost. Every interceptor sees the unit of
// work of the received message, so returning an error still releases the
// message for redelivery and returning nil still completes it.
//
// Built-in interceptors:
//   - RecoveryInterceptor: turns handler panics into errors
//   - LoggingInterceptor: logs outcome and duration
//   - MetricsInterceptor: records handler duration and success
//   - ValidationInterceptor: rejects messages before the handler runs
//   - FilteringInterceptor: skips messages by acknowledging or releasing them
//   - TimeoutInterceptor: bounds handler run time
//   - CircuitBreakerInterceptor: stops calling a failing handler for a while
//   - RetryInterceptor: retries the handler while the message stays leased
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithRecovery().
//		WithLogging().
//		WithTimeout(30 * time.Second).
//		Build()
//
//	processor := messaging.NewProcessor(transport, chain.Then(handler))
package interceptors
