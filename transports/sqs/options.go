package sqs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-sqs/internal/reliability"
	"github.com/glimte/mmate-sqs/internal/sqs"
	"github.com/glimte/mmate-sqs/messaging"
)

// API is the SQS client interface the transport needs. *sqs.Client from the
// AWS SDK satisfies it.
type API = sqs.API

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Client        API
	ClientFactory func() (API, error)

	// LeaseDuration is the visibility timeout of received messages (default 5m)
	LeaseDuration time.Duration

	// RenewalFraction is the share of LeaseDuration after which a lease is renewed (default 0.8)
	RenewalFraction float64

	// ReceiveWaitTime is the long polling wait of a receive, 0-20s (default 1s)
	ReceiveWaitTime time.Duration

	// NativeDeferredMessages maps deferred-until onto SQS delivery delays (default true)
	NativeDeferredMessages bool

	// CreateQueues creates the input queue on Initialize (default true)
	CreateQueues bool

	// MessageBatchSize is the number of messages per send call, 1-10 (default 10)
	MessageBatchSize int

	// SendConcurrency limits destinations flushed in parallel, 0 is unlimited
	SendConcurrency int

	// FailureVisibilityTimeout returns how long a failed message stays hidden (default 0)
	FailureVisibilityTimeout func(receiveCount int) time.Duration

	Logger      *slog.Logger
	Metrics     messaging.MetricsCollector
	Clock       messaging.Clock
	TaskFactory messaging.TaskFactory
}

// DefaultTransportConfig returns the default configuration
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		LeaseDuration:            sqs.DefaultLeaseDuration,
		RenewalFraction:          sqs.DefaultRenewalFactor,
		ReceiveWaitTime:          sqs.DefaultReceiveTimeout,
		NativeDeferredMessages:   true,
		CreateQueues:             true,
		MessageBatchSize:         sqs.MaxBatchSize,
		FailureVisibilityTimeout: sqs.NoFailureDelay,
		Logger:                   slog.Default(),
		Metrics:                  &messaging.NoOpMetricsCollector{},
		Clock:                    messaging.SystemClock{},
	}
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithClient sets the SQS client
func WithClient(client API) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Client = client
	}
}

// WithClientFactory sets a function creating the SQS client. It is called once by NewTransport.
func WithClientFactory(factory func() (API, error)) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ClientFactory = factory
	}
}

// WithLeaseDuration sets the visibility timeout applied to received messages
func WithLeaseDuration(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.LeaseDuration = d
	}
}

// WithRenewalFraction sets when leases are renewed, as a fraction of the lease duration
func WithRenewalFraction(fraction float64) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.RenewalFraction = fraction
	}
}

// WithReceiveWaitTime sets the long polling wait
func WithReceiveWaitTime(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ReceiveWaitTime = d
	}
}

// WithNativeDeferredMessages enables or disables SQS delivery delays for deferred messages
func WithNativeDeferredMessages(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.NativeDeferredMessages = enabled
	}
}

// WithCreateQueues enables or disables input queue creation
func WithCreateQueues(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.CreateQueues = enabled
	}
}

// WithMessageBatchSize sets the number of messages per send call
func WithMessageBatchSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MessageBatchSize = size
	}
}

// WithSendConcurrency limits how many destinations are flushed in parallel
func WithSendConcurrency(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.SendConcurrency = n
	}
}

// WithFailureVisibilityTimeout sets how long failed messages stay hidden before redelivery
func WithFailureVisibilityTimeout(fn func(receiveCount int) time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.FailureVisibilityTimeout = fn
	}
}

// WithFailureBackoff hides failed messages for initial on the first failure,
// doubling with every further delivery up to maxDelay
func WithFailureBackoff(initial, maxDelay time.Duration) TransportOption {
	return WithFailureVisibilityTimeout(ExponentialFailureBackoff(initial, maxDelay))
}

// ExponentialFailureBackoff returns a failure visibility timeout of initial
// for the first delivery, doubling per delivery up to maxDelay
func ExponentialFailureBackoff(initial, maxDelay time.Duration) func(receiveCount int) time.Duration {
	policy := reliability.NewExponentialBackoff(initial, maxDelay, 2, 0)
	policy.Jitter = false
	return reliability.FailureBackoff(policy)
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Metrics = metrics
	}
}

// WithClock sets the clock used for delays and expiry
func WithClock(clock messaging.Clock) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Clock = clock
	}
}

// WithTaskFactory sets the factory of lease renewal tasks
func WithTaskFactory(factory messaging.TaskFactory) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.TaskFactory = factory
	}
}

// Validate checks the configuration
func (cfg *TransportConfig) Validate() error {
	switch {
	case cfg.LeaseDuration < time.Second:
		return fmt.Errorf("%w: lease duration %s is shorter than one second", sqs.ErrInvalidConfiguration, cfg.LeaseDuration)
	case cfg.LeaseDuration > sqs.MaxVisibilityTimeoutSeconds*time.Second:
		return fmt.Errorf("%w: lease duration %s exceeds 12h", sqs.ErrInvalidConfiguration, cfg.LeaseDuration)
	case cfg.RenewalFraction <= 0 || cfg.RenewalFraction >= 1:
		return fmt.Errorf("%w: renewal fraction %v must be between 0 and 1", sqs.ErrInvalidConfiguration, cfg.RenewalFraction)
	case cfg.ReceiveWaitTime < 0 || cfg.ReceiveWaitTime > sqs.MaxWaitTimeSeconds*time.Second:
		return fmt.Errorf("%w: receive wait time %s must be between 0 and 20s", sqs.ErrInvalidConfiguration, cfg.ReceiveWaitTime)
	case cfg.MessageBatchSize < 1 || cfg.MessageBatchSize > sqs.MaxBatchSize:
		return fmt.Errorf("%w: message batch size %d must be between 1 and 10", sqs.ErrInvalidConfiguration, cfg.MessageBatchSize)
	case cfg.SendConcurrency < 0:
		return fmt.Errorf("%w: send concurrency %d is negative", sqs.ErrInvalidConfiguration, cfg.SendConcurrency)
	case cfg.Client == nil && cfg.ClientFactory == nil:
		return fmt.Errorf("%w: no SQS client configured", sqs.ErrInvalidConfiguration)
	}
	return nil
}
