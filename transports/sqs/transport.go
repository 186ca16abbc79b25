package sqs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/internal/sqs"
	"github.com/glimte/mmate-sqs/messaging"
)

// Transport implements messaging.Transport on top of Amazon SQS
type Transport struct {
	address  string
	config   *TransportConfig
	client   API
	resolver *sqs.QueueResolver
	sender   *sqs.Sender
	queues   *sqs.QueueManager
	logger   *slog.Logger

	mu       sync.RWMutex
	queueURL string
	leases   *sqs.LeaseManager
	closed   bool
}

var _ messaging.Transport = (*Transport)(nil)

// NewTransport creates a transport reading from the queue at address.
// An empty address creates a one-way transport that can only send.
func NewTransport(address string, options ...TransportOption) (*Transport, error) {
	config := DefaultTransportConfig()
	for _, opt := range options {
		opt(config)
	}

	if address != "" {
		if err := sqs.ValidateAddress(address); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = &messaging.NoOpMetricsCollector{}
	}
	if config.Clock == nil {
		config.Clock = messaging.SystemClock{}
	}
	if config.TaskFactory == nil {
		config.TaskFactory = messaging.NewTaskFactory(config.Logger)
	}
	if config.FailureVisibilityTimeout == nil {
		config.FailureVisibilityTimeout = sqs.NoFailureDelay
	}

	client := config.Client
	if client == nil {
		var err error
		client, err = config.ClientFactory()
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS client: %w", err)
		}
		if client == nil {
			return nil, fmt.Errorf("%w: client factory returned nil", ErrInvalidConfiguration)
		}
	}

	resolver := sqs.NewQueueResolver(client, config.Logger)
	t := &Transport{
		address:  address,
		config:   config,
		client:   client,
		resolver: resolver,
		queues:   sqs.NewQueueManager(client, resolver, config.Logger),
		logger:   config.Logger,
		sender: sqs.NewSender(client, resolver, &sqs.SenderOptions{
			BatchSize:      config.MessageBatchSize,
			NativeDeferral: config.NativeDeferredMessages,
			Concurrency:    config.SendConcurrency,
			Clock:          config.Clock,
			Metrics:        config.Metrics,
			Logger:         config.Logger,
		}),
	}
	return t, nil
}

// Initialize prepares the input queue. It creates the queue when CreateQueues
// is enabled and resolves its URL. One-way transports have nothing to prepare.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.address == "" {
		t.logger.Info("initialized one-way SQS transport")
		return nil
	}

	var (
		url string
		err error
	)
	if t.config.CreateQueues {
		url, err = t.queues.CreateQueue(ctx, t.address, t.config.LeaseDuration)
	} else {
		url, err = t.resolver.Resolve(ctx, t.address)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize input queue %q: %w", t.address, err)
	}

	t.queueURL = url
	t.leases = sqs.NewLeaseManager(t.client, &sqs.LeaseOptions{
		QueueURL:                 url,
		LeaseDuration:            t.config.LeaseDuration,
		RenewalInterval:          t.renewalInterval(),
		WaitTime:                 t.config.ReceiveWaitTime,
		FailureVisibilityTimeout: t.config.FailureVisibilityTimeout,
		Clock:                    t.config.Clock,
		TaskFactory:              t.config.TaskFactory,
		Metrics:                  t.config.Metrics,
		Logger:                   t.logger,
	})

	t.logger.Info("initialized SQS transport", "queue", t.address, "queueUrl", url)
	return nil
}

func (t *Transport) renewalInterval() time.Duration {
	return time.Duration(float64(t.config.LeaseDuration) * t.config.RenewalFraction)
}

// Address returns the input queue address, empty for one-way transports
func (t *Transport) Address() string {
	return t.address
}

// QueueURL returns the resolved input queue URL, empty until Initialize succeeds
func (t *Transport) QueueURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.queueURL
}

// CreateQueue creates the queue at address with the configured lease duration
// as its visibility timeout. Existing queues are updated.
func (t *Transport) CreateQueue(ctx context.Context, address string) error {
	if err := sqs.ValidateAddress(address); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrTransportClosed
	}
	_, err := t.queues.CreateQueue(ctx, address, t.config.LeaseDuration)
	return err
}

// Send buffers msg for destination in uow. The message is sent when uow commits.
func (t *Transport) Send(ctx context.Context, uow *messaging.UnitOfWork, destination string, msg *contracts.TransportMessage) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.sender.Enqueue(uow, destination, msg)
}

// Receive leases the next message of the input queue. It returns nil when no
// message is available. The message is deleted when uow completes and released
// when uow aborts.
func (t *Transport) Receive(ctx context.Context, uow *messaging.UnitOfWork) (*contracts.TransportMessage, error) {
	if t.address == "" {
		return nil, ErrOneWayClient
	}

	t.mu.RLock()
	closed, leases := t.closed, t.leases
	t.mu.RUnlock()

	if closed {
		return nil, ErrTransportClosed
	}
	if leases == nil {
		return nil, ErrNotInitialized
	}
	return leases.Receive(ctx, uow)
}

// Close stops the transport from receiving and releases the client
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.logger.Info("closing SQS transport", "queue", t.address)
	if closer, ok := t.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
