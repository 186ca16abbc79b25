// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmatesqs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/glimte/mmate-sqs/config"
	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/health"
	"github.com/glimte/mmate-sqs/interceptors"
	"github.com/glimte/mmate-sqs/internal/reliability"
	"github.com/glimte/mmate-sqs/messaging"
	"github.com/glimte/mmate-sqs/metrics"
	"github.com/glimte/mmate-sqs/serialization"
	sqsTransport "github.com/glimte/mmate-sqs/transports/sqs"
)

// Client provides the main entry point for mmate-sqs
type Client struct {
	transport  *sqsTransport.Transport
	sqsClient  sqsTransport.API
	metrics    *metrics.PrometheusCollector
	health     *health.Registry
	handlers   *interceptors.InterceptorChain
	breaker    *reliability.CircuitBreaker
	sendRetry  reliability.RetryPolicy
	serializer *serialization.JSONSerializer
	logger     *slog.Logger
}

// NewClient creates a client receiving from inputQueue and initializes its
// transport. An empty inputQueue creates a send-only client.
func NewClient(ctx context.Context, inputQueue string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:           slog.Default(),
		backlogThreshold: 10000,
	}
	for _, opt := range options {
		opt(cfg)
	}

	c := &Client{
		health:     health.NewRegistry(),
		sendRetry:  cfg.sendRetry,
		serializer: cfg.serializer,
		logger:     cfg.logger,
	}
	if c.serializer == nil {
		c.serializer = serialization.NewJSONSerializer()
	}
	if c.sendRetry == nil {
		c.sendRetry = reliability.NewFixedDelay(0, 0)
	}

	transportOpts := []sqsTransport.TransportOption{
		sqsTransport.WithLogger(cfg.logger),
		sqsTransport.WithClientFactory(func() (sqsTransport.API, error) {
			client, err := newSQSClient(ctx, cfg)
			if err != nil {
				return nil, err
			}
			c.sqsClient = client
			return client, nil
		}),
	}
	if cfg.metricsEnabled {
		c.metrics = metrics.NewPrometheusCollector(cfg.metricsNamespace)
		transportOpts = append(transportOpts, sqsTransport.WithMetrics(c.metrics))
	}
	transportOpts = append(transportOpts, cfg.transportOptions...)

	transport, err := sqsTransport.NewTransport(inputQueue, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	if err := transport.Initialize(ctx); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}
	c.transport = transport

	c.handlers = c.buildHandlerChain(inputQueue, cfg)

	c.health.SetMetadata("input_queue", inputQueue)
	c.health.Register(health.NewGoroutineChecker(500, 1000))
	if inputQueue != "" {
		c.health.Register(health.NewQueueChecker(transport, cfg.backlogThreshold, cfg.logger))
	}
	if c.breaker != nil {
		c.health.Register(health.NewCheckerFunc("handler_circuit", c.checkBreaker))
	}

	cfg.logger.Info("SQS client created", "inputQueue", inputQueue, "queueUrl", transport.QueueURL())
	return c, nil
}

// NewClientFromConfig creates a client from file configuration. Options are
// applied after the configuration and take precedence.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	opts := []ClientOption{
		WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))),
		WithTransportOptions(cfg.TransportOptions()...),
	}
	if cfg.Region != "" {
		opts = append(opts, WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, WithEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, WithStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, WithPrometheusMetrics(cfg.Metrics.Namespace))
	}
	if cfg.Health.BacklogThreshold > 0 {
		opts = append(opts, WithBacklogThreshold(cfg.Health.BacklogThreshold))
	}

	validator, err := cfg.Validator()
	if err != nil {
		return nil, err
	}
	if validator != nil {
		opts = append(opts, WithMessageValidator(validator))
	}

	r := cfg.Reliability
	backoff := r.RetryBackoff
	if backoff.Initial <= 0 {
		backoff.Initial = config.Duration(100 * time.Millisecond)
	}
	if backoff.Max < backoff.Initial {
		backoff.Max = backoff.Initial * 20
	}
	if r.SendRetries > 0 {
		opts = append(opts, WithSendRetry(r.SendRetries, time.Duration(backoff.Initial), time.Duration(backoff.Max)))
	}
	if r.HandlerRetries > 0 {
		opts = append(opts, WithHandlerRetry(r.HandlerRetries, time.Duration(backoff.Initial), time.Duration(backoff.Max)))
	}
	if r.HandlerTimeout > 0 {
		opts = append(opts, WithHandlerTimeout(time.Duration(r.HandlerTimeout)))
	}
	if r.BreakerThreshold > 0 {
		opts = append(opts, WithCircuitBreaker(r.BreakerThreshold, time.Duration(r.BreakerTimeout)))
	}

	return NewClient(ctx, cfg.InputQueue, append(opts, options...)...)
}

func newSQSClient(ctx context.Context, cfg *clientConfig) (sqsTransport.API, error) {
	if cfg.client != nil {
		return cfg.client, nil
	}

	awsCfg := cfg.awsConfig
	if awsCfg == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.region))
		}
		if cfg.credentials != nil {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(cfg.credentials))
		}

		loaded, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		awsCfg = &loaded
	}

	return awssqs.NewFromConfig(*awsCfg, func(o *awssqs.Options) {
		if cfg.endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.endpoint)
		}
	}), nil
}

// Transport returns the underlying transport
func (c *Client) Transport() *sqsTransport.Transport {
	return c.transport
}

// SQS returns the SQS client used by the transport
func (c *Client) SQS() sqsTransport.API {
	return c.sqsClient
}

// Metrics returns the Prometheus collector, nil unless metrics are enabled
func (c *Client) Metrics() *metrics.PrometheusCollector {
	return c.metrics
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Send sends msg to destination in its own unit of work
func (c *Client) Send(ctx context.Context, destination string, msg *contracts.TransportMessage) error {
	return c.SendBatch(ctx, destination, msg)
}

// SendValue serializes v, whose type must be registered with Serializer,
// and sends it with a copy of headers
func (c *Client) SendValue(ctx context.Context, destination string, v any, headers map[string]string) error {
	msg, err := c.serializer.Serialize(v, headers)
	if err != nil {
		return err
	}
	return c.Send(ctx, destination, msg)
}

// Serializer returns the serializer used by SendValue
func (c *Client) Serializer() *serialization.JSONSerializer {
	return c.serializer
}

// SendBatch sends msgs to destination in one unit of work. With a send
// retry policy, messages that failed for a retryable reason are sent again
// while messages the provider already accepted are not.
func (c *Client) SendBatch(ctx context.Context, destination string, msgs ...*contracts.TransportMessage) error {
	pending := msgs
	return reliability.Retry(ctx, c.sendRetry, func() error {
		err := c.send(ctx, destination, pending)
		if err == nil {
			return nil
		}

		ids, ok := sqsTransport.RetryableMessageIDs(err)
		if !ok {
			// nothing was attributed to single messages, so nothing was submitted
			return err
		}
		if len(ids) == 0 {
			return reliability.Permanent(err)
		}

		pending = selectMessages(pending, ids)
		c.logger.Warn("send failed, retrying rejected messages",
			"destination", destination,
			"count", len(pending),
			"error", err)
		return reliability.RetryableError{Err: err, Retryable: true}
	})
}

func (c *Client) send(ctx context.Context, destination string, msgs []*contracts.TransportMessage) error {
	uow := messaging.NewUnitOfWork()
	defer uow.Dispose()

	for _, msg := range msgs {
		if err := c.transport.Send(ctx, uow, destination, msg); err != nil {
			return err
		}
	}
	return uow.Commit(ctx)
}

func selectMessages(msgs []*contracts.TransportMessage, ids []string) []*contracts.TransportMessage {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	selected := make([]*contracts.TransportMessage, 0, len(ids))
	for _, msg := range msgs {
		if wanted[msg.GetID()] {
			selected = append(selected, msg)
		}
	}
	return selected
}

// Processor creates a processor handling messages of the input queue.
// The handler runs behind the client's interceptor chain.
func (c *Client) Processor(handler messaging.HandlerFunc, options ...messaging.ProcessorOption) *messaging.Processor {
	opts := append([]messaging.ProcessorOption{messaging.WithProcessorLogger(c.logger)}, options...)
	return messaging.NewProcessor(c.transport, c.handlers.Then(handler), opts...)
}

// Interceptors returns the names of the interceptors wrapping handlers, outermost first
func (c *Client) Interceptors() []string {
	return c.handlers.Names()
}

// buildHandlerChain orders interceptors so that panics and logging cover
// everything, user interceptors see each delivery once, and the breaker
// counts a delivery as failed only after in-place retries are exhausted
func (c *Client) buildHandlerChain(inputQueue string, cfg *clientConfig) *interceptors.InterceptorChain {
	b := interceptors.NewChainBuilder(cfg.logger).
		WithRecovery().
		WithLogging()
	if c.metrics != nil {
		b.WithMetrics(inputQueue, c.metrics)
	}
	if cfg.validator != nil {
		b.WithValidation(cfg.validator)
	}
	for _, interceptor := range cfg.interceptors {
		b.With(interceptor)
	}

	if cfg.breakerThreshold > 0 {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("handler"),
			reliability.WithFailureThreshold(cfg.breakerThreshold),
			reliability.WithTimeout(cfg.breakerTimeout),
			reliability.WithHalfOpenRequests(1),
			reliability.WithSuccessThreshold(1),
			reliability.WithStateChangeFunc(func(name string, from, to reliability.State, reason string) {
				c.logger.Warn("circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
					"reason", reason)
			}),
		)
		b.WithCircuitBreaker(c.breaker)
	}
	if cfg.handlerRetry != nil {
		b.With(interceptors.NewRetryInterceptor(cfg.handlerRetry).WithLogger(cfg.logger))
	}
	if cfg.handlerTimeout > 0 {
		b.WithTimeout(cfg.handlerTimeout)
	}
	return b.Build()
}

func (c *Client) checkBreaker(context.Context) health.CheckResult {
	state := c.breaker.State()
	m := c.breaker.Metrics()
	result := health.CheckResult{
		Name:   "handler_circuit",
		Status: health.StatusHealthy,
		Details: map[string]any{
			"state":          state.String(),
			"total_failures": m.TotalFailures,
			"rejected":       m.TotalRejected,
		},
		Timestamp: time.Now(),
	}
	if state != reliability.StateClosed {
		result.Status = health.StatusDegraded
		result.Message = "handler circuit is " + state.String()
	}
	return result
}

// HTTPHandler serves /health, /ready, /live and, when metrics are enabled, /metrics
func (c *Client) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(c.health, 10*time.Second))
	mux.Handle("/ready", health.ReadinessHandler(c.health))
	mux.Handle("/live", health.LivenessHandler())
	if c.metrics != nil {
		mux.Handle("/metrics", c.metrics.Handler())
	}
	return mux
}

// Close closes the transport
func (c *Client) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	region           string
	endpoint         string
	credentials      aws.CredentialsProvider
	awsConfig        *aws.Config
	client           sqsTransport.API
	transportOptions []sqsTransport.TransportOption
	metricsEnabled   bool
	metricsNamespace string
	backlogThreshold int64
	sendRetry        reliability.RetryPolicy
	handlerRetry     reliability.RetryPolicy
	handlerTimeout   time.Duration
	breakerThreshold int
	breakerTimeout   time.Duration
	interceptors     []interceptors.Interceptor
	validator        interceptors.MessageValidator
	serializer       *serialization.JSONSerializer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithRegion sets the AWS region
func WithRegion(region string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.region = region
	}
}

// WithEndpoint overrides the SQS endpoint URL
func WithEndpoint(endpoint string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoint = endpoint
	}
}

// WithStaticCredentials uses an access key instead of the default credential chain
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)
	}
}

// WithAWSConfig uses cfg instead of loading the default AWS configuration
func WithAWSConfig(awsCfg aws.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.awsConfig = &awsCfg
	}
}

// WithSQSClient uses an existing SQS client
func WithSQSClient(client sqsTransport.API) ClientOption {
	return func(cfg *clientConfig) {
		cfg.client = client
	}
}

// WithTransportOptions passes options to the transport
func WithTransportOptions(options ...sqsTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, options...)
	}
}

// WithPrometheusMetrics records transport metrics under namespace
func WithPrometheusMetrics(namespace string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metricsEnabled = true
		cfg.metricsNamespace = namespace
	}
}

// WithBacklogThreshold sets the visible message count above which the input queue is reported degraded
func WithBacklogThreshold(n int64) ClientOption {
	return func(cfg *clientConfig) {
		cfg.backlogThreshold = n
	}
}

// WithSendRetry retries failed sends up to maxRetries times, waiting initial
// and doubling up to maxDelay. Only messages that were not accepted are resent.
func WithSendRetry(maxRetries int, initial, maxDelay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sendRetry = reliability.NewExponentialBackoff(initial, maxDelay, 2, maxRetries)
	}
}

// WithHandlerRetry retries a failing handler in place up to maxRetries times
// before the message is released
func WithHandlerRetry(maxRetries int, initial, maxDelay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlerRetry = reliability.NewExponentialBackoff(initial, maxDelay, 2, maxRetries)
	}
}

// WithHandlerTimeout bounds each handler attempt
func WithHandlerTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlerTimeout = timeout
	}
}

// WithCircuitBreaker stops calling handlers for timeout after threshold
// consecutive failed deliveries. Messages received meanwhile are released.
func WithCircuitBreaker(threshold int, timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerThreshold = threshold
		cfg.breakerTimeout = timeout
	}
}

// WithMessageValidator rejects messages failing validator before any user
// interceptor, retry or circuit breaker sees them
func WithMessageValidator(validator interceptors.MessageValidator) ClientOption {
	return func(cfg *clientConfig) {
		cfg.validator = validator
	}
}

// WithSerializer sets the serializer used by SendValue
func WithSerializer(serializer *serialization.JSONSerializer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializer = serializer
	}
}

// WithInterceptors adds interceptors around every handler
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}
