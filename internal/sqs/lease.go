package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/messaging"
)

// Lease defaults
const (
	DefaultLeaseDuration  = 5 * time.Minute
	DefaultRenewalFactor  = 0.8
	DefaultReceiveTimeout = time.Second
)

// NoFailureDelay makes failed messages visible again immediately
func NoFailureDelay(receiveCount int) time.Duration {
	return 0
}

// LeaseOptions configures a LeaseManager
type LeaseOptions struct {
	// QueueURL is the input queue
	QueueURL string

	// LeaseDuration is the visibility timeout applied on receive and on every renewal
	LeaseDuration time.Duration

	// RenewalInterval is how often the lease is extended while the message is handled
	RenewalInterval time.Duration

	// WaitTime is the long polling wait of a receive (0-20s)
	WaitTime time.Duration

	// FailureVisibilityTimeout returns how long a failed message stays hidden.
	// receiveCount is the provider's approximate receive count.
	FailureVisibilityTimeout func(receiveCount int) time.Duration

	Clock       messaging.Clock
	TaskFactory messaging.TaskFactory
	Metrics     messaging.MetricsCollector
	Logger      *slog.Logger
}

// LeaseManager receives one message at a time and ties its lease to a unit of work:
// the message is deleted when the unit of work completes and released when it aborts,
// and its visibility is extended in the background until then
type LeaseManager struct {
	client          API
	queueURL        string
	leaseDuration   time.Duration
	renewalInterval time.Duration
	waitTime        time.Duration
	failureTimeout  func(receiveCount int) time.Duration
	clock           messaging.Clock
	tasks           messaging.TaskFactory
	metrics         messaging.MetricsCollector
	logger          *slog.Logger
}

// NewLeaseManager creates a lease manager for the queue in opts
func NewLeaseManager(client API, opts *LeaseOptions) *LeaseManager {
	m := &LeaseManager{
		client:          client,
		queueURL:        opts.QueueURL,
		leaseDuration:   opts.LeaseDuration,
		renewalInterval: opts.RenewalInterval,
		waitTime:        opts.WaitTime,
		failureTimeout:  opts.FailureVisibilityTimeout,
		clock:           opts.Clock,
		tasks:           opts.TaskFactory,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
	}

	if m.leaseDuration <= 0 {
		m.leaseDuration = DefaultLeaseDuration
	}
	if m.renewalInterval <= 0 {
		m.renewalInterval = time.Duration(float64(m.leaseDuration) * DefaultRenewalFactor)
	}
	if m.failureTimeout == nil {
		m.failureTimeout = NoFailureDelay
	}
	if m.clock == nil {
		m.clock = messaging.SystemClock{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tasks == nil {
		m.tasks = messaging.NewTaskFactory(m.logger)
	}
	if m.metrics == nil {
		m.metrics = &messaging.NoOpMetricsCollector{}
	}
	return m
}

// Receive leases the next message of the queue. It returns nil when the queue
// is empty or the received message had expired.
func (m *LeaseManager) Receive(ctx context.Context, uow *messaging.UnitOfWork) (*contracts.TransportMessage, error) {
	start := time.Now()
	out, err := m.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(m.queueURL),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             int32(m.waitTime / time.Second),
		VisibilityTimeout:           seconds(m.leaseDuration),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
		MessageAttributeNames:       []string{"All"},
	})
	if err != nil {
		m.metrics.RecordReceive(m.queueURL, false, time.Since(start))
		return nil, fmt.Errorf("failed to receive from %s: %w", m.queueURL, err)
	}
	if len(out.Messages) == 0 {
		m.metrics.RecordReceive(m.queueURL, false, time.Since(start))
		return nil, nil
	}
	m.metrics.RecordReceive(m.queueURL, true, time.Since(start))

	raw := out.Messages[0]
	l := m.newLease(raw)

	uow.OnCompleted(func(ctx context.Context) error {
		return l.ack(ctx)
	})
	uow.OnAborted(func(ctx context.Context) {
		l.nack(ctx)
	})

	msg, err := DecodeMessage(aws.ToString(raw.Body))
	if err != nil {
		m.logger.Error("received message with invalid envelope",
			"queue", m.queueURL,
			"sqsMessageId", l.sqsMessageID,
			"error", err)
		return nil, err
	}

	if m.expired(msg, raw) {
		m.logger.Info("discarding expired message",
			"queue", m.queueURL,
			"messageId", msg.GetID())
		m.metrics.RecordExpired(m.queueURL)
		if err := l.ack(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	l.renewal.Start()
	m.logger.Debug("leased message",
		"queue", m.queueURL,
		"messageId", msg.GetID(),
		"receiveCount", l.receiveCount)
	return msg, nil
}

func (m *LeaseManager) newLease(raw types.Message) *lease {
	l := &lease{
		manager:       m,
		receiptHandle: aws.ToString(raw.ReceiptHandle),
		sqsMessageID:  aws.ToString(raw.MessageId),
		receiveCount:  receiveCount(raw),
	}
	l.renewal = m.tasks.NewPeriodicTask("sqs-lease-renewal:"+l.sqsMessageID, m.renewalInterval, l.renew)
	return l
}

// expired reports whether the message outlived its time-to-be-received, measured
// both from the sender's sent-time header and from the provider's SentTimestamp
func (m *LeaseManager) expired(msg *contracts.TransportMessage, raw types.Message) bool {
	ttl, ok, err := msg.TimeToBeReceived()
	if !ok {
		return false
	}
	if err != nil {
		m.logger.Warn("ignoring invalid time to be received", "messageId", msg.GetID(), "error", err)
		return false
	}

	now := m.clock.Now()
	if sent, ok, err := msg.SentTime(); ok && err == nil && now.Sub(sent) > ttl {
		return true
	}
	if ts, ok := raw.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil && now.Sub(time.UnixMilli(ms)) > ttl {
			return true
		}
	}
	return false
}

// lease is the in-flight state of one received message.
// Exactly one of ack and nack reaches the provider, always after renewal stopped.
type lease struct {
	manager       *LeaseManager
	receiptHandle string
	sqsMessageID  string
	receiveCount  int
	renewal       messaging.PeriodicTask
	once          sync.Once
}

func (l *lease) finalize(fn func()) {
	l.once.Do(func() {
		l.renewal.Stop()
		fn()
	})
}

func (l *lease) ack(ctx context.Context) error {
	m := l.manager
	var err error
	l.finalize(func() {
		_, err = m.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(m.queueURL),
			ReceiptHandle: aws.String(l.receiptHandle),
		})
		m.metrics.RecordAck(m.queueURL, err == nil)
		if err != nil {
			m.logger.Error("failed to delete message",
				"queue", m.queueURL,
				"sqsMessageId", l.sqsMessageID,
				"error", err)
			err = fmt.Errorf("failed to delete message %s: %w", l.sqsMessageID, err)
		}
	})
	return err
}

func (l *lease) nack(ctx context.Context) {
	m := l.manager
	l.finalize(func() {
		timeout := clampVisibility(m.failureTimeout(l.receiveCount))
		_, err := m.client.ChangeMessageVisibility(context.WithoutCancel(ctx), &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(m.queueURL),
			ReceiptHandle:     aws.String(l.receiptHandle),
			VisibilityTimeout: timeout,
		})
		m.metrics.RecordNack(m.queueURL, err == nil)
		if err != nil {
			// the message reappears once its current lease runs out
			m.logger.Error("failed to release message",
				"queue", m.queueURL,
				"sqsMessageId", l.sqsMessageID,
				"error", err)
			return
		}
		m.logger.Debug("released message",
			"queue", m.queueURL,
			"sqsMessageId", l.sqsMessageID,
			"visibilityTimeout", timeout)
	})
}

func (l *lease) renew(ctx context.Context) error {
	m := l.manager
	_, err := m.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(l.receiptHandle),
		VisibilityTimeout: seconds(m.leaseDuration),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.RecordLeaseRenewal(m.queueURL, false)
		if isLeaseLost(err) {
			m.logger.Warn("lease lost, stopping renewal",
				"queue", m.queueURL,
				"sqsMessageId", l.sqsMessageID,
				"error", err)
			return messaging.ErrStopTask
		}
		return fmt.Errorf("failed to renew lease of message %s: %w", l.sqsMessageID, err)
	}

	m.metrics.RecordLeaseRenewal(m.queueURL, true)
	m.logger.Debug("renewed lease", "queue", m.queueURL, "sqsMessageId", l.sqsMessageID)
	return nil
}

func receiveCount(raw types.Message) int {
	v, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 1
	}
	return n
}

func seconds(d time.Duration) int32 {
	return int32(math.Ceil(d.Seconds()))
}

// clampVisibility converts d to whole seconds within the provider's visibility range
func clampVisibility(d time.Duration) int32 {
	switch {
	case d <= 0:
		return 0
	case d >= MaxVisibilityTimeoutSeconds*time.Second:
		return MaxVisibilityTimeoutSeconds
	default:
		return seconds(d)
	}
}
