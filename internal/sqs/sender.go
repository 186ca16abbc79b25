package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/messaging"
)

// senderSeq numbers senders so each one buffers under its own unit of work key
var senderSeq atomic.Uint64

type outgoingMessage struct {
	destination string
	message     *contracts.TransportMessage
}

type outgoingBuffer struct {
	mu       sync.Mutex
	messages []outgoingMessage
}

func (b *outgoingBuffer) add(m outgoingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
}

func (b *outgoingBuffer) drain() []outgoingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	messages := b.messages
	b.messages = nil
	return messages
}

// SenderOptions configures a Sender
type SenderOptions struct {
	// BatchSize is the number of entries per SendMessageBatch call (1-10)
	BatchSize int

	// NativeDeferral maps deferred-until onto DelaySeconds
	NativeDeferral bool

	// Concurrency limits how many destinations are flushed at once, 0 means unlimited
	Concurrency int

	Clock   messaging.Clock
	Metrics messaging.MetricsCollector
	Logger  *slog.Logger
}

// Sender buffers outgoing messages in a unit of work and submits them in
// batches per destination when the unit of work commits
type Sender struct {
	client         API
	resolver       *QueueResolver
	batchSize      int
	nativeDeferral bool
	concurrency    int
	clock          messaging.Clock
	metrics        messaging.MetricsCollector
	logger         *slog.Logger

	// outgoing holds this sender's buffer in a unit of work
	outgoing messaging.Key[*outgoingBuffer]
}

// NewSender creates a sender
func NewSender(client API, resolver *QueueResolver, opts *SenderOptions) *Sender {
	if opts == nil {
		opts = &SenderOptions{NativeDeferral: true}
	}

	s := &Sender{
		client:         client,
		resolver:       resolver,
		batchSize:      opts.BatchSize,
		nativeDeferral: opts.NativeDeferral,
		concurrency:    opts.Concurrency,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		outgoing:       messaging.NewKey[*outgoingBuffer](fmt.Sprintf("sqs.outgoing-messages.%d", senderSeq.Add(1))),
	}
	if s.batchSize <= 0 || s.batchSize > MaxBatchSize {
		s.batchSize = MaxBatchSize
	}
	if s.clock == nil {
		s.clock = messaging.SystemClock{}
	}
	if s.metrics == nil {
		s.metrics = &messaging.NoOpMetricsCollector{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Enqueue buffers msg for destination in uow. Nothing is sent until uow commits.
// A deferred-recipient header overrides destination and is removed from the
// outgoing copy.
func (s *Sender) Enqueue(uow *messaging.UnitOfWork, destination string, msg *contracts.TransportMessage) error {
	if msg == nil {
		return errors.New("sqs: cannot send a nil message")
	}
	if msg.GetID() == "" {
		return ErrMissingMessageID
	}

	if recipient, ok := msg.Headers[contracts.HeaderDeferredRecipient]; ok {
		msg = msg.Clone()
		delete(msg.Headers, contracts.HeaderDeferredRecipient)
		if recipient != "" {
			destination = recipient
		}
	}
	if destination == "" {
		return fmt.Errorf("%w: message %s has no destination", ErrInvalidAddress, msg.GetID())
	}
	if _, _, err := msg.DeferredUntil(); err != nil {
		return fmt.Errorf("cannot send message %s: %w", msg.GetID(), err)
	}

	buffer := messaging.GetOrAdd(uow, s.outgoing, func() *outgoingBuffer {
		b := &outgoingBuffer{}
		uow.OnCommitted(func(ctx context.Context) error {
			return s.Flush(ctx, b.drain())
		})
		return b
	})
	buffer.add(outgoingMessage{destination: destination, message: msg})

	return nil
}

type destinationGroup struct {
	destination string
	messages    []*contracts.TransportMessage
}

// groupByDestination keeps destinations in first-seen order and messages in enqueue order
func groupByDestination(messages []outgoingMessage) []destinationGroup {
	index := make(map[string]int)
	var groups []destinationGroup
	for _, m := range messages {
		i, ok := index[m.destination]
		if !ok {
			i = len(groups)
			index[m.destination] = i
			groups = append(groups, destinationGroup{destination: m.destination})
		}
		groups[i].messages = append(groups[i].messages, m.message)
	}
	return groups
}

// Flush submits messages grouped by destination. Destinations are sent
// concurrently and Flush returns once all of them finished, joining their errors.
// Entries accepted by the provider stay sent even if other entries fail.
func (s *Sender) Flush(ctx context.Context, messages []outgoingMessage) error {
	if len(messages) == 0 {
		return nil
	}

	groups := groupByDestination(messages)
	errs := make([]error, len(groups))

	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, group := range groups {
		g.Go(func() error {
			errs[i] = s.sendGroup(ctx, group)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (s *Sender) sendGroup(ctx context.Context, group destinationGroup) error {
	queueURL, err := s.resolver.Resolve(ctx, group.destination)
	if err != nil {
		return &SendError{Queue: group.destination, MessageIDs: messageIDs(group.messages), Err: err}
	}

	fifo := IsFIFO(group.destination) || IsFIFO(queueURL)
	now := s.clock.Now()

	entries := make([]types.SendMessageBatchRequestEntry, 0, len(group.messages))
	for _, msg := range group.messages {
		entry, err := s.buildEntry(msg, fifo, queueURL, now)
		if err != nil {
			return fmt.Errorf("failed to send to '%s': %w", group.destination, err)
		}
		entries = append(entries, entry)
	}

	var errs []error
	for start := 0; start < len(entries); start += s.batchSize {
		end := min(start+s.batchSize, len(entries))
		err := s.sendBatch(ctx, queueURL, entries[start:end], group.messages[start:end])
		if err == nil {
			continue
		}

		var batchErr *BatchError
		if !errors.As(err, &batchErr) {
			// the call itself failed; later batches would most likely fail the same way
			errs = append(errs, &SendError{Queue: queueURL, MessageIDs: messageIDs(group.messages[start:]), Err: err})
			break
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func messageIDs(messages []*contracts.TransportMessage) []string {
	ids := make([]string, len(messages))
	for i, msg := range messages {
		ids[i] = msg.GetID()
	}
	return ids
}

func (s *Sender) buildEntry(msg *contracts.TransportMessage, fifo bool, queueURL string, now time.Time) (types.SendMessageBatchRequestEntry, error) {
	body, err := EncodeMessage(msg)
	if err != nil {
		return types.SendMessageBatchRequestEntry{}, err
	}
	if len(body) > MaxMessageSize {
		return types.SendMessageBatchRequestEntry{}, fmt.Errorf("%w: message %s is %d bytes, limit is %d",
			ErrMessageTooLarge, msg.GetID(), len(body), MaxMessageSize)
	}

	entry := types.SendMessageBatchRequestEntry{
		MessageBody: aws.String(body),
	}

	if fifo {
		groupID := msg.Headers[contracts.HeaderMessageGroupID]
		if groupID == "" {
			groupID = QueueNameFromAddress(queueURL)
		}
		dedupID := msg.Headers[contracts.HeaderDeduplicationID]
		if dedupID == "" {
			dedupID = msg.GetID()
		}
		entry.MessageGroupId = aws.String(groupID)
		entry.MessageDeduplicationId = aws.String(dedupID)

		// FIFO queues reject per-message delays
		if s.nativeDeferral {
			if until, ok, _ := msg.DeferredUntil(); ok && DelaySeconds(until, now) > 0 {
				return types.SendMessageBatchRequestEntry{}, fmt.Errorf("%w: message %s is deferred until %s but FIFO queue '%s' cannot delay single messages",
					ErrInvalidConfiguration, msg.GetID(), contracts.FormatTime(until), QueueNameFromAddress(queueURL))
			}
		}
		return entry, nil
	}

	if s.nativeDeferral {
		until, ok, _ := msg.DeferredUntil()
		if ok {
			entry.DelaySeconds = DelaySeconds(until, now)
		}
	}
	return entry, nil
}

func (s *Sender) sendBatch(ctx context.Context, queueURL string, entries []types.SendMessageBatchRequestEntry, messages []*contracts.TransportMessage) error {
	ids := make(map[string]string, len(entries))
	for i := range entries {
		id := strconv.Itoa(i)
		entries[i].Id = aws.String(id)
		ids[id] = messages[i].GetID()
	}

	start := time.Now()
	out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})
	if err != nil {
		s.metrics.RecordSend(queueURL, len(entries), time.Since(start), false)
		s.metrics.RecordError("sender", errorCodeOrDefault(err))
		return fmt.Errorf("SendMessageBatch of %d entries failed: %w", len(entries), err)
	}

	if len(out.Failed) == 0 {
		s.metrics.RecordSend(queueURL, len(entries), time.Since(start), true)
		s.logger.Debug("sent message batch", "queue", queueURL, "count", len(entries))
		return nil
	}

	elapsed := time.Since(start)
	if accepted := len(entries) - len(out.Failed); accepted > 0 {
		s.metrics.RecordSend(queueURL, accepted, elapsed, true)
	}
	s.metrics.RecordSend(queueURL, len(out.Failed), elapsed, false)
	batchErr := &BatchError{Op: "SendMessageBatch", Queue: queueURL, Total: len(entries)}
	for _, f := range out.Failed {
		entryID := aws.ToString(f.Id)
		batchErr.Failures = append(batchErr.Failures, BatchFailure{
			EntryID:     entryID,
			MessageID:   ids[entryID],
			Code:        aws.ToString(f.Code),
			Message:     aws.ToString(f.Message),
			SenderFault: f.SenderFault,
		})
	}
	s.logger.Warn("message batch partially rejected",
		"queue", queueURL,
		"failed", len(out.Failed),
		"total", len(entries),
		"messageIds", batchErr.MessageIDs())
	return batchErr
}

// DelaySeconds converts a deferral time into a delivery delay rounded up to
// whole seconds and clamped to [0, MaxDelaySeconds]
func DelaySeconds(until, now time.Time) int32 {
	seconds := math.Ceil(until.Sub(now).Seconds())
	switch {
	case seconds <= 0:
		return 0
	case seconds >= MaxDelaySeconds:
		return MaxDelaySeconds
	default:
		return int32(seconds)
	}
}

func errorCodeOrDefault(err error) string {
	if code := errorCode(err); code != "" {
		return code
	}
	return "unknown"
}
