package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// QueueStats holds approximate message counts of a queue
type QueueStats struct {
	Visible  int64
	InFlight int64
	Delayed  int64
}

// QueueManager creates, purges, inspects and deletes queues
type QueueManager struct {
	client   API
	resolver *QueueResolver
	logger   *slog.Logger
}

// NewQueueManager creates a queue manager
func NewQueueManager(client API, resolver *QueueResolver, logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueManager{client: client, resolver: resolver, logger: logger}
}

// CreateQueue creates the queue at address with the given visibility timeout and
// returns its URL. An existing queue gets its visibility timeout updated instead.
func (qm *QueueManager) CreateQueue(ctx context.Context, address string, visibilityTimeout time.Duration) (string, error) {
	name := QueueNameFromAddress(address)
	timeout := strconv.Itoa(int(clampVisibility(visibilityTimeout)))

	attributes := map[string]string{
		string(types.QueueAttributeNameVisibilityTimeout): timeout,
	}
	if IsFIFO(name) {
		attributes[string(types.QueueAttributeNameFifoQueue)] = "true"
	}

	out, err := qm.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attributes,
	})
	if err == nil {
		url := aws.ToString(out.QueueUrl)
		qm.resolver.Store(address, url)
		qm.logger.Info("queue created", "queue", name, "url", url, "visibilityTimeout", timeout)
		return url, nil
	}
	if !isQueueNameExists(err) {
		return "", fmt.Errorf("failed to create queue %s: %w", name, err)
	}

	url, err := qm.resolver.Resolve(ctx, address)
	if err != nil {
		return "", err
	}
	_, err = qm.client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(url),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout): timeout,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to update attributes of queue %s: %w", name, err)
	}

	qm.logger.Info("queue attributes updated", "queue", name, "url", url, "visibilityTimeout", timeout)
	return url, nil
}

// DeleteQueue deletes the queue at address and forgets its cached URL
func (qm *QueueManager) DeleteQueue(ctx context.Context, address string) error {
	url, err := qm.resolver.Resolve(ctx, address)
	if err != nil {
		if IsQueueNotFound(err) {
			return nil
		}
		return err
	}

	_, err = qm.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
	qm.resolver.Invalidate(address)
	if err != nil && !isQueueNotFound(err) {
		return fmt.Errorf("failed to delete queue %s: %w", address, err)
	}

	qm.logger.Info("queue deleted", "queue", address, "url", url)
	return nil
}

// Purge removes all currently visible messages from the queue at address and
// returns how many were deleted. A missing queue counts as already empty.
func (qm *QueueManager) Purge(ctx context.Context, address string) (int, error) {
	url, err := qm.resolver.Resolve(ctx, address)
	if err != nil {
		if IsQueueNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	purged := 0
	for {
		out, err := qm.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: MaxBatchSize,
			WaitTimeSeconds:     0,
		})
		if err != nil {
			if isQueueNotFound(err) {
				return purged, nil
			}
			return purged, fmt.Errorf("failed to receive messages while purging %s: %w", url, err)
		}
		if len(out.Messages) == 0 {
			break
		}

		entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(out.Messages))
		for i, m := range out.Messages {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: m.ReceiptHandle,
			})
		}

		res, err := qm.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  entries,
		})
		if err != nil {
			return purged, fmt.Errorf("failed to delete messages while purging %s: %w", url, err)
		}
		purged += len(res.Successful)

		if len(res.Failed) > 0 {
			batchErr := &BatchError{Op: "DeleteMessageBatch", Queue: url, Total: len(entries)}
			for _, f := range res.Failed {
				i, _ := strconv.Atoi(aws.ToString(f.Id))
				batchErr.Failures = append(batchErr.Failures, BatchFailure{
					EntryID:     aws.ToString(f.Id),
					MessageID:   aws.ToString(out.Messages[i].MessageId),
					Code:        aws.ToString(f.Code),
					Message:     aws.ToString(f.Message),
					SenderFault: f.SenderFault,
				})
			}
			return purged, batchErr
		}
	}

	qm.logger.Info("queue purged", "queue", address, "url", url, "messages", purged)
	return purged, nil
}

// Stats returns approximate message counts of the queue at address
func (qm *QueueManager) Stats(ctx context.Context, address string) (QueueStats, error) {
	url, err := qm.resolver.Resolve(ctx, address)
	if err != nil {
		return QueueStats{}, err
	}

	out, err := qm.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to get attributes of queue %s: %w", url, err)
	}

	count := func(name types.QueueAttributeName) int64 {
		n, _ := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
		return n
	}
	return QueueStats{
		Visible:  count(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight: count(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:  count(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}
