package sqs

import "github.com/glimte/mmate-sqs/internal/sqs"

var (
	ErrInvalidAddress       = sqs.ErrInvalidAddress
	ErrInvalidConfiguration = sqs.ErrInvalidConfiguration
	ErrPoisonedMessage      = sqs.ErrPoisonedMessage
	ErrMissingMessageID     = sqs.ErrMissingMessageID
	ErrMessageTooLarge      = sqs.ErrMessageTooLarge
	ErrNotInitialized       = sqs.ErrNotInitialized
	ErrOneWayClient         = sqs.ErrOneWayClient
	ErrTransportClosed      = sqs.ErrTransportClosed
	ErrQueueNotFound        = sqs.ErrQueueNotFound
)

type (
	FormatError      = sqs.FormatError
	QueueLookupError = sqs.QueueLookupError
	BatchError       = sqs.BatchError
	BatchFailure     = sqs.BatchFailure
	SendError        = sqs.SendError
	QueueStats       = sqs.QueueStats
)

// IsRetryable reports whether an operation failing with err may succeed when retried
func IsRetryable(err error) bool {
	return sqs.IsRetryable(err)
}

// IsFatal reports whether err can never succeed on retry
func IsFatal(err error) bool {
	return sqs.IsFatal(err)
}

// RetryableMessageIDs lists the messages of a failed send that may be sent
// again. ok is false when the failure cannot be attributed to messages.
func RetryableMessageIDs(err error) (ids []string, ok bool) {
	return sqs.RetryableMessageIDs(err)
}
