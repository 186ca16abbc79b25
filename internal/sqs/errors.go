package sqs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

var (
	// Configuration errors
	ErrInvalidAddress       = errors.New("sqs: invalid queue address")
	ErrInvalidConfiguration = errors.New("sqs: invalid configuration")

	// Message errors
	ErrPoisonedMessage  = errors.New("sqs: poisoned message")
	ErrMissingMessageID = errors.New("sqs: message has no message-id header")
	ErrMessageTooLarge  = errors.New("sqs: message exceeds the maximum message size")

	// Transport state errors
	ErrNotInitialized  = errors.New("sqs: transport not initialized")
	ErrOneWayClient    = errors.New("sqs: transport has no input queue")
	ErrTransportClosed = errors.New("sqs: transport is closed")

	// Provider errors
	ErrQueueNotFound = errors.New("sqs: queue does not exist")
)

// FormatError is returned when a message body is not a valid envelope
type FormatError struct {
	Err       error     // Underlying decode error
	Timestamp time.Time // When the error occurred
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("sqs format error: invalid message envelope: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Is makes every FormatError match ErrPoisonedMessage
func (e *FormatError) Is(target error) bool {
	return target == ErrPoisonedMessage
}

// QueueLookupError is returned when a queue address cannot be resolved to a URL
type QueueLookupError struct {
	Address    string    // Queue address that was looked up
	StatusCode int       // HTTP status of the failed call, 0 when unknown
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *QueueLookupError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sqs lookup error: could not resolve url of queue '%s' (status %d): %v", e.Address, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sqs lookup error: could not resolve url of queue '%s': %v", e.Address, e.Err)
}

func (e *QueueLookupError) Unwrap() error {
	return e.Err
}

// Is matches ErrQueueNotFound when the provider reported a missing queue
func (e *QueueLookupError) Is(target error) bool {
	return target == ErrQueueNotFound && isQueueNotFound(e.Err)
}

// BatchFailure describes one rejected entry of a batch call
type BatchFailure struct {
	EntryID     string
	MessageID   string
	Code        string
	Message     string
	SenderFault bool
}

// BatchError is returned when a batch call succeeded but rejected some entries
type BatchError struct {
	Op       string         // Batch operation, e.g. SendMessageBatch
	Queue    string         // Queue URL
	Total    int            // Number of entries submitted
	Failures []BatchFailure // Rejected entries
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		id := f.MessageID
		if id == "" {
			id = f.EntryID
		}
		parts = append(parts, fmt.Sprintf("%s (%s: %s, sender fault: %t)", id, f.Code, f.Message, f.SenderFault))
	}
	return fmt.Sprintf("sqs batch error: %s on %s failed for %d of %d entries: %s",
		e.Op, e.Queue, len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// MessageIDs returns the message ids of the failed entries
func (e *BatchError) MessageIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.MessageID)
	}
	return ids
}

// SendError is returned when a send call failed as a whole. MessageIDs lists
// every message of the destination that was not submitted because of it.
type SendError struct {
	Queue      string   // Queue address or URL
	MessageIDs []string // Messages not submitted
	Err        error    // Underlying error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send %d messages to '%s': %v", len(e.MessageIDs), e.Queue, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// RetryableMessageIDs lists the messages of a failed flush that may be sent
// again: provider-side batch rejections and messages left unsent by a
// retryable call failure. ok is false when err contains a failure that
// cannot be attributed to specific messages.
func RetryableMessageIDs(err error) (ids []string, ok bool) {
	ok = true
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case *BatchError:
			for _, f := range e.Failures {
				if !f.SenderFault {
					ids = append(ids, f.MessageID)
				}
			}
			return
		case *SendError:
			if IsRetryable(e.Err) {
				ids = append(ids, e.MessageIDs...)
			}
			return
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
			return
		}

		if inner := errors.Unwrap(err); inner != nil {
			walk(inner)
			return
		}
		ok = false
	}
	if err != nil {
		walk(err)
	}
	return ids, ok
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrPoisonedMessage),
		errors.Is(err, ErrMissingMessageID),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrOneWayClient),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrQueueNotFound):
		return false
	}

	// A batch is worth retrying only if some entry failed on the provider side
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		for _, f := range batchErr.Failures {
			if !f.SenderFault {
				return true
			}
		}
		return false
	}

	// Default to retryable for network and throttling errors
	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// StatusCode returns the HTTP status of a failed provider call, or 0
func StatusCode(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isQueueNotFound(err error) bool {
	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return true
	}
	switch errorCode(err) {
	case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
		return true
	}
	return false
}

func isQueueNameExists(err error) bool {
	var exists *types.QueueNameExists
	if errors.As(err, &exists) {
		return true
	}
	switch errorCode(err) {
	case "QueueAlreadyExists", "QueueNameExists":
		return true
	}
	return false
}

// isLeaseLost reports errors meaning the receipt handle no longer controls the message
func isLeaseLost(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	var notInflight *types.MessageNotInflight
	if errors.As(err, &notInflight) {
		return true
	}
	switch errorCode(err) {
	case "ReceiptHandleIsInvalid", "AWS.SimpleQueueService.MessageNotInflight", "MessageNotInflight":
		return true
	}
	return false
}

// IsQueueNotFound reports whether err means the queue does not exist
func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound) || isQueueNotFound(err)
}

// IsQueueNameExists reports whether err means the queue already exists with other attributes
func IsQueueNameExists(err error) bool {
	return isQueueNameExists(err)
}
