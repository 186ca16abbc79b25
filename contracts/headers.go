package contracts

// Well-known header keys.
const (
	// HeaderMessageID uniquely identifies a message. Required for sending.
	HeaderMessageID = "message-id"

	// HeaderCorrelationID links a message to the conversation it belongs to
	HeaderCorrelationID = "correlation-id"

	// HeaderSentTime is the RFC 3339 time the sender produced the message
	HeaderSentTime = "sent-time"

	// HeaderDeferredUntil is the RFC 3339 time before which the message must not be delivered
	HeaderDeferredUntil = "deferred-until"

	// HeaderTimeToBeReceived is the maximum age of the message, as a Go duration
	// ("90s") or as hh:mm:ss
	HeaderTimeToBeReceived = "time-to-be-received"

	// HeaderDeferredRecipient overrides the destination of a deferred message
	HeaderDeferredRecipient = "deferred-recipient"

	// HeaderMessageGroupID is the FIFO message group
	HeaderMessageGroupID = "message-group-id"

	// HeaderDeduplicationID is the FIFO deduplication id
	HeaderDeduplicationID = "message-deduplication-id"

	// HeaderMessageType names the body's message type
	HeaderMessageType = "message-type"
)
