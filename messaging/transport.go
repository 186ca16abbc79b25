package messaging

import (
	"context"

	"github.com/glimte/mmate-sqs/contracts"
)

// Transport sends and receives messages within units of work
type Transport interface {
	// Address returns the input queue address, empty for send-only transports
	Address() string

	// CreateQueue creates a queue if it doesn't exist
	CreateQueue(ctx context.Context, address string) error

	// Send buffers a message for destination; it is submitted when uow commits
	Send(ctx context.Context, uow *UnitOfWork, destination string, msg *contracts.TransportMessage) error

	// Receive returns the next message or nil when none is available.
	// The message is acknowledged when uow completes and released when it aborts.
	Receive(ctx context.Context, uow *UnitOfWork) (*contracts.TransportMessage, error)

	// Close closes all resources
	Close() error
}
