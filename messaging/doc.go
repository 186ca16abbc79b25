// Package messaging provides the transport-neutral collaborators used by the mmate SQS transport.
//
// This package defines the contracts between a transport and the bus runtime hosting it:
//   - Transport: Send and receive TransportMessages through a queueing backend
//   - UnitOfWork: Per-message transaction context with commit, completion, abort and dispose hooks
//   - Clock: Injectable source of the current time
//   - TaskFactory: Creates cancellable periodic background tasks
//   - MetricsCollector: Receives transport level metrics
//   - Processor: Receives one message at a time and finalizes it through a UnitOfWork
//
// Example usage:
//
//	uow := messaging.NewUnitOfWork()
//	defer uow.Dispose()
//
//	if err := transport.Send(ctx, uow, "orders", msg); err != nil {
//		return err
//	}
//
//	// Outgoing messages are submitted when the unit of work commits
//	return uow.Commit(ctx)
package messaging
