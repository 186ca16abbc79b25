package sqs

import (
	"context"
)

// Purge deletes every message currently visible in the input queue and
// returns how many were removed. A missing queue counts as empty.
func (t *Transport) Purge(ctx context.Context) (int, error) {
	if t.address == "" {
		return 0, ErrOneWayClient
	}
	if t.isClosed() {
		return 0, ErrTransportClosed
	}
	return t.queues.Purge(ctx, t.address)
}

// DeleteQueue deletes the input queue. The transport must be initialized
// again before it can receive.
func (t *Transport) DeleteQueue(ctx context.Context) error {
	if t.address == "" {
		return ErrOneWayClient
	}
	if t.isClosed() {
		return ErrTransportClosed
	}
	if err := t.queues.DeleteQueue(ctx, t.address); err != nil {
		return err
	}

	t.mu.Lock()
	t.queueURL = ""
	t.leases = nil
	t.mu.Unlock()
	return nil
}

// Stats returns the approximate message counts of the input queue
func (t *Transport) Stats(ctx context.Context) (QueueStats, error) {
	if t.address == "" {
		return QueueStats{}, ErrOneWayClient
	}
	return t.queues.Stats(ctx, t.address)
}
