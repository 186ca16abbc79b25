package messaging

import (
	"time"
)

// MetricsCollector collects transport metrics
type MetricsCollector interface {
	// RecordSend records a batch submission to a queue
	RecordSend(queue string, messages int, duration time.Duration, success bool)

	// RecordReceive records a receive call and whether it returned a message
	RecordReceive(queue string, received bool, duration time.Duration)

	// RecordAck records the deletion of a handled message
	RecordAck(queue string, success bool)

	// RecordNack records the release of a failed message
	RecordNack(queue string, success bool)

	// RecordLeaseRenewal records a visibility extension
	RecordLeaseRenewal(queue string, success bool)

	// RecordExpired records a message dropped because it outlived its time to be received
	RecordExpired(queue string)

	// RecordError records an error metric
	RecordError(component string, errorType string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSend does nothing
func (n *NoOpMetricsCollector) RecordSend(queue string, messages int, duration time.Duration, success bool) {
}

// RecordReceive does nothing
func (n *NoOpMetricsCollector) RecordReceive(queue string, received bool, duration time.Duration) {}

// RecordAck does nothing
func (n *NoOpMetricsCollector) RecordAck(queue string, success bool) {}

// RecordNack does nothing
func (n *NoOpMetricsCollector) RecordNack(queue string, success bool) {}

// RecordLeaseRenewal does nothing
func (n *NoOpMetricsCollector) RecordLeaseRenewal(queue string, success bool) {}

// RecordExpired does nothing
func (n *NoOpMetricsCollector) RecordExpired(queue string) {}

// RecordError does nothing
func (n *NoOpMetricsCollector) RecordError(component string, errorType string) {}
