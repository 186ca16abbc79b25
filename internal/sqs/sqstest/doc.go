// Package sqstest provides an in-memory SQS implementation for tests.
//
// Fake implements the client interface used by the transport with the
// visibility semantics that matter to it: receipt handles, visibility
// timeouts, delayed delivery, FIFO deduplication and batch entry failures.
// Long polling is not simulated; receives return immediately.
package sqstest
