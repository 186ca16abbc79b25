// Package sqs provides Amazon SQS integration for the mmate messaging framework.
//
// This package includes:
//   - Codec: Encodes messages as a JSON envelope with a base64 body
//   - QueueResolver: Resolves queue names to URLs with a process-wide cache
//   - Sender: Buffers outgoing messages per unit of work and submits them in batches
//   - LeaseManager: Receives messages under a visibility lease that is renewed in the background
//   - QueueManager: Creates, purges, inspects and deletes queues
//
// SQS has no acknowledgment protocol. A received message stays invisible for the
// lease duration; deleting it acknowledges it and resetting its visibility
// timeout releases it for redelivery. The implementation provides:
//   - Delete on unit of work completion, release on abort, each exactly once
//   - Lease renewal until the message is finalized
//   - Native delayed delivery for deferred messages up to 15 minutes
//   - FIFO group and deduplication ids for .fifo queues
package sqs
