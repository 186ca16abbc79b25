// Package sqs provides an Amazon SQS transport for mmate.
//
// The transport sends and receives contracts.TransportMessage values inside a
// messaging.UnitOfWork:
//   - Send buffers messages and submits them in batches per destination when
//     the unit of work commits
//   - Receive leases one message, keeps its visibility extended while it is
//     handled, deletes it when the unit of work completes and releases it
//     when the unit of work aborts
//   - Deferred messages use SQS delivery delays of up to 15 minutes
//   - FIFO queues (.fifo) get message group and deduplication ids
//
// A transport created with an empty address is one-way and can only send.
//
// Usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	client := awssqs.NewFromConfig(cfg)
//
//	transport, err := sqs.NewTransport("orders",
//		sqs.WithClient(client),
//		sqs.WithLeaseDuration(time.Minute),
//	)
//	if err != nil {
//		return err
//	}
//	if err := transport.Initialize(ctx); err != nil {
//		return err
//	}
package sqs
