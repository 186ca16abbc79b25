// Package contracts provides the transport-level message types shared by the mmate SQS transport.
//
// This package defines the contracts for messages that flow through a transport:
//   - TransportMessage: Header map plus opaque body bytes
//   - Header names: Well-known header keys the transport interprets
//   - WireEnvelope: The JSON document stored as an SQS message body
//
// Headers are plain strings so the wire format stays compatible with the .NET implementation
// of the bus for cross-platform messaging.
package contracts
