// Package health provides health checks for services using the SQS transport.
//
// A Registry runs its checkers concurrently and combines their results; the
// worst status wins. The HTTP handlers in this package expose the registry.
package health
