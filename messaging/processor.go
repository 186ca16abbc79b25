package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-sqs/contracts"
)

// HandlerFunc handles one received message. Messages sent through uow are
// submitted only if the handler succeeds.
type HandlerFunc func(ctx context.Context, uow *UnitOfWork, msg *contracts.TransportMessage) error

// Processor receives messages from a transport one at a time and finalizes
// each through its own unit of work: commit on success, abort on failure
type Processor struct {
	transport Transport
	handler   HandlerFunc
	logger    *slog.Logger
	idleDelay time.Duration
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithIdleDelay sets how long Run pauses after an empty receive
func WithIdleDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.idleDelay = d
	}
}

// NewProcessor creates a processor for transport
func NewProcessor(transport Transport, handler HandlerFunc, opts ...ProcessorOption) *Processor {
	p := &Processor{
		transport: transport,
		handler:   handler,
		logger:    slog.Default(),
		idleDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ProcessNext receives and handles at most one message.
// It reports whether a message was received.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	uow := NewUnitOfWork()
	defer uow.Dispose()

	msg, err := p.transport.Receive(ctx, uow)
	if err != nil {
		return false, fmt.Errorf("failed to receive message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	if err := p.handler(ctx, uow, msg); err != nil {
		uow.Abort(ctx)
		return true, fmt.Errorf("handler failed for message %s: %w", msg.GetID(), err)
	}

	if err := uow.Commit(ctx); err != nil {
		return true, fmt.Errorf("failed to complete message %s: %w", msg.GetID(), err)
	}

	return true, nil
}

// Run processes messages until ctx is cancelled
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("processor started", "queue", p.transport.Address())
	defer p.logger.Info("processor stopped", "queue", p.transport.Address())

	for ctx.Err() == nil {
		received, err := p.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("message processing failed", "queue", p.transport.Address(), "error", err)
		}
		if received || p.idleDelay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.idleDelay):
		}
	}

	return nil
}
