package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/messaging"
)

// ErrMessageFiltered is returned when a filter rejects a message under SkipAndRelease
var ErrMessageFiltered = errors.New("message filtered")

// MessageFilter decides whether a message should be processed
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg *contracts.TransportMessage) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.TransportMessage) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.TransportMessage) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens to a message that was filtered out
type SkipBehavior int

const (
	// SkipAndAcknowledge completes the message so it is deleted from the queue
	SkipAndAcknowledge SkipBehavior = iota
	// SkipAndRelease fails the message so it becomes visible again
	SkipAndRelease
)

// FilteringInterceptor keeps messages away from the handler
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if shouldProcess {
		return next(ctx, uow, msg)
	}

	i.logger.Debug("message skipped by filter", "messageId", msg.GetID())
	if i.skipBehavior == SkipAndRelease {
		return fmt.Errorf("%w: id=%s", ErrMessageFiltered, msg.GetID())
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter passes a message only if every filter passes it
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new AND filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.TransportMessage) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter passes a message if any filter passes it
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.TransportMessage) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HeaderFilter passes messages whose header has one of the allowed values
type HeaderFilter struct {
	header  string
	allowed map[string]bool
}

// NewHeaderFilter creates a filter on header. With no values, any message
// carrying the header passes.
func NewHeaderFilter(header string, values ...string) *HeaderFilter {
	allowed := make(map[string]bool, len(values))
	for _, v := range values {
		allowed[v] = true
	}
	return &HeaderFilter{header: header, allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(_ context.Context, msg *contracts.TransportMessage) (bool, error) {
	value, ok := msg.Header(f.header)
	if !ok {
		return false, nil
	}
	return len(f.allowed) == 0 || f.allowed[value], nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, uow, msg, next)
	}

	return next(ctx, uow, msg)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
