package sqs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// QueueResolver turns queue addresses into queue URLs and caches the result.
// Concurrent first lookups of the same address may both call the provider;
// the cache keeps whichever URL was stored first.
type QueueResolver struct {
	client API
	logger *slog.Logger
	urls   sync.Map // lower-cased address -> url
}

// NewQueueResolver creates a resolver
func NewQueueResolver(client API, logger *slog.Logger) *QueueResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueResolver{client: client, logger: logger}
}

// Resolve returns the URL of the queue at address. Absolute URLs are returned unchanged.
func (r *QueueResolver) Resolve(ctx context.Context, address string) (string, error) {
	if IsQueueURL(address) {
		return address, nil
	}

	key := strings.ToLower(address)
	if cached, ok := r.urls.Load(key); ok {
		return cached.(string), nil
	}

	out, err := r.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(address)})
	if err != nil {
		return "", &QueueLookupError{
			Address:    address,
			StatusCode: StatusCode(err),
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	url := aws.ToString(out.QueueUrl)
	if url == "" {
		return "", &QueueLookupError{
			Address:   address,
			Err:       errors.New("GetQueueUrl returned no queue url"),
			Timestamp: time.Now(),
		}
	}

	actual, loaded := r.urls.LoadOrStore(key, url)
	if !loaded {
		r.logger.Debug("resolved queue url", "queue", address, "url", actual)
	}
	return actual.(string), nil
}

// Store records url for address, e.g. after creating the queue
func (r *QueueResolver) Store(address, url string) {
	if IsQueueURL(address) || url == "" {
		return
	}
	r.urls.Store(strings.ToLower(address), url)
}

// Invalidate forgets the cached URL of address
func (r *QueueResolver) Invalidate(address string) {
	r.urls.Delete(strings.ToLower(address))
}
