package mmatesqs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-sqs/config"
	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/health"
	"github.com/glimte/mmate-sqs/interceptors"
	"github.com/glimte/mmate-sqs/internal/reliability"
	"github.com/glimte/mmate-sqs/internal/sqs/sqstest"
	"github.com/glimte/mmate-sqs/messaging"
	"github.com/glimte/mmate-sqs/schema"
	"github.com/glimte/mmate-sqs/serialization"
	sqsTransport "github.com/glimte/mmate-sqs/transports/sqs"
)

func TestNewClient(t *testing.T) {
	ctx := context.Background()
	fake := sqstest.New(nil)

	client, err := NewClient(ctx, "orders", WithSQSClient(fake), WithPrometheusMetrics(""))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, sqstest.QueueURL("orders"), client.Transport().QueueURL())
	assert.Same(t, fake, client.SQS())
	assert.NotNil(t, client.Metrics())

	require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("hello"))))

	var handled atomic.Int32
	processor := client.Processor(func(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage) error {
		assert.Equal(t, []byte("hello"), msg.Body)
		handled.Add(1)
		return nil
	})

	processed, err := processor.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, 0, fake.Depth("orders"))
}

func TestNewClient_OneWay(t *testing.T) {
	ctx := context.Background()
	fake := sqstest.New(nil)

	receiver, err := NewClient(ctx, "orders", WithSQSClient(fake))
	require.NoError(t, err)
	sender, err := NewClient(ctx, "", WithSQSClient(fake))
	require.NoError(t, err)

	require.NoError(t, sender.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("one way"))))

	_, err = sender.Transport().Receive(ctx, messaging.NewUnitOfWork())
	assert.ErrorIs(t, err, sqsTransport.ErrOneWayClient)

	health := receiver.Health().Check(ctx)
	assert.Contains(t, health.Checks, "queue_orders")
	assert.NotContains(t, sender.Health().Check(ctx).Checks, "queue_")
}

func TestNewClient_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, "orders/eu", WithSQSClient(sqstest.New(nil)))
	assert.ErrorIs(t, err, sqsTransport.ErrInvalidAddress)

	fake := sqstest.New(nil)
	fake.FailNext("CreateQueue", errors.New("access denied"))
	_, err = NewClient(ctx, "orders", WithSQSClient(fake))
	assert.Error(t, err)
	assert.True(t, fake.Closed())

	_, err = NewClient(ctx, "orders",
		WithSQSClient(sqstest.New(nil)),
		WithTransportOptions(sqsTransport.WithMessageBatchSize(20)),
	)
	assert.ErrorIs(t, err, sqsTransport.ErrInvalidConfiguration)
}

func TestNewClient_AWSConfig(t *testing.T) {
	ctx := context.Background()

	client, err := NewClient(ctx, "",
		WithRegion("eu-west-1"),
		WithStaticCredentials("AKIDEXAMPLE", "secret", ""),
		WithEndpoint("http://localhost:4566"),
	)
	require.NoError(t, err)

	sqsClient, ok := client.SQS().(*awssqs.Client)
	require.True(t, ok)

	options := sqsClient.Options()
	assert.Equal(t, "eu-west-1", options.Region)
	require.NotNil(t, options.BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *options.BaseEndpoint)

	creds, err := options.Credentials.Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
}

func TestNewClientFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Parse([]byte(`
inputQueue: orders
logLevel: warn
transport:
  leaseDuration: 1m
metrics:
  enabled: true
health:
  backlogThreshold: 1
validation:
  schemas:
    OrderPlaced:
      required: [orderId]
`))
	require.NoError(t, err)

	fake := sqstest.New(nil)
	client, err := NewClientFromConfig(ctx, cfg, WithSQSClient(fake))
	require.NoError(t, err)

	assert.Equal(t, "60", fake.QueueAttributes("orders")["VisibilityTimeout"])
	require.NotNil(t, client.Metrics())
	assert.Contains(t, client.Interceptors(), "ValidationInterceptor")

	for i := 0; i < 2; i++ {
		require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("x"))))
	}
	assert.Equal(t, health.StatusDegraded, client.Health().Check(ctx).Status)
}

func TestClient_HTTPHandler(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, "orders", WithSQSClient(sqstest.New(nil)), WithPrometheusMetrics("svc"))
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("x"))))

	server := httptest.NewServer(client.HTTPHandler())
	defer server.Close()
	httpClient := &http.Client{Timeout: 5 * time.Second}

	for path, code := range map[string]int{
		"/health":  http.StatusOK,
		"/ready":   http.StatusOK,
		"/live":    http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		resp, err := httpClient.Get(server.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, code, resp.StatusCode, path)
	}

	require.NoError(t, client.Transport().DeleteQueue(ctx))
	resp, err := httpClient.Get(server.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func rejectFirstEntry(fake *sqstest.Fake, senderFault bool) {
	rejected := false
	fake.RejectEntries(func(string, types.SendMessageBatchRequestEntry) *types.BatchResultErrorEntry {
		if rejected {
			return nil
		}
		rejected = true
		return &types.BatchResultErrorEntry{
			Code:        aws.String("InternalError"),
			Message:     aws.String("try again"),
			SenderFault: senderFault,
		}
	})
}

func numberedMessages(n int) []*contracts.TransportMessage {
	msgs := make([]*contracts.TransportMessage, n)
	for i := range msgs {
		msgs[i] = contracts.NewTransportMessage(nil, []byte("batch"))
	}
	return msgs
}

func TestClient_SendRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("call failure is retried", func(t *testing.T) {
		fake := sqstest.New(nil)
		client, err := NewClient(ctx, "orders", WithSQSClient(fake), WithSendRetry(2, time.Millisecond, 5*time.Millisecond))
		require.NoError(t, err)

		fake.FailNext("SendMessageBatch", errors.New("connection reset"))
		require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("x"))))

		assert.Equal(t, 2, fake.Calls("SendMessageBatch"))
		assert.Equal(t, 1, fake.Depth("orders"))
	})

	t.Run("only rejected entries are resent", func(t *testing.T) {
		fake := sqstest.New(nil)
		client, err := NewClient(ctx, "orders", WithSQSClient(fake), WithSendRetry(2, time.Millisecond, 5*time.Millisecond))
		require.NoError(t, err)

		rejectFirstEntry(fake, false)
		require.NoError(t, client.SendBatch(ctx, "orders", numberedMessages(12)...))

		assert.Equal(t, 3, fake.Calls("SendMessageBatch"))
		assert.Equal(t, 12, fake.Depth("orders"))
	})

	t.Run("sender faults are not retried", func(t *testing.T) {
		fake := sqstest.New(nil)
		client, err := NewClient(ctx, "orders", WithSQSClient(fake), WithSendRetry(2, time.Millisecond, 5*time.Millisecond))
		require.NoError(t, err)

		rejectFirstEntry(fake, true)
		err = client.SendBatch(ctx, "orders", numberedMessages(3)...)

		var batchErr *sqsTransport.BatchError
		require.ErrorAs(t, err, &batchErr)
		assert.True(t, batchErr.Failures[0].SenderFault)
		assert.Equal(t, 1, fake.Calls("SendMessageBatch"))
		assert.Equal(t, 2, fake.Depth("orders"))
	})

	t.Run("no retries by default", func(t *testing.T) {
		fake := sqstest.New(nil)
		client, err := NewClient(ctx, "orders", WithSQSClient(fake))
		require.NoError(t, err)

		boom := errors.New("connection reset")
		fake.FailNext("SendMessageBatch", boom)
		err = client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("x")))

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, fake.Calls("SendMessageBatch"))
		assert.Zero(t, fake.Depth("orders"))
	})

	t.Run("gives up after the retry limit", func(t *testing.T) {
		fake := sqstest.New(nil)
		client, err := NewClient(ctx, "orders", WithSQSClient(fake), WithSendRetry(1, time.Millisecond, time.Millisecond))
		require.NoError(t, err)

		fake.FailNext("SendMessageBatch", errors.New("connection reset"))
		fake.FailNext("SendMessageBatch", errors.New("connection reset"))
		err = client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("x")))

		var retryErr *reliability.RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 2, retryErr.Attempts)
		assert.Equal(t, 2, fake.Calls("SendMessageBatch"))
	})
}

func TestClient_HandlerChain(t *testing.T) {
	ctx := context.Background()
	fake := sqstest.New(nil)

	var seen []string
	audit := interceptors.NewInterceptorFunc("audit", func(ctx context.Context, uow *messaging.UnitOfWork, msg *contracts.TransportMessage, next messaging.HandlerFunc) error {
		seen = append(seen, string(msg.Body))
		return next(ctx, uow, msg)
	})

	client, err := NewClient(ctx, "orders",
		WithSQSClient(fake),
		WithPrometheusMetrics(""),
		WithInterceptors(audit),
		WithCircuitBreaker(1, time.Hour),
		WithHandlerRetry(2, time.Millisecond, time.Millisecond),
		WithHandlerTimeout(time.Minute),
	)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, []string{
		"RecoveryInterceptor",
		"LoggingInterceptor",
		"MetricsInterceptor",
		"audit",
		"CircuitBreakerInterceptor",
		"RetryInterceptor",
		"TimeoutInterceptor",
	}, client.Interceptors())

	// a flaky handler succeeds within one delivery
	require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("flaky"))))
	attempts := 0
	processed, err := client.Processor(func(context.Context, *messaging.UnitOfWork, *contracts.TransportMessage) error {
		attempts++
		if attempts < 3 {
			return errors.New("database busy")
		}
		return nil
	}).ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"flaky"}, seen)
	assert.Zero(t, fake.Depth("orders"))

	// a handler that keeps failing opens the circuit
	require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("broken"))))
	calls := 0
	processor := client.Processor(func(context.Context, *messaging.UnitOfWork, *contracts.TransportMessage) error {
		calls++
		return errors.New("downstream unavailable")
	})

	_, err = processor.ProcessNext(ctx)
	var retryErr *reliability.RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, calls)

	_, err = processor.ProcessNext(ctx)
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.Equal(t, 3, calls, "open circuit keeps the handler from running")
	assert.Equal(t, 1, fake.Depth("orders"), "rejected message is released")

	report := client.Health().Check(ctx)
	require.Contains(t, report.Checks, "handler_circuit")
	assert.Equal(t, health.StatusDegraded, report.Checks["handler_circuit"].Status)
}

func TestClient_MessageValidation(t *testing.T) {
	ctx := context.Background()
	fake := sqstest.New(nil)

	validator := schema.NewMessageValidator()
	require.NoError(t, validator.RegisterSchema("OrderPlaced", &schema.Schema{
		Required:   []string{"orderId"},
		Properties: map[string]*schema.PropertyDef{"orderId": {Type: "string"}},
	}))

	client, err := NewClient(ctx, "orders",
		WithSQSClient(fake),
		WithMessageValidator(validator),
		WithCircuitBreaker(1, time.Hour),
		WithHandlerRetry(2, time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, []string{
		"RecoveryInterceptor",
		"LoggingInterceptor",
		"ValidationInterceptor",
		"CircuitBreakerInterceptor",
		"RetryInterceptor",
	}, client.Interceptors())

	headers := map[string]string{contracts.HeaderMessageType: "OrderPlaced"}
	require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(headers, []byte(`{"customer": "acme"}`))))

	calls := 0
	processor := client.Processor(func(context.Context, *messaging.UnitOfWork, *contracts.TransportMessage) error {
		calls++
		return nil
	})

	_, err = processor.ProcessNext(ctx)
	var failure *schema.ValidationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "orderId:REQUIRED_FIELD_MISSING", failure.Errors[0].Field+":"+failure.Errors[0].Code)
	assert.Zero(t, calls)

	report := client.Health().Check(ctx)
	assert.Equal(t, health.StatusHealthy, report.Checks["handler_circuit"].Status, "invalid bodies do not trip the breaker")
}

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

func TestClient_TypedMessages(t *testing.T) {
	ctx := context.Background()
	fake := sqstest.New(nil)

	serializer := serialization.NewJSONSerializer()
	require.NoError(t, serializer.Registry().RegisterType(orderPlaced{}))
	validator := schema.NewMessageValidator()
	require.NoError(t, validator.RegisterSchema("orderPlaced", schema.MustGenerate("orderPlaced", "1", orderPlaced{})))

	client, err := NewClient(ctx, "orders",
		WithSQSClient(fake),
		WithSerializer(serializer),
		WithMessageValidator(validator),
	)
	require.NoError(t, err)
	defer client.Close()
	assert.Same(t, serializer, client.Serializer())

	require.NoError(t, client.SendValue(ctx, "orders", orderPlaced{OrderID: "o-1", Total: 40}, map[string]string{
		contracts.HeaderCorrelationID: "corr-1",
	}))
	assert.ErrorIs(t, client.SendValue(ctx, "orders", struct{}{}, nil), serialization.ErrTypeNotRegistered)

	var got *orderPlaced
	var correlationID string
	processed, err := client.Processor(serialization.TypedHandler(serializer,
		func(_ context.Context, _ *messaging.UnitOfWork, msg *contracts.TransportMessage, body *orderPlaced) error {
			got = body
			correlationID = msg.GetCorrelationID()
			return nil
		})).ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, &orderPlaced{OrderID: "o-1", Total: 40}, got)
	assert.Equal(t, "corr-1", correlationID)
	assert.Zero(t, fake.Depth("orders"))
}

func TestClient_HandlerPanic(t *testing.T) {
	ctx := context.Background()
	fake := sqstest.New(nil)
	client, err := NewClient(ctx, "orders", WithSQSClient(fake))
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, "orders", contracts.NewTransportMessage(nil, []byte("x"))))
	_, err = client.Processor(func(context.Context, *messaging.UnitOfWork, *contracts.TransportMessage) error {
		panic("unexpected payload")
	}).ProcessNext(ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected payload")
	assert.Equal(t, 1, fake.Depth("orders"), "message is released")
	assert.NotContains(t, client.Health().Check(ctx).Checks, "handler_circuit")
}
