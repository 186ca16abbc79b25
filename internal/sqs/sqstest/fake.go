package sqstest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"

	"github.com/glimte/mmate-sqs/messaging"
)

// BaseURL prefixes all fake queue URLs
const BaseURL = "https://sqs.us-east-1.amazonaws.com/000000000000/"

const deduplicationWindow = 5 * time.Minute

// RejectFunc decides whether a batch entry sent to queue is rejected
type RejectFunc func(queue string, entry types.SendMessageBatchRequestEntry) *types.BatchResultErrorEntry

type fakeMessage struct {
	id            string
	body          string
	sentAt        time.Time
	visibleAt     time.Time
	receiveCount  int
	receiptHandle string
	groupID       string
	dedupID       string
}

type fakeQueue struct {
	name       string
	url        string
	attributes map[string]string
	messages   []*fakeMessage
	dedup      map[string]time.Time
	batches    [][]types.SendMessageBatchRequestEntry
}

// Fake is an in-memory SQS
type Fake struct {
	mu       sync.Mutex
	clock    messaging.Clock
	queues   map[string]*fakeQueue // by name
	calls    map[string]int
	failures map[string][]error
	reject   RejectFunc
	closed   bool
}

// New creates an empty fake. A nil clock uses the system clock.
func New(clock messaging.Clock) *Fake {
	if clock == nil {
		clock = messaging.SystemClock{}
	}
	return &Fake{
		clock:    clock,
		queues:   make(map[string]*fakeQueue),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// QueueURL returns the URL a queue named name has or would have
func QueueURL(name string) string {
	return BaseURL + name
}

// FailNext makes the next call of op fail with err
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// RejectEntries installs a batch entry rejection rule
func (f *Fake) RejectEntries(fn RejectFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = fn
}

// Calls returns how many times op was called
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// SentBatches returns the entries of every SendMessageBatch call to queue
func (f *Fake) SentBatches(name string) [][]types.SendMessageBatchRequestEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		return nil
	}
	return append([][]types.SendMessageBatchRequestEntry(nil), q.batches...)
}

// QueueAttributes returns a copy of the attributes of queue name
func (f *Fake) QueueAttributes(name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		return nil
	}
	attrs := make(map[string]string, len(q.attributes))
	for k, v := range q.attributes {
		attrs[k] = v
	}
	return attrs
}

// Depth returns the number of messages not yet deleted from queue name
func (f *Fake) Depth(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Close marks the fake closed
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// begin records a call and returns an injected failure, if any. f.mu must be held.
func (f *Fake) begin(op string) error {
	f.calls[op]++
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *Fake) queueByURL(url string) (*fakeQueue, error) {
	name := url[strings.LastIndex(url, "/")+1:]
	q, ok := f.queues[name]
	if !ok || q.url != url {
		return nil, notFound()
	}
	return q, nil
}

func (f *Fake) CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateQueue"); err != nil {
		return nil, err
	}

	name := aws.ToString(params.QueueName)
	fifo := params.Attributes[string(types.QueueAttributeNameFifoQueue)] == "true"
	if fifo != strings.HasSuffix(name, ".fifo") {
		return nil, ResponseError(http.StatusBadRequest, &types.InvalidAttributeName{
			Message: aws.String("FIFO queue names must end with .fifo"),
		})
	}

	if q, ok := f.queues[name]; ok {
		for k, v := range params.Attributes {
			if q.attributes[k] != v {
				return nil, ResponseError(http.StatusBadRequest, &types.QueueNameExists{
					Message: aws.String("A queue already exists with the same name and a different value for attribute " + k),
				})
			}
		}
		return &sqs.CreateQueueOutput{QueueUrl: aws.String(q.url)}, nil
	}

	attrs := map[string]string{string(types.QueueAttributeNameVisibilityTimeout): "30"}
	for k, v := range params.Attributes {
		attrs[k] = v
	}
	q := &fakeQueue{
		name:       name,
		url:        QueueURL(name),
		attributes: attrs,
		dedup:      make(map[string]time.Time),
	}
	f.queues[name] = q
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(q.url)}, nil
}

func (f *Fake) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetQueueUrl"); err != nil {
		return nil, err
	}

	q, ok := f.queues[aws.ToString(params.QueueName)]
	if !ok {
		return nil, notFound()
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(q.url)}, nil
}

func (f *Fake) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetQueueAttributes"); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}

	now := f.clock.Now()
	var visible, inFlight, delayed int
	for _, m := range q.messages {
		switch {
		case !now.Before(m.visibleAt):
			visible++
		case m.receiveCount > 0:
			inFlight++
		default:
			delayed++
		}
	}

	all := make(map[string]string, len(q.attributes)+3)
	for k, v := range q.attributes {
		all[k] = v
	}
	all[string(types.QueueAttributeNameApproximateNumberOfMessages)] = strconv.Itoa(visible)
	all[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)] = strconv.Itoa(inFlight)
	all[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)] = strconv.Itoa(delayed)

	attrs := make(map[string]string)
	for _, name := range params.AttributeNames {
		if name == types.QueueAttributeNameAll {
			attrs = all
			break
		}
		if v, ok := all[string(name)]; ok {
			attrs[string(name)] = v
		}
	}
	return &sqs.GetQueueAttributesOutput{Attributes: attrs}, nil
}

func (f *Fake) SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetQueueAttributes"); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}
	for k, v := range params.Attributes {
		q.attributes[k] = v
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

func (f *Fake) DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteQueue"); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}
	delete(f.queues, q.name)
	return &sqs.DeleteQueueOutput{}, nil
}

func (f *Fake) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SendMessageBatch"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}
	if len(params.Entries) == 0 || len(params.Entries) > 10 {
		return nil, ResponseError(http.StatusBadRequest, &types.TooManyEntriesInBatchRequest{
			Message: aws.String(fmt.Sprintf("batch has %d entries", len(params.Entries))),
		})
	}

	ids := make(map[string]bool)
	for _, e := range params.Entries {
		id := aws.ToString(e.Id)
		if ids[id] {
			return nil, ResponseError(http.StatusBadRequest, &types.BatchEntryIdsNotDistinct{Message: aws.String(id)})
		}
		ids[id] = true
	}
	q.batches = append(q.batches, append([]types.SendMessageBatchRequestEntry(nil), params.Entries...))

	fifo := q.attributes[string(types.QueueAttributeNameFifoQueue)] == "true"
	now := f.clock.Now()
	out := &sqs.SendMessageBatchOutput{}

	for _, e := range params.Entries {
		if f.reject != nil {
			if failure := f.reject(q.name, e); failure != nil {
				failure.Id = e.Id
				out.Failed = append(out.Failed, *failure)
				continue
			}
		}
		if failure := validateEntry(e, fifo); failure != nil {
			out.Failed = append(out.Failed, *failure)
			continue
		}

		m := &fakeMessage{
			id:        uuid.New().String(),
			body:      aws.ToString(e.MessageBody),
			sentAt:    now,
			visibleAt: now.Add(time.Duration(e.DelaySeconds) * time.Second),
			groupID:   aws.ToString(e.MessageGroupId),
			dedupID:   aws.ToString(e.MessageDeduplicationId),
		}
		if fifo {
			if at, ok := q.dedup[m.dedupID]; ok && now.Sub(at) < deduplicationWindow {
				out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id, MessageId: aws.String(m.id)})
				continue
			}
			q.dedup[m.dedupID] = now
		}
		q.messages = append(q.messages, m)
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id, MessageId: aws.String(m.id)})
	}
	return out, nil
}

func validateEntry(e types.SendMessageBatchRequestEntry, fifo bool) *types.BatchResultErrorEntry {
	fail := func(msg string) *types.BatchResultErrorEntry {
		return &types.BatchResultErrorEntry{
			Id:          e.Id,
			Code:        aws.String("InvalidParameterValue"),
			Message:     aws.String(msg),
			SenderFault: true,
		}
	}
	switch {
	case fifo && aws.ToString(e.MessageGroupId) == "":
		return fail("The request must contain the parameter MessageGroupId.")
	case fifo && aws.ToString(e.MessageDeduplicationId) == "":
		return fail("The queue should either have ContentBasedDeduplication enabled or MessageDeduplicationId provided explicitly")
	case fifo && e.DelaySeconds != 0:
		return fail("Value for parameter DelaySeconds is invalid. Reason: The request include parameter that is not valid for this queue type.")
	case e.DelaySeconds < 0 || e.DelaySeconds > 900:
		return fail("Value for parameter DelaySeconds is invalid.")
	case len(aws.ToString(e.MessageBody)) > 256*1024:
		return fail("Message must be shorter than 262144 bytes.")
	}
	return nil
}

func (f *Fake) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ReceiveMessage"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}

	limit := int(params.MaxNumberOfMessages)
	if limit <= 0 {
		limit = 1
	}
	visibility := time.Duration(params.VisibilityTimeout) * time.Second
	if params.VisibilityTimeout == 0 {
		s, _ := strconv.Atoi(q.attributes[string(types.QueueAttributeNameVisibilityTimeout)])
		visibility = time.Duration(s) * time.Second
	}

	now := f.clock.Now()
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range q.messages {
		if len(out.Messages) == limit {
			break
		}
		if now.Before(m.visibleAt) {
			continue
		}

		m.receiveCount++
		m.receiptHandle = uuid.New().String()
		m.visibleAt = now.Add(visibility)

		attrs := map[string]string{
			string(types.MessageSystemAttributeNameSentTimestamp):           strconv.FormatInt(m.sentAt.UnixMilli(), 10),
			string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(m.receiveCount),
		}
		if m.groupID != "" {
			attrs[string(types.MessageSystemAttributeNameMessageGroupId)] = m.groupID
			attrs[string(types.MessageSystemAttributeNameMessageDeduplicationId)] = m.dedupID
		}
		out.Messages = append(out.Messages, types.Message{
			MessageId:     aws.String(m.id),
			ReceiptHandle: aws.String(m.receiptHandle),
			Body:          aws.String(m.body),
			Attributes:    attrs,
		})
	}
	return out, nil
}

func (f *Fake) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteMessage"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}
	if !q.remove(aws.ToString(params.ReceiptHandle)) {
		return nil, invalidReceipt()
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *Fake) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteMessageBatch"); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}

	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range params.Entries {
		if q.remove(aws.ToString(e.ReceiptHandle)) {
			out.Successful = append(out.Successful, types.DeleteMessageBatchResultEntry{Id: e.Id})
			continue
		}
		out.Failed = append(out.Failed, types.BatchResultErrorEntry{
			Id:          e.Id,
			Code:        aws.String("ReceiptHandleIsInvalid"),
			Message:     aws.String("The receipt handle provided is not valid."),
			SenderFault: true,
		})
	}
	return out, nil
}

func (f *Fake) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ChangeMessageVisibility"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := f.queueByURL(aws.ToString(params.QueueUrl))
	if err != nil {
		return nil, err
	}

	m := q.find(aws.ToString(params.ReceiptHandle))
	if m == nil {
		return nil, invalidReceipt()
	}
	now := f.clock.Now()
	if !now.Before(m.visibleAt) {
		return nil, ResponseError(http.StatusBadRequest, &types.MessageNotInflight{
			Message: aws.String("Message does not exist or is not available for visibility timeout change."),
		})
	}
	m.visibleAt = now.Add(time.Duration(params.VisibilityTimeout) * time.Second)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (q *fakeQueue) find(receiptHandle string) *fakeMessage {
	if receiptHandle == "" {
		return nil
	}
	for _, m := range q.messages {
		if m.receiptHandle == receiptHandle {
			return m
		}
	}
	return nil
}

func (q *fakeQueue) remove(receiptHandle string) bool {
	for i, m := range q.messages {
		if receiptHandle != "" && m.receiptHandle == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return true
		}
	}
	return false
}

// ResponseError wraps err the way the SDK reports a failed HTTP call
func ResponseError(status int, err error) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      err,
		},
		RequestID: uuid.New().String(),
	}
}

func notFound() error {
	return ResponseError(http.StatusBadRequest, &types.QueueDoesNotExist{
		Message: aws.String("The specified queue does not exist."),
	})
}

func invalidReceipt() error {
	return ResponseError(http.StatusBadRequest, &types.ReceiptHandleIsInvalid{
		Message: aws.String("The receipt handle provided is not valid."),
	})
}

// ErrInjected is a convenience error for FailNext
var ErrInjected = errors.New("sqstest: injected failure")
