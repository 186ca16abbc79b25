package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/internal/sqs/sqstest"
	"github.com/glimte/mmate-sqs/messaging"
)

type leaseFixture struct {
	fake    *sqstest.Fake
	clock   *messaging.ManualClock
	tasks   *sqstest.ManualTasks
	sender  *Sender
	manager *LeaseManager
	url     string
}

func newLeaseFixture(t *testing.T, configure func(*LeaseOptions)) *leaseFixture {
	t.Helper()
	clock := messaging.NewManualClock(testEpoch)
	fake := sqstest.New(clock)
	f := &leaseFixture{
		fake:   fake,
		clock:  clock,
		tasks:  &sqstest.ManualTasks{},
		sender: NewSender(fake, NewQueueResolver(fake, nil), &SenderOptions{NativeDeferral: true, Clock: clock}),
		url:    createQueue(t, fake, "input"),
	}
	f.manager = f.newManager(configure)
	return f
}

func (f *leaseFixture) newManager(configure func(*LeaseOptions)) *LeaseManager {
	opts := &LeaseOptions{
		QueueURL:      f.url,
		LeaseDuration: 10 * time.Second,
		Clock:         f.clock,
		TaskFactory:   f.tasks,
	}
	if configure != nil {
		configure(opts)
	}
	return NewLeaseManager(f.fake, opts)
}

func (f *leaseFixture) send(t *testing.T, msgs ...*contracts.TransportMessage) {
	t.Helper()
	require.NoError(t, sendAll(t, f.sender, "input", msgs...))
}

func (f *leaseFixture) receive(t *testing.T) (*contracts.TransportMessage, *messaging.UnitOfWork) {
	t.Helper()
	uow := messaging.NewUnitOfWork()
	msg, err := f.manager.Receive(context.Background(), uow)
	require.NoError(t, err)
	return msg, uow
}

func TestLeaseManager_EmptyQueue(t *testing.T) {
	f := newLeaseFixture(t, nil)

	msg, uow := f.receive(t)
	assert.Nil(t, msg)
	assert.Empty(t, f.tasks.Tasks())
	require.NoError(t, uow.Commit(context.Background()))
	assert.Zero(t, f.fake.Calls("DeleteMessage"))
}

func TestLeaseManager_ReceiveRequest(t *testing.T) {
	client := &mockAPI{}
	var captured *sqs.ReceiveMessageInput
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(1).(*sqs.ReceiveMessageInput)
	}).Return(&sqs.ReceiveMessageOutput{}, nil)

	manager := NewLeaseManager(client, &LeaseOptions{
		QueueURL:      "https://example/input",
		LeaseDuration: time.Minute,
		WaitTime:      20 * time.Second,
	})
	msg, err := manager.Receive(context.Background(), messaging.NewUnitOfWork())
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.NotNil(t, captured)
	assert.Equal(t, "https://example/input", aws.ToString(captured.QueueUrl))
	assert.Equal(t, int32(1), captured.MaxNumberOfMessages)
	assert.Equal(t, int32(20), captured.WaitTimeSeconds)
	assert.Equal(t, int32(60), captured.VisibilityTimeout)
	assert.Equal(t, []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll}, captured.MessageSystemAttributeNames)
	assert.Equal(t, []string{"All"}, captured.MessageAttributeNames)
}

func TestLeaseManager_AckDeletes(t *testing.T) {
	f := newLeaseFixture(t, nil)
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)
	assert.Equal(t, "m1", msg.GetID())
	assert.Equal(t, []byte("body of m1"), msg.Body)

	task := f.tasks.Last()
	require.NotNil(t, task)
	assert.True(t, task.Running())
	assert.Equal(t, 8*time.Second, task.Interval)

	require.NoError(t, uow.Commit(context.Background()))
	uow.Dispose()

	assert.Zero(t, f.fake.Depth("input"))
	assert.True(t, task.Stopped())
	assert.Equal(t, 1, f.fake.Calls("DeleteMessage"))
	assert.Zero(t, f.fake.Calls("ChangeMessageVisibility"))
}

func TestLeaseManager_AckSurvivesCancelledContext(t *testing.T) {
	f := newLeaseFixture(t, nil)
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, uow.Commit(ctx))
	assert.Zero(t, f.fake.Depth("input"))
}

func TestLeaseManager_NackReleasesImmediately(t *testing.T) {
	f := newLeaseFixture(t, nil)
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)
	uow.Abort(context.Background())
	uow.Dispose()
	assert.True(t, f.tasks.Last().Stopped())

	again, uow2 := f.receive(t)
	require.NotNil(t, again)
	assert.Equal(t, "m1", again.GetID())
	require.NoError(t, uow2.Commit(context.Background()))
	assert.Zero(t, f.fake.Depth("input"))
}

func TestLeaseManager_NackWithFailureDelay(t *testing.T) {
	var counts []int
	f := newLeaseFixture(t, func(o *LeaseOptions) {
		o.FailureVisibilityTimeout = func(receiveCount int) time.Duration {
			counts = append(counts, receiveCount)
			return 30 * time.Second
		}
	})
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)
	uow.Dispose()

	hidden, _ := f.receive(t)
	assert.Nil(t, hidden)

	f.clock.Advance(29 * time.Second)
	hidden, _ = f.receive(t)
	assert.Nil(t, hidden)

	f.clock.Advance(2 * time.Second)
	visible, uow2 := f.receive(t)
	require.NotNil(t, visible)
	uow2.Dispose()

	assert.Equal(t, []int{1, 2}, counts)
}

func TestLeaseManager_RenewalKeepsMessageExclusive(t *testing.T) {
	f := newLeaseFixture(t, nil)
	other := f.newManager(nil)
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)
	renewal := f.tasks.Last()

	f.clock.Advance(8 * time.Second)
	require.NoError(t, renewal.Tick(context.Background()))

	// past the original lease but within the renewed one
	f.clock.Advance(5 * time.Second)
	stolen, err := other.Receive(context.Background(), messaging.NewUnitOfWork())
	require.NoError(t, err)
	assert.Nil(t, stolen)

	require.NoError(t, uow.Commit(context.Background()))
	assert.Zero(t, f.fake.Depth("input"))
	assert.False(t, renewal.Running())
}

func TestLeaseManager_ExpiredLeaseIsRedelivered(t *testing.T) {
	f := newLeaseFixture(t, nil)
	other := f.newManager(nil)
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)
	renewal := f.tasks.Last()

	f.clock.Advance(11 * time.Second)
	uow2 := messaging.NewUnitOfWork()
	redelivered, err := other.Receive(context.Background(), uow2)
	require.NoError(t, err)
	require.NotNil(t, redelivered)

	// the first lease is gone: renewal stops and acknowledging fails
	assert.ErrorIs(t, renewal.Tick(context.Background()), messaging.ErrStopTask)
	assert.True(t, renewal.Stopped())
	assert.Error(t, uow.Commit(context.Background()))

	require.NoError(t, uow2.Commit(context.Background()))
	assert.Zero(t, f.fake.Depth("input"))
}

func TestLeaseManager_RenewalFailureKeepsRenewing(t *testing.T) {
	metrics := &countingMetrics{}
	f := newLeaseFixture(t, func(o *LeaseOptions) { o.Metrics = metrics })
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)
	renewal := f.tasks.Last()

	f.fake.FailNext("ChangeMessageVisibility", errors.New("throttled"))
	assert.Error(t, renewal.Tick(context.Background()))
	assert.True(t, renewal.Running())

	assert.NoError(t, renewal.Tick(context.Background()))
	assert.Equal(t, 1, metrics.renewalFailures)
	assert.Equal(t, 1, metrics.renewals)

	require.NoError(t, uow.Commit(context.Background()))
}

func TestLeaseManager_ExpiredBySentTime(t *testing.T) {
	f := newLeaseFixture(t, nil)
	f.send(t, newMessage("m1",
		contracts.HeaderTimeToBeReceived, "10s",
		contracts.HeaderSentTime, contracts.FormatTime(testEpoch.Add(-11*time.Second))))

	msg, uow := f.receive(t)
	assert.Nil(t, msg)
	assert.Zero(t, f.fake.Depth("input"), "expired message is deleted")
	assert.False(t, f.tasks.Last().Running())

	// finalizing the unit of work afterwards does not touch the provider again
	uow.Dispose()
	assert.Equal(t, 1, f.fake.Calls("DeleteMessage"))
	assert.Zero(t, f.fake.Calls("ChangeMessageVisibility"))
}

func TestLeaseManager_ExpiredByProviderTimestamp(t *testing.T) {
	f := newLeaseFixture(t, nil)
	// no sent-time header; the provider's SentTimestamp is the clock at send
	f.send(t, newMessage("m1", contracts.HeaderTimeToBeReceived, "00:00:10"))

	f.clock.Advance(11 * time.Second)
	msg, _ := f.receive(t)
	assert.Nil(t, msg)
	assert.Zero(t, f.fake.Depth("input"))
}

func TestLeaseManager_NotYetExpired(t *testing.T) {
	metrics := &countingMetrics{}
	f := newLeaseFixture(t, func(o *LeaseOptions) { o.Metrics = metrics })
	f.send(t, newMessage("m1",
		contracts.HeaderTimeToBeReceived, "1m",
		contracts.HeaderSentTime, contracts.FormatTime(testEpoch)))

	f.clock.Advance(30 * time.Second)
	msg, uow := f.receive(t)
	require.NotNil(t, msg)
	require.NoError(t, uow.Commit(context.Background()))
	assert.Zero(t, metrics.expired)
}

func TestLeaseManager_PoisonedMessage(t *testing.T) {
	f := newLeaseFixture(t, nil)
	_, err := f.fake.SendMessageBatch(context.Background(), &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(f.url),
		Entries: []types.SendMessageBatchRequestEntry{
			{Id: aws.String("0"), MessageBody: aws.String("this is not an envelope")},
		},
	})
	require.NoError(t, err)

	uow := messaging.NewUnitOfWork()
	msg, err := f.manager.Receive(context.Background(), uow)
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrPoisonedMessage)
	assert.False(t, f.tasks.Last().Running())

	// the host aborts; the message becomes visible again
	uow.Dispose()
	assert.Equal(t, 1, f.fake.Calls("ChangeMessageVisibility"))
	again, err := f.manager.Receive(context.Background(), messaging.NewUnitOfWork())
	assert.Nil(t, again)
	assert.ErrorIs(t, err, ErrPoisonedMessage)
}

func TestLeaseManager_ReceiveError(t *testing.T) {
	f := newLeaseFixture(t, nil)
	f.fake.FailNext("ReceiveMessage", sqstest.ErrInjected)

	msg, err := f.manager.Receive(context.Background(), messaging.NewUnitOfWork())
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, sqstest.ErrInjected)
}

func TestLeaseManager_FinalizesOnce(t *testing.T) {
	f := newLeaseFixture(t, nil)
	f.send(t, newMessage("m1"))

	msg, uow := f.receive(t)
	require.NotNil(t, msg)

	require.NoError(t, uow.Commit(context.Background()))
	uow.Abort(context.Background())
	uow.Dispose()

	assert.Equal(t, 1, f.fake.Calls("DeleteMessage"))
	assert.Zero(t, f.fake.Calls("ChangeMessageVisibility"))
}

func TestClampVisibility(t *testing.T) {
	assert.Equal(t, int32(0), clampVisibility(-time.Second))
	assert.Equal(t, int32(0), clampVisibility(0))
	assert.Equal(t, int32(2), clampVisibility(1500*time.Millisecond))
	assert.Equal(t, int32(43200), clampVisibility(12*time.Hour))
	assert.Equal(t, int32(43200), clampVisibility(100*365*24*time.Hour))
}

// countingMetrics records the lease related calls
type countingMetrics struct {
	messaging.NoOpMetricsCollector
	renewals        int
	renewalFailures int
	expired         int
}

func (c *countingMetrics) RecordLeaseRenewal(queue string, success bool) {
	if success {
		c.renewals++
	} else {
		c.renewalFailures++
	}
}

func (c *countingMetrics) RecordExpired(queue string) {
	c.expired++
}
