package sqs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/internal/sqs/sqstest"
	"github.com/glimte/mmate-sqs/messaging"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func createQueue(t *testing.T, fake *sqstest.Fake, name string) string {
	t.Helper()
	attrs := map[string]string{}
	if IsFIFO(name) {
		attrs[string(types.QueueAttributeNameFifoQueue)] = "true"
	}
	out, err := fake.CreateQueue(context.Background(), &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	require.NoError(t, err)
	return aws.ToString(out.QueueUrl)
}

func newMessage(id string, headers ...string) *contracts.TransportMessage {
	h := map[string]string{contracts.HeaderMessageID: id}
	for i := 0; i+1 < len(headers); i += 2 {
		h[headers[i]] = headers[i+1]
	}
	return &contracts.TransportMessage{Headers: h, Body: []byte("body of " + id)}
}

// sendAll sends msgs to destination in one committed unit of work
func sendAll(t *testing.T, sender *Sender, destination string, msgs ...*contracts.TransportMessage) error {
	t.Helper()
	uow := messaging.NewUnitOfWork()
	defer uow.Dispose()
	for _, msg := range msgs {
		require.NoError(t, sender.Enqueue(uow, destination, msg))
	}
	return uow.Commit(context.Background())
}

// drain receives and deletes every visible message of queueURL
func drain(t *testing.T, fake *sqstest.Fake, queueURL string) []*contracts.TransportMessage {
	t.Helper()
	var result []*contracts.TransportMessage
	for {
		out, err := fake.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			VisibilityTimeout:   30,
		})
		require.NoError(t, err)
		if len(out.Messages) == 0 {
			return result
		}
		for _, m := range out.Messages {
			msg, err := DecodeMessage(aws.ToString(m.Body))
			require.NoError(t, err)
			result = append(result, msg)
			_, err = fake.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(queueURL),
				ReceiptHandle: m.ReceiptHandle,
			})
			require.NoError(t, err)
		}
	}
}

func ids(msgs []*contracts.TransportMessage) []string {
	result := make([]string, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, m.GetID())
	}
	return result
}

func numbered(prefix string, n int) []*contracts.TransportMessage {
	msgs := make([]*contracts.TransportMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, newMessage(fmt.Sprintf("%s-%02d", prefix, i)))
	}
	return msgs
}
