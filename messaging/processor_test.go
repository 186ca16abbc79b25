package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport hands out queued messages and records how each was finalized
type stubTransport struct {
	mu       sync.Mutex
	queue    []*contracts.TransportMessage
	acked    []string
	nacked   []string
	sent     []string
	failRecv error
}

func (s *stubTransport) Address() string { return "input" }

func (s *stubTransport) CreateQueue(ctx context.Context, address string) error { return nil }

func (s *stubTransport) Send(ctx context.Context, uow *UnitOfWork, destination string, msg *contracts.TransportMessage) error {
	uow.OnCommitted(func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sent = append(s.sent, destination)
		return nil
	})
	return nil
}

func (s *stubTransport) Receive(ctx context.Context, uow *UnitOfWork) (*contracts.TransportMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failRecv != nil {
		return nil, s.failRecv
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]

	uow.OnCompleted(func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.acked = append(s.acked, msg.GetID())
		return nil
	})
	uow.OnAborted(func(ctx context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nacked = append(s.nacked, msg.GetID())
	})
	return msg, nil
}

func (s *stubTransport) Close() error { return nil }

func TestProcessor_ProcessNext(t *testing.T) {
	ctx := context.Background()

	t.Run("acks and flushes on success", func(t *testing.T) {
		transport := &stubTransport{queue: []*contracts.TransportMessage{
			contracts.NewTransportMessage(map[string]string{contracts.HeaderMessageID: "m1"}, nil),
		}}
		p := NewProcessor(transport, func(ctx context.Context, uow *UnitOfWork, msg *contracts.TransportMessage) error {
			return transport.Send(ctx, uow, "replies", msg)
		})

		received, err := p.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, received)
		assert.Equal(t, []string{"m1"}, transport.acked)
		assert.Equal(t, []string{"replies"}, transport.sent)
		assert.Empty(t, transport.nacked)
	})

	t.Run("nacks and drops sends on handler failure", func(t *testing.T) {
		transport := &stubTransport{queue: []*contracts.TransportMessage{
			contracts.NewTransportMessage(map[string]string{contracts.HeaderMessageID: "m2"}, nil),
		}}
		boom := errors.New("boom")
		p := NewProcessor(transport, func(ctx context.Context, uow *UnitOfWork, msg *contracts.TransportMessage) error {
			_ = transport.Send(ctx, uow, "replies", msg)
			return boom
		})

		received, err := p.ProcessNext(ctx)
		assert.True(t, received)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"m2"}, transport.nacked)
		assert.Empty(t, transport.acked)
		assert.Empty(t, transport.sent)
	})

	t.Run("empty queue", func(t *testing.T) {
		p := NewProcessor(&stubTransport{}, nil)

		received, err := p.ProcessNext(ctx)
		assert.NoError(t, err)
		assert.False(t, received)
	})

	t.Run("receive error", func(t *testing.T) {
		boom := errors.New("unavailable")
		p := NewProcessor(&stubTransport{failRecv: boom}, nil)

		_, err := p.ProcessNext(ctx)
		assert.ErrorIs(t, err, boom)
	})
}

func TestProcessor_Run(t *testing.T) {
	transport := &stubTransport{}
	for _, id := range []string{"a", "b", "c"} {
		transport.queue = append(transport.queue,
			contracts.NewTransportMessage(map[string]string{contracts.HeaderMessageID: id}, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := NewProcessor(transport, func(ctx context.Context, uow *UnitOfWork, msg *contracts.TransportMessage) error {
		return nil
	}, WithIdleDelay(time.Millisecond))

	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.acked) == 3
	}, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"a", "b", "c"}, transport.acked)
}
