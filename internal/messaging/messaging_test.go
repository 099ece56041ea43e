package messaging

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llnhnv/perftest-bench/internal/message"
)

func TestPingRendezvousSingleSlot(t *testing.T) {
	r := NewPingRendezvous()
	assert.True(t, r.NotifyPingResponse())
	assert.False(t, r.NotifyPingResponse(), "second signal must not queue")

	assert.True(t, r.WaitForPingResponse(context.Background(), 0))
	assert.False(t, r.WaitForPingResponse(context.Background(), 10*time.Millisecond))
}

func TestPingRendezvousWaitUnblocks(t *testing.T) {
	r := NewPingRendezvous()
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.NotifyPingResponse()
	}()
	assert.True(t, r.WaitForPingResponse(context.Background(), 0))
}

func TestPingRendezvousDiscardLatePong(t *testing.T) {
	r := NewPingRendezvous()
	assert.False(t, r.WaitForPingResponse(context.Background(), 5*time.Millisecond))

	// the pong of the timed out ping shows up late
	assert.True(t, r.NotifyPingResponse())
	r.DiscardPingResponse()
	assert.False(t, r.WaitForPingResponse(context.Background(), 5*time.Millisecond))

	r.DiscardPingResponse()
	assert.True(t, r.NotifyPingResponse())
	assert.True(t, r.WaitForPingResponse(context.Background(), 0))
}

func TestPingRendezvousCancel(t *testing.T) {
	r := NewPingRendezvous()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, r.WaitForPingResponse(ctx, 0))
}

func TestPeerSetTTL(t *testing.T) {
	s := NewPeerSet(time.Second)
	clock := time.Unix(100, 0)
	s.now = func() time.Time { return clock }

	s.Touch("a")
	s.Touch("b")
	assert.Equal(t, 2, s.Count())

	clock = clock.Add(600 * time.Millisecond)
	s.Touch("b")
	clock = clock.Add(600 * time.Millisecond)
	assert.Equal(t, 1, s.Count())

	s.Remove("b")
	assert.Zero(t, s.Count())
}

func TestWaitUntil(t *testing.T) {
	var n atomic.Int32
	err := WaitUntil(context.Background(), time.Millisecond, func() bool {
		return n.Add(1) >= 3
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = WaitUntil(ctx, time.Millisecond, func() bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type chanReader struct {
	ch     chan *message.Message
	closed chan struct{}
}

func (r *chanReader) WaitForWriters(context.Context, int) error { return nil }

func (r *chanReader) ReceiveMessage(ctx context.Context) (*message.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-r.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *chanReader) Shutdown() error {
	close(r.closed)
	return nil
}

func TestReadTaskDelivers(t *testing.T) {
	r := &chanReader{ch: make(chan *message.Message, 4), closed: make(chan struct{})}
	got := make(chan int32, 4)
	task := StartReadTask(context.Background(), "test", r, CallbackFunc(func(m *message.Message) {
		got <- m.EntityID
	}))

	r.ch <- message.New(1, 0)
	r.ch <- message.New(2, 0)
	assert.Equal(t, int32(1), <-got)
	assert.Equal(t, int32(2), <-got)

	task.Stop()
	select {
	case <-task.Done():
	default:
		t.Fatal("task still running after Stop")
	}
}
