package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llnhnv/perftest-bench/internal/message"
)

func encoded(seq uint64) []byte {
	m := message.New(0, 8)
	m.SeqNum = seq
	return message.Marshal(m)
}

func TestInboxPull(t *testing.T) {
	in := NewInbox(4, false, nil)
	require.True(t, in.Deliver([]byte{1, 2, 3}))
	require.True(t, in.Deliver(encoded(7)))

	// malformed samples are skipped
	msg, err := in.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), msg.SeqNum)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = in.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	in.Close()
	_, err = in.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	assert.False(t, in.Deliver(encoded(8)))
}

func TestInboxBestEffortDrops(t *testing.T) {
	in := NewInbox(1, true, nil)
	defer in.Close()

	assert.True(t, in.Deliver(encoded(0)))
	assert.False(t, in.Deliver(encoded(1)))
	assert.Equal(t, uint64(1), in.Dropped())
}

func TestInboxDispatch(t *testing.T) {
	got := make(chan uint64, 3)
	in := NewInbox(8, false, CallbackFunc(func(m *message.Message) { got <- m.SeqNum }))
	for i := uint64(0); i < 3; i++ {
		in.Deliver(encoded(i))
	}
	for i := uint64(0); i < 3; i++ {
		select {
		case seq := <-got:
			assert.Equal(t, i, seq)
		case <-time.After(time.Second):
			t.Fatal("sample not dispatched")
		}
	}
	in.Close()
	in.Close()
}

func TestPresence(t *testing.T) {
	p := Presence{Endpoint: "host-1-w0", Topic: ThroughputTopic, Role: RoleWriter, Alive: true}
	b, err := p.Marshal()
	require.NoError(t, err)

	got, err := ParsePresence(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, RoleReader, got.Role.Peer())
	assert.Equal(t, RoleWriter, RoleReader.Peer())

	_, err = ParsePresence([]byte(`{"alive":true}`))
	assert.Error(t, err)
	_, err = ParsePresence([]byte(`not json`))
	assert.Error(t, err)

	peers := NewPeerSet(0)
	peers.Apply(got)
	assert.Equal(t, 1, peers.Count())
	got.Alive = false
	peers.Apply(got)
	assert.Zero(t, peers.Count())
}
