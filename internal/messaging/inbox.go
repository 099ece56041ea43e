package messaging

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/llnhnv/perftest-bench/internal/message"
)

// Inbox decouples a transport's receive goroutine from the consumer. Encoded
// samples are queued and either dispatched to a Callback on a dedicated
// goroutine or pulled with Receive.
type Inbox struct {
	queue      chan []byte
	bestEffort bool
	dropped    atomic.Uint64

	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewInbox starts the dispatch goroutine when cb is not nil. A best effort
// inbox drops samples when full instead of blocking the transport.
func NewInbox(depth int, bestEffort bool, cb Callback) *Inbox {
	if depth <= 0 {
		depth = 1
	}
	in := &Inbox{
		queue:      make(chan []byte, depth),
		bestEffort: bestEffort,
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cb != nil {
		go in.dispatch(cb)
	} else {
		close(in.done)
	}
	return in
}

// Deliver queues buf. It reports false if the sample was dropped.
func (in *Inbox) Deliver(buf []byte) bool {
	if in.bestEffort {
		select {
		case in.queue <- buf:
			return true
		case <-in.closed:
			return false
		default:
			in.dropped.Add(1)
			return false
		}
	}
	select {
	case in.queue <- buf:
		return true
	case <-in.closed:
		return false
	}
}

// Dropped counts samples refused because the queue was full.
func (in *Inbox) Dropped() uint64 { return in.dropped.Load() }

func (in *Inbox) dispatch(cb Callback) {
	defer close(in.done)
	for {
		select {
		case <-in.closed:
			return
		case buf := <-in.queue:
			msg, err := message.Unmarshal(buf)
			if err != nil {
				logger.WithError(err).Warn("Dropping malformed sample")
				continue
			}
			cb.OnMessage(msg)
		}
	}
}

// Receive blocks for the next well-formed sample.
func (in *Inbox) Receive(ctx context.Context) (*message.Message, error) {
	for {
		select {
		case <-in.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case buf := <-in.queue:
			msg, err := message.Unmarshal(buf)
			if err != nil {
				logger.WithError(err).Warn("Dropping malformed sample")
				continue
			}
			return msg, nil
		}
	}
}

// Close stops delivery and waits for the dispatch goroutine. Samples still
// queued are discarded.
func (in *Inbox) Close() {
	in.closeOnce.Do(func() { close(in.closed) })
	<-in.done
}
