package messaging

import (
	"context"
	"errors"
	"sync"
)

// ReadTask drains a pull-mode Reader on its own goroutine and hands every
// sample to a Callback, so engines see the same calls in both delivery modes.
type ReadTask struct {
	name   string
	reader Reader
	cb     Callback

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartReadTask launches the receive loop.
func StartReadTask(ctx context.Context, name string, r Reader, cb Callback) *ReadTask {
	ctx, cancel := context.WithCancel(ctx)
	t := &ReadTask{
		name:   name,
		reader: r,
		cb:     cb,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

func (t *ReadTask) run(ctx context.Context) {
	defer close(t.done)
	l := logger.WithField("task", t.name)
	l.Debug("Read task started")

	for {
		msg, err := t.reader.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				l.Debug("Read task stopped")
				return
			}
			l.WithError(err).Warn("Receive failed")
			continue
		}
		if msg == nil {
			continue
		}
		t.cb.OnMessage(msg)
	}
}

// Stop unblocks the reader and waits for the loop to exit.
func (t *ReadTask) Stop() {
	t.once.Do(func() {
		t.cancel()
		if err := t.reader.Shutdown(); err != nil && !errors.Is(err, ErrClosed) {
			logger.WithField("task", t.name).WithError(err).Warn("Reader shutdown failed")
		}
	})
	<-t.done
}

// Done is closed once the loop has exited.
func (t *ReadTask) Done() <-chan struct{} {
	return t.done
}
