// Package inproc is a Messaging implementation over Go channels. Publisher
// and subscriber share one Bus inside a single process.
package inproc

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
)

var logger = log.WithFields(log.Fields{"pkg": "inproc"})

const pollPeriod = 5 * time.Millisecond

// DropFunc decides whether a sample is lost in transit. Used to simulate
// best-effort delivery.
type DropFunc func(topic messaging.Topic, msg *message.Message) bool

type Options struct {
	QueueDepth int  // per reader
	BurstSize  int  // reported as InitialBurstSize
	BestEffort bool // drop instead of blocking when a reader queue is full
	Drop       DropFunc
}

// Bus routes samples between connections.
type Bus struct {
	opts Options

	mu     sync.Mutex
	topics map[messaging.Topic]*topicState
}

type topicState struct {
	readers map[*reader]struct{}
	writers int
}

func NewBus(opts Options) *Bus {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 4096
	}
	if opts.BurstSize <= 0 {
		opts.BurstSize = 1
	}
	return &Bus{
		opts:   opts,
		topics: make(map[messaging.Topic]*topicState),
	}
}

func (b *Bus) topic(name messaging.Topic) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{readers: make(map[*reader]struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Bus) readerCount(name messaging.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topic(name).readers)
}

func (b *Bus) writerCount(name messaging.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topic(name).writers
}

func (b *Bus) snapshot(name messaging.Topic) []*reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(name)
	out := make([]*reader, 0, len(t.readers))
	for r := range t.readers {
		out = append(out, r)
	}
	return out
}

// Connect opens a connection playing the role of one perftest process.
func (b *Bus) Connect() *Conn {
	return &Conn{bus: b}
}

// ============================================================================
// Conn
// ============================================================================

// Conn implements messaging.Messaging on a Bus.
type Conn struct {
	bus *Bus

	mu      sync.Mutex
	writers []*writer
	readers []*reader
	closed  bool
}

func (c *Conn) CreateWriter(topic messaging.Topic) (messaging.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, messaging.ErrClosed
	}

	c.bus.mu.Lock()
	c.bus.topic(topic).writers++
	c.bus.mu.Unlock()

	w := &writer{
		PingRendezvous: messaging.NewPingRendezvous(),
		bus:            c.bus,
		topic:          topic,
	}
	c.writers = append(c.writers, w)
	logger.WithField("topic", topic).Debug("Writer created")
	return w, nil
}

func (c *Conn) CreateReader(topic messaging.Topic, cb messaging.Callback) (messaging.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, messaging.ErrClosed
	}

	r := &reader{
		bus:   c.bus,
		topic: topic,
		inbox: messaging.NewInbox(c.bus.opts.QueueDepth, c.bus.opts.BestEffort, cb),
	}

	c.bus.mu.Lock()
	c.bus.topic(topic).readers[r] = struct{}{}
	c.bus.mu.Unlock()

	c.readers = append(c.readers, r)
	logger.WithFields(log.Fields{"topic": topic, "callback": cb != nil}).Debug("Reader created")
	return r, nil
}

func (c *Conn) InitialBurstSize() int {
	return c.bus.opts.BurstSize
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	for _, w := range c.writers {
		w.Close()
	}
	for _, r := range c.readers {
		r.Shutdown()
	}
	return nil
}

// ============================================================================
// Writer
// ============================================================================

type writer struct {
	*messaging.PingRendezvous
	bus   *Bus
	topic messaging.Topic

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (w *writer) Send(msg *message.Message) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return messaging.ErrClosed
	}

	if drop := w.bus.opts.Drop; drop != nil && drop(w.topic, msg) {
		return nil
	}

	buf := message.Marshal(msg)
	for _, r := range w.bus.snapshot(w.topic) {
		r.inbox.Deliver(buf)
	}
	return nil
}

func (w *writer) Flush() error { return nil }

func (w *writer) WaitForReaders(ctx context.Context, n int) error {
	return messaging.WaitUntil(ctx, pollPeriod, func() bool {
		return w.bus.readerCount(w.topic) >= n
	})
}

func (w *writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		w.bus.mu.Lock()
		w.bus.topic(w.topic).writers--
		w.bus.mu.Unlock()
	})
	return nil
}

// ============================================================================
// Reader
// ============================================================================

type reader struct {
	bus   *Bus
	topic messaging.Topic
	// Readers share the encoded buffer, so payloads must not be modified.
	inbox *messaging.Inbox

	closeOnce sync.Once
}

func (r *reader) WaitForWriters(ctx context.Context, n int) error {
	return messaging.WaitUntil(ctx, pollPeriod, func() bool {
		return r.bus.writerCount(r.topic) >= n
	})
}

func (r *reader) ReceiveMessage(ctx context.Context) (*message.Message, error) {
	return r.inbox.Receive(ctx)
}

func (r *reader) Shutdown() error {
	r.closeOnce.Do(func() {
		r.bus.mu.Lock()
		delete(r.bus.topic(r.topic).readers, r)
		r.bus.mu.Unlock()
	})
	r.inbox.Close()
	return nil
}
