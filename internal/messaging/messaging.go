// Package messaging is the contract between the perftest protocol and the
// transport that carries it.
package messaging

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/message"
)

var logger = log.WithFields(log.Fields{"pkg": "messaging"})

// Topic partitions perftest traffic. Announcements never share a topic with
// data.
type Topic string

const (
	ThroughputTopic   Topic = "Throughput"
	LatencyTopic      Topic = "Latency"
	AnnouncementTopic Topic = "Announcement"
)

// Topics lists every topic a perftest run uses.
var Topics = []Topic{ThroughputTopic, LatencyTopic, AnnouncementTopic}

// ErrClosed is returned by endpoints used after Close or Shutdown.
var ErrClosed = errors.New("messaging: endpoint closed")

// Callback receives samples in push mode. It runs on a transport goroutine.
type Callback interface {
	OnMessage(msg *message.Message)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(msg *message.Message)

func (f CallbackFunc) OnMessage(msg *message.Message) { f(msg) }

// Writer publishes on one topic.
type Writer interface {
	Send(msg *message.Message) error
	Flush() error
	// WaitForReaders blocks until n readers are matched or ctx ends.
	WaitForReaders(ctx context.Context, n int) error
	// WaitForPingResponse blocks until a pong is signaled. timeout <= 0 waits
	// forever. It reports false on timeout or cancellation.
	WaitForPingResponse(ctx context.Context, timeout time.Duration) bool
	// NotifyPingResponse signals one pong. It reports false if a previous
	// signal was never consumed.
	NotifyPingResponse() bool
	// DiscardPingResponse drops a signal nobody waited for.
	DiscardPingResponse()
	Close() error
}

// Reader subscribes to one topic. Readers created with a Callback deliver
// through it; readers created without one are drained with ReceiveMessage.
type Reader interface {
	WaitForWriters(ctx context.Context, n int) error
	// ReceiveMessage blocks for the next sample. It returns ErrClosed after
	// Shutdown.
	ReceiveMessage(ctx context.Context) (*message.Message, error)
	Shutdown() error
}

// Messaging creates endpoints on a transport.
type Messaging interface {
	CreateWriter(topic Topic) (Writer, error)
	// CreateReader with a nil cb creates a pull-mode reader.
	CreateReader(topic Topic, cb Callback) (Reader, error)
	// InitialBurstSize is how many warm-up samples the transport wants.
	InitialBurstSize() int
	Close() error
}

// WaitUntil polls cond every period until it holds or ctx ends. Discovery has
// no internal deadline; callers bound it with ctx.
func WaitUntil(ctx context.Context, period time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}
