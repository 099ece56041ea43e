// Package announce tracks which subscribers have announced themselves to a
// publisher.
package announce

import (
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/metrics"
	"github.com/llnhnv/perftest-bench/internal/messaging"
)

var logger = log.WithFields(log.Fields{"pkg": "announce"})

// Listener keeps the list of subscribers that completed discovery. A
// subscriber joins with INITIALIZE (or LENGTH_CHANGED) and leaves with
// FINISHED.
type Listener struct {
	mu          sync.Mutex
	subscribers []int32
}

func NewListener() *Listener {
	return &Listener{}
}

func (l *Listener) OnMessage(msg *message.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch msg.Kind {
	case message.Initialize, message.LengthChanged:
		if slices.Contains(l.subscribers, msg.EntityID) {
			return
		}
		l.subscribers = append(l.subscribers, msg.EntityID)
		logger.Debugf("Subscriber %d announced", msg.EntityID)
	case message.Finished:
		i := slices.Index(l.subscribers, msg.EntityID)
		if i < 0 {
			return
		}
		l.subscribers = slices.Delete(l.subscribers, i, i+1)
		logger.Debugf("Subscriber %d finished", msg.EntityID)
	default:
		return
	}
	metrics.SetPeers(string(messaging.AnnouncementTopic), len(l.subscribers))
}

// Clear forgets every subscriber. A publisher clears the list before asking
// subscribers to acknowledge a new phase.
func (l *Listener) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = l.subscribers[:0]
}

// Count is the number of subscribers currently announced.
func (l *Listener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subscribers)
}

// Subscribers returns a copy of the announced ids in arrival order.
func (l *Listener) Subscribers() []int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.subscribers)
}

// Restore adds back ids that are not announced. A publisher restores the list
// it cleared when a phase change is abandoned, so the end of the test still
// reaches every subscriber.
func (l *Listener) Restore(ids []int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if !slices.Contains(l.subscribers, id) {
			l.subscribers = append(l.subscribers, id)
		}
	}
	metrics.SetPeers(string(messaging.AnnouncementTopic), len(l.subscribers))
}
