package messaging

import (
	"sync"
	"time"
)

// PeerSet counts the remote endpoints matched on a topic. With a non-zero
// ttl a peer that stops refreshing is forgotten.
type PeerSet struct {
	mu    sync.Mutex
	peers map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

func NewPeerSet(ttl time.Duration) *PeerSet {
	return &PeerSet{
		peers: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Touch adds id or refreshes it.
func (s *PeerSet) Touch(id string) {
	s.mu.Lock()
	s.peers[id] = s.now()
	s.mu.Unlock()
}

func (s *PeerSet) Remove(id string) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
}

// Count returns the live peers.
func (s *PeerSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl > 0 {
		cutoff := s.now().Add(-s.ttl)
		for id, seen := range s.peers {
			if seen.Before(cutoff) {
				delete(s.peers, id)
			}
		}
	}
	return len(s.peers)
}
