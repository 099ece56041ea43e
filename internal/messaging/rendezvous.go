package messaging

import (
	"context"
	"time"
)

// PingRendezvous pairs one outstanding ping with its pong. The slot holds at
// most one signal. Writers embed it to satisfy the ping half of Writer.
type PingRendezvous struct {
	slot chan struct{}
}

func NewPingRendezvous() *PingRendezvous {
	return &PingRendezvous{slot: make(chan struct{}, 1)}
}

func (r *PingRendezvous) NotifyPingResponse() bool {
	select {
	case r.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// DiscardPingResponse empties the slot. A pong that arrives after its wait
// timed out must not release the wait of the next ping.
func (r *PingRendezvous) DiscardPingResponse() {
	select {
	case <-r.slot:
	default:
	}
}

func (r *PingRendezvous) WaitForPingResponse(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-r.slot:
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.slot:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
