// Package seqtrack detects lost samples per publisher from sequence numbers.
package seqtrack

// Tracker keeps the last sequence number seen for each publisher entity.
//
// A sequence number lower than expected is taken as a publisher restart:
// the baseline moves back and no loss is counted. This under-counts genuine
// reordering, which is accepted.
//
// Tracker is not safe for concurrent use; each engine owns one.
type Tracker struct {
	last map[int32]uint64
}

func New() *Tracker {
	return &Tracker{last: make(map[int32]uint64)}
}

// Observe records seq for entity and returns how many samples were skipped
// since the previous observation.
func (t *Tracker) Observe(entity int32, seq uint64) uint64 {
	last, ok := t.last[entity]
	t.last[entity] = seq
	if !ok {
		return 0
	}

	expected := last + 1
	if seq > expected {
		return seq - expected
	}
	return 0
}

// Trailing reports samples missing between the last observation and seq,
// where seq is the final sequence number a publisher announced. Nothing is
// recorded.
func (t *Tracker) Trailing(entity int32, seq uint64) uint64 {
	last, ok := t.last[entity]
	if !ok || seq <= last {
		return 0
	}
	return seq - last
}

// Last returns the last sequence number seen for entity.
func (t *Tracker) Last(entity int32) (uint64, bool) {
	v, ok := t.last[entity]
	return v, ok
}

// Reset forgets entity so its next observation becomes a new baseline.
func (t *Tracker) Reset(entity int32) {
	delete(t.last, entity)
}

// ResetAll forgets every entity. Used on phase boundaries.
func (t *Tracker) ResetAll() {
	clear(t.last)
}
