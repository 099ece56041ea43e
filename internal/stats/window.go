package stats

import (
	"slices"
	"sync/atomic"
)

// ============================================================================
// Window - Lock-free circular buffer of recent latencies
// ============================================================================

// Window keeps the most recent samples for live percentiles. Unlike Latency
// it never rejects a sample and may be written from any goroutine.
type Window struct {
	samples []int64
	head    uint64
	size    uint64
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{
		samples: make([]int64, size),
		size:    uint64(size),
	}
}

func (w *Window) Add(latencyUs int64) {
	idx := atomic.AddUint64(&w.head, 1) % w.size
	atomic.StoreInt64(&w.samples[idx], latencyUs)
}

// Len is the number of samples currently held.
func (w *Window) Len() int {
	return int(min(atomic.LoadUint64(&w.head), w.size))
}

// Percentiles returns nearest-rank p50/p90/p99/p99.99 of the window.
func (w *Window) Percentiles() (p50, p90, p99, p9999 int64) {
	head := atomic.LoadUint64(&w.head)
	if head == 0 {
		return 0, 0, 0, 0
	}

	count := min(head, w.size)
	data := make([]int64, count)
	for i := uint64(0); i < count; i++ {
		idx := (head - count + 1 + i) % w.size
		data[i] = atomic.LoadInt64(&w.samples[idx])
	}
	slices.Sort(data)

	n := len(data)
	p50 = data[n*50/100]
	p90 = data[n*90/100]
	p99 = data[n*99/100]
	p9999 = data[min(n*9999/10000, n-1)]
	return
}
