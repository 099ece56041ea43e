package message

import "time"

// Clock returns the current time in microseconds.
type Clock func() uint64

// NowMicros is the wall clock used for timestamps. Publisher and subscriber
// may run on different hosts, so a process-local monotonic clock would not do.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
