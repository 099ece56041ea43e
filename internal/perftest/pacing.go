package perftest

import (
	"time"

	"github.com/llnhnv/perftest-bench/internal/message"
)

// spinSink keeps the spin loop from being optimized away.
var spinSink uint64

func spin(n uint64) {
	var acc uint64
	for i := uint64(0); i < n; i++ {
		acc += i
	}
	spinSink = acc
}

// spinPerMicrosecond measures how many spin iterations take one microsecond.
// It returns 0 when the clock is too coarse to tell.
func spinPerMicrosecond() uint64 {
	const iterations = 10_000_000
	start := time.Now()
	spin(iterations)
	elapsed := time.Since(start).Microseconds()
	if elapsed <= 0 {
		return 0
	}
	return uint64(iterations / elapsed)
}

const sleepStep = time.Microsecond

// pacer delays the send loop. With a target rate it runs a proportional
// controller that nudges the spin count or sleep time every samplePeriod
// iterations.
type pacer struct {
	clock message.Clock

	spinCount uint64
	sleep     time.Duration

	rate         uint64
	method       RateMethod
	spinPerUsec  uint64
	samplePeriod uint64
	lastCheck    uint64
}

func newPacer(p *Params, clock message.Clock) (*pacer, error) {
	pc := &pacer{
		clock:        clock,
		spinCount:    p.Spin,
		sleep:        p.Sleep,
		rate:         p.PubRate,
		method:       p.PubRateMethod,
		samplePeriod: 1,
	}
	if pc.rate == 0 {
		return pc, nil
	}

	if pc.method == RateSpin {
		pc.spinPerUsec = spinPerMicrosecond()
		if pc.spinPerUsec == 0 {
			return nil, errSpinCalibration
		}
		pc.spinCount = 1000000 * pc.spinPerUsec / pc.rate
	} else {
		pc.sleep = time.Second / time.Duration(pc.rate)
	}

	// 100 control steps per second, or one per sample below 100 samples/s.
	if pc.rate > 100 {
		pc.samplePeriod = pc.rate / 100
	}
	return pc, nil
}

// start arms the controller's first measurement window.
func (pc *pacer) start() {
	pc.lastCheck = pc.clock()
}

// adjust runs one controller step when loop closes a sample period.
func (pc *pacer) adjust(loop uint64) {
	if pc.rate == 0 || loop == 0 || loop%pc.samplePeriod != 0 {
		return
	}
	now := pc.clock()
	delta := now - pc.lastCheck
	pc.lastCheck = now
	if delta == 0 {
		return
	}
	rate := pc.samplePeriod * 1000000 / delta

	if pc.method == RateSpin {
		switch {
		case rate > pc.rate:
			pc.spinCount += pc.spinPerUsec
		case rate < pc.rate && pc.spinCount > pc.spinPerUsec:
			pc.spinCount -= pc.spinPerUsec
		case rate < pc.rate:
			pc.spinCount = 0
		}
		return
	}
	switch {
	case rate > pc.rate:
		pc.sleep += sleepStep
	case rate < pc.rate && pc.sleep > sleepStep:
		pc.sleep -= sleepStep
	case rate < pc.rate:
		pc.sleep = 0
	}
}

func (pc *pacer) wait() {
	if pc.spinCount > 0 {
		spin(pc.spinCount)
	}
	if pc.sleep > 0 {
		time.Sleep(pc.sleep)
	}
}
