// Package latency is the publisher-side ping-pong engine. It turns pongs
// echoed by subscribers into one-way latency statistics.
package latency

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
	"github.com/llnhnv/perftest-bench/internal/metrics"
	"github.com/llnhnv/perftest-bench/internal/printer"
	"github.com/llnhnv/perftest-bench/internal/stats"
)

var logger = log.WithFields(log.Fields{"pkg": "latency"})

// State of the engine within a run.
type State int

const (
	AwaitingFirstPong State = iota
	AccumulatingPongs
	PhaseSummaryEmitted
	Finished
)

func (s State) String() string {
	switch s {
	case AwaitingFirstPong:
		return "awaiting_first_pong"
	case AccumulatingPongs:
		return "accumulating_pongs"
	case PhaseSummaryEmitted:
		return "phase_summary_emitted"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Reporter receives the engine output. *printer.Printer satisfies it.
type Reporter interface {
	LatencyHeader(length int)
	LatencyInterval(iv stats.LatencyInterval)
	LatencySummary(s stats.LatencySummary)
}

type Config struct {
	// NumLatency pre-sizes the history. More pongs than this are dropped.
	NumLatency int
	// LatencyTest releases the paired writer after every pong.
	LatencyTest    bool
	PrintIntervals bool
	// SampleFile receives raw latencies of every phase when set.
	SampleFile string
	Clock      message.Clock
}

// ExpectedPongs sizes the history for a run: one pong every latencyCount
// batches, plus one for a partial batch run and one for batching.
func ExpectedPongs(numIter, samplesPerBatch, latencyCount uint64) int {
	if samplesPerBatch == 0 {
		samplesPerBatch = 1
	}
	if latencyCount == 0 {
		latencyCount = 1
	}
	batches := numIter / samplesPerBatch
	n := batches / latencyCount
	if batches%latencyCount > 0 {
		n++
	}
	if samplesPerBatch > 1 {
		n++
	}
	return int(n)
}

// Engine handles messages from the latency topic. OnMessage is driven by one
// goroutine; Finish may race with a late pong, so state sits behind a mutex.
type Engine struct {
	cfg    Config
	writer messaging.Writer
	rep    Reporter

	mu             sync.Mutex
	acc            *stats.Latency
	lastDataLength int
	state          State
	pongs          uint64

	// Pongs echo the ping's sequence number, which only grows during a run.
	// A repeat comes from a second echoer or a redelivery.
	answered   bool
	lastPing   uint64
	duplicates uint64
}

// New creates an engine. writer is the throughput writer whose ping wait is
// released after each pong; it may be nil.
func New(cfg Config, writer messaging.Writer, rep Reporter) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = message.NowMicros
	}
	return &Engine{
		cfg:            cfg,
		writer:         writer,
		rep:            rep,
		acc:            stats.NewLatency(cfg.NumLatency),
		lastDataLength: -1,
	}
}

func (e *Engine) OnMessage(msg *message.Message) {
	now := e.cfg.Clock()

	if !e.handle(msg, now) {
		return
	}
	if e.cfg.LatencyTest && e.writer != nil {
		e.writer.NotifyPingResponse()
	}
}

// handle reports whether msg was a pong.
func (e *Engine) handle(msg *message.Message, now uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch msg.Kind {
	case message.Initialize:
		return false
	case message.Finished:
		e.finishLocked()
		return false
	case message.LengthChanged:
		if e.state != Finished {
			e.closePhaseLocked(false)
		}
		return false
	}

	if e.state == Finished {
		return false
	}
	if e.answered && msg.SeqNum <= e.lastPing {
		e.duplicates++
		logger.Debugf("Ignoring repeated pong for ping %d", msg.SeqNum)
		return false
	}
	e.answered, e.lastPing = true, msg.SeqNum
	e.pongs++

	lat, res := e.acc.RecordRoundTrip(msg.SentTime(), now)
	switch res {
	case stats.ClockSkew:
		metrics.ClockSkew()
		logger.Warnf("Clock skew suspected: received time %d usec, sent time %d usec", now, msg.SentTime())
		return true
	case stats.Overflow:
		metrics.PongOverflow()
		logger.Error("Too many latency pongs received. Do you have more than 1 app with publisher id 0 or subscriber id 0?")
		return true
	}
	metrics.PongReceived(lat)

	// The first pong of a phase only opens it.
	if msg.Size != e.lastDataLength {
		e.lastDataLength = msg.Size
		e.rep.LatencyHeader(msg.Size + message.OverheadBytes)
		metrics.SetDataLength(msg.Size + message.OverheadBytes)
		e.acc.Reset()
		e.state = AccumulatingPongs
		return true
	}

	e.state = AccumulatingPongs
	if e.cfg.PrintIntervals {
		e.rep.LatencyInterval(stats.LatencyInterval{
			Latency: lat,
			Ave:     e.acc.Ave(),
			Std:     e.acc.Std(),
			Min:     e.acc.Min(),
			Max:     e.acc.Max(),
		})
	}
	return true
}

// Finish emits the final summary once. Later calls and later FINISHED
// messages are ignored.
func (e *Engine) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLocked()
}

func (e *Engine) finishLocked() {
	if e.state == Finished {
		return
	}
	e.closePhaseLocked(true)
	e.state = Finished
}

func (e *Engine) closePhaseLocked(endTest bool) {
	if e.acc.Count() == 0 {
		if endTest {
			logger.Warn("No Pong samples have been received in the Publisher side. " +
				"If you are interested in latency results, you might need to increase the Pong frequency " +
				"(latency count), the number of samples sent or the test duration. " +
				"If you are sending large data, make sure you set the data size in the Subscriber side.")
		}
		return
	}

	if skew := e.acc.ClockSkew(); skew != 0 {
		logger.Warnf("The following latency result may not be accurate because clock skew happens %d times", skew)
	}

	if e.cfg.SampleFile != "" {
		logger.Infof("Saving latency information in %q", e.cfg.SampleFile)
		if err := printer.WriteLatencySamples(e.cfg.SampleFile, e.acc.Raw()); err != nil {
			logger.WithError(err).Error("Could not save latency samples")
		}
	}

	s, _ := e.acc.Summary(e.lastDataLength + message.OverheadBytes)
	e.rep.LatencySummary(s)
	e.acc.Reset()
	e.state = PhaseSummaryEmitted
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Count is the number of latencies in the current phase.
func (e *Engine) Count() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.Count()
}

// Pongs is every data pong seen for a new ping, accepted or not.
func (e *Engine) Pongs() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pongs
}

// Duplicates counts pongs for pings that were already answered.
func (e *Engine) Duplicates() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duplicates
}

func (e *Engine) Overflows() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.Overflows()
}

var _ Reporter = (*printer.Printer)(nil)
