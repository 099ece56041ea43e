// Package throughput is the subscriber-side stream engine. It counts samples
// and losses per phase, echoes pings and detects the end of the test.
package throughput

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
	"github.com/llnhnv/perftest-bench/internal/metrics"
	"github.com/llnhnv/perftest-bench/internal/printer"
	"github.com/llnhnv/perftest-bench/internal/seqtrack"
	"github.com/llnhnv/perftest-bench/internal/stats"
)

var logger = log.WithFields(log.Fields{"pkg": "throughput"})

// Reporter receives the engine output. *printer.Printer satisfies it.
type Reporter interface {
	ThroughputHeader(length int)
	ThroughputSummary(s stats.ThroughputSummary)
}

type Config struct {
	NumPublishers int
	SubscriberID  int32
	// UseCFT echoes every ping regardless of its target and disables loss
	// tracking, since a content filter hides part of each publisher's stream.
	UseCFT bool
	Clock  message.Clock
}

// Engine handles messages from the throughput topic.
//
// OnMessage must be driven by one goroutine at a time, either a transport
// callback or a messaging.ReadTask. The counters it exposes are atomics so the
// subscriber loop can sample them concurrently.
type Engine struct {
	cfg    Config
	writer messaging.Writer
	rep    Reporter

	tracker *seqtrack.Tracker
	acc     *stats.Throughput

	lastDataLength     atomic.Int64
	intervalDataLength int64
	finished           map[int32]struct{}

	endTest       atomic.Bool
	lengthChanged atomic.Bool
	done          chan struct{}
}

// New creates an engine. writer is the latency writer used to echo pings and
// INITIALIZE samples.
func New(cfg Config, writer messaging.Writer, rep Reporter) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = message.NowMicros
	}
	if cfg.NumPublishers < 1 {
		cfg.NumPublishers = 1
	}
	e := &Engine{
		cfg:                cfg,
		writer:             writer,
		rep:                rep,
		tracker:            seqtrack.New(),
		acc:                stats.NewThroughput(),
		intervalDataLength: -1,
		finished:           make(map[int32]struct{}),
		done:               make(chan struct{}),
	}
	e.lastDataLength.Store(-1)
	return e
}

func (e *Engine) OnMessage(msg *message.Message) {
	if msg.EntityID < 0 || int(msg.EntityID) >= e.cfg.NumPublishers {
		logger.Errorf("Message entity id %d out of bounds [0, %d)", msg.EntityID, e.cfg.NumPublishers)
		return
	}

	switch msg.Kind {
	case message.Initialize:
		e.echo(msg)
		return

	case message.Finished:
		if _, seen := e.finished[msg.EntityID]; seen || e.endTest.Load() {
			return
		}
		e.finished[msg.EntityID] = struct{}{}
		logger.Debugf("Publisher %d finished (%d/%d)", msg.EntityID, len(e.finished), e.cfg.NumPublishers)
		if len(e.finished) >= e.cfg.NumPublishers {
			e.closePhase(msg, true)
			e.endTest.Store(true)
			close(e.done)
		}
		return

	case message.LengthChanged:
		if e.addressed(msg) {
			e.echo(msg)
		}
		e.closePhase(msg, false)
		e.lengthChanged.Store(true)
		return
	}

	if e.addressed(msg) {
		e.echo(msg)
		metrics.PongEchoed()
	}

	if int64(msg.Size) != e.lastDataLength.Load() {
		e.acc.Reset(e.cfg.Clock())
		e.tracker.ResetAll()
		e.rep.ThroughputHeader(msg.Size + message.OverheadBytes)
		metrics.SetDataLength(msg.Size + message.OverheadBytes)
		e.lastDataLength.Store(int64(msg.Size))
	}

	e.acc.Record(msg.WireBytes())
	metrics.SampleReceived(msg.WireBytes())

	if !e.cfg.UseCFT {
		if lost := e.tracker.Observe(msg.EntityID, msg.SeqNum); lost > 0 {
			e.acc.AddLoss(lost)
			metrics.SamplesLost(lost)
		}
	}
}

// addressed reports whether msg is a ping this subscriber must echo.
func (e *Engine) addressed(msg *message.Message) bool {
	if e.cfg.UseCFT {
		return msg.LatencyPing != message.NoPing
	}
	return msg.LatencyPing == e.cfg.SubscriberID
}

func (e *Engine) echo(msg *message.Message) {
	if e.writer == nil {
		return
	}
	if err := e.writer.Send(msg); err != nil {
		metrics.SendError(err)
		logger.WithError(err).Warnf("Echo of %s failed", msg.Kind)
		return
	}
	if err := e.writer.Flush(); err != nil {
		logger.WithError(err).Warn("Flush after echo failed")
	}
}

// closePhase emits the summary of the current phase once. Repeated sentinels
// for the same phase only reset the counters.
func (e *Engine) closePhase(msg *message.Message, endTest bool) {
	now := e.cfg.Clock()
	last := e.lastDataLength.Load()

	if e.intervalDataLength != last {
		if !e.cfg.UseCFT {
			if lost := e.tracker.Trailing(msg.EntityID, msg.SeqNum); lost > 0 {
				e.acc.AddLoss(lost)
				metrics.SamplesLost(lost)
			}
		}
		e.intervalDataLength = last
		e.rep.ThroughputSummary(e.acc.SnapshotAndReset(int(last)+message.OverheadBytes, now))
	} else if endTest {
		logger.Warn("No samples have been received by the Subscriber side, " +
			"however 1 or more Publishers sent the finalization message. " +
			"If you are using large data, make sure the transport can carry it. " +
			"Make sure the execution time or number of iterations in the Publisher side are big enough. " +
			"Try sending at a slower rate in the Publisher side.")
	}

	e.acc.Reset(now)
	e.tracker.ResetAll()
}

// EndTest reports whether every publisher has finished.
func (e *Engine) EndTest() bool { return e.endTest.Load() }

// Done is closed once every publisher has finished.
func (e *Engine) Done() <-chan struct{} { return e.done }

// TakeLengthChanged reports whether a LENGTH_CHANGED arrived since the last
// call. The subscriber loop acknowledges it on the announcement topic.
func (e *Engine) TakeLengthChanged() bool {
	return e.lengthChanged.CompareAndSwap(true, false)
}

func (e *Engine) Packets() uint64 { return e.acc.Packets() }
func (e *Engine) Bytes() uint64   { return e.acc.Bytes() }
func (e *Engine) Lost() uint64    { return e.acc.Lost() }

// LastDataLength is the payload length of the current phase, -1 before the
// first sample.
func (e *Engine) LastDataLength() int { return int(e.lastDataLength.Load()) }

// FinishedPublishers is the number of distinct publishers that sent FINISHED.
// It must be called from the goroutine driving OnMessage or after Done.
func (e *Engine) FinishedPublishers() int { return len(e.finished) }

var _ Reporter = (*printer.Printer)(nil)
