package perftest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/llnhnv/perftest-bench/internal/announce"
	"github.com/llnhnv/perftest-bench/internal/latency"
	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
	"github.com/llnhnv/perftest-bench/internal/metrics"
)

var errSpinCalibration = fmt.Errorf("%w: could not calibrate spin per microsecond, pub rate cannot use spin", ErrInvalidConfig)

const (
	// finishedAckWait bounds how long one FINISHED copy waits for the
	// subscribers to leave the announcement list.
	finishedAckWait = 100 * time.Millisecond
	ackPoll         = 5 * time.Millisecond
)

// Publisher sends the throughput stream and, with id 0, measures latency from
// the pongs subscribers echo back.
type Publisher struct {
	base
	m messaging.Messaging

	completed atomic.Bool
	pings     atomic.Uint64
	sent      atomic.Uint64
	latency   *latency.Engine
}

func NewPublisher(params Params, m messaging.Messaging, opts ...Option) *Publisher {
	return &Publisher{base: newBase(params, opts), m: m}
}

// Pings is the number of latency pings sent so far.
func (p *Publisher) Pings() uint64 { return p.pings.Load() }

// Sent is the number of data samples sent so far.
func (p *Publisher) Sent() uint64 { return p.sent.Load() }

// Latency is the latency engine, nil unless the publisher id is 0.
func (p *Publisher) Latency() *latency.Engine { return p.latency }

// TimedOut reports whether the execution timer ended the test.
func (p *Publisher) TimedOut() bool { return p.completed.Load() }

func (p *Publisher) stopping(ctx context.Context) bool {
	return p.completed.Load() || ctx.Err() != nil
}

// Run executes the whole publisher side: discovery, warm-up, streaming and
// draining. Params must have been validated.
func (p *Publisher) Run(ctx context.Context) error {
	prm := &p.params
	rep := p.report(ctx)

	writer, err := p.m.CreateWriter(messaging.ThroughputTopic)
	if err != nil {
		return fmt.Errorf("create throughput writer: %w", err)
	}
	defer writer.Close()

	// Only publisher 0 sends and receives pings.
	var (
		latReader messaging.Reader
		readTask  *messaging.ReadTask
	)
	if prm.PubID == 0 {
		var pingWriter messaging.Writer
		if prm.LatencyTest {
			pingWriter = writer
		}
		p.latency = latency.New(latency.Config{
			NumLatency:     p.numLatency(),
			LatencyTest:    prm.LatencyTest,
			PrintIntervals: prm.PrintIntervals(),
			SampleFile:     prm.LatencyFile,
			Clock:          p.clock,
		}, pingWriter, rep)

		if prm.UseReadThread {
			logger.Info("Using reading thread.")
			latReader, err = p.m.CreateReader(messaging.LatencyTopic, nil)
			if err == nil {
				readTask = messaging.StartReadTask(ctx, "latency", latReader, p.latency)
			}
		} else {
			latReader, err = p.m.CreateReader(messaging.LatencyTopic, p.latency)
		}
		if err != nil {
			return fmt.Errorf("create latency reader: %w", err)
		}
	}
	stopLatency := func() {
		if readTask != nil {
			readTask.Stop()
		} else if latReader != nil {
			latReader.Shutdown()
		}
	}
	defer stopLatency()

	announcements := announce.NewListener()
	annReader, err := p.m.CreateReader(messaging.AnnouncementTopic, announcements)
	if err != nil {
		return fmt.Errorf("create announcement reader: %w", err)
	}
	defer annReader.Shutdown()

	pc, err := newPacer(prm, p.clock)
	if err != nil {
		return err
	}

	// Discovery.
	logger.Infof("Waiting to discover %d subscribers ...", prm.NumSubscribers)
	if err := writer.WaitForReaders(ctx, prm.NumSubscribers); err != nil {
		return fmt.Errorf("discover subscribers: %w", err)
	}
	if latReader != nil {
		if err := latReader.WaitForWriters(ctx, prm.NumSubscribers); err != nil {
			return fmt.Errorf("discover pong writers: %w", err)
		}
	}
	if err := annReader.WaitForWriters(ctx, prm.NumSubscribers); err != nil {
		return fmt.Errorf("discover announcement writers: %w", err)
	}
	metrics.SetPeers(string(messaging.ThroughputTopic), prm.NumSubscribers)

	logger.Info("Waiting for subscribers announcement ...")
	if err := messaging.WaitUntil(ctx, prm.DiscoveryPeriod, func() bool {
		return announcements.Count() >= prm.NumSubscribers
	}); err != nil {
		return fmt.Errorf("wait for announcements: %w", err)
	}
	metrics.SetReady(true)

	// Warm-up.
	burst := max(p.m.InitialBurstSize(), prm.Instances)
	if prm.InitialBurstSize > 0 {
		burst = prm.InitialBurstSize
	}
	logger.Infof("Sending %d initialization pings ...", burst)
	initMsg := sentinel(message.Initialize, prm.PubID, 0)
	for i := 0; i < burst; i++ {
		p.send(writer, initMsg)
	}
	if err := writer.Flush(); err != nil {
		logger.WithError(err).Warn("Flush after initial burst failed")
	}

	logger.Info("Publishing data ...")
	p.printer.InitialOutput()
	pause(ctx, p.settle)

	if prm.ExecutionTime > 0 {
		timer := time.AfterFunc(prm.ExecutionTime, func() { p.completed.Store(true) })
		defer timer.Stop()
	}

	// Streaming.
	pc.start()
	begin := p.clock()
	var loop uint64
	for phase, length := range prm.phaseLengths() {
		if phase > 0 {
			if !p.changeLength(ctx, writer, announcements, loop) {
				break
			}
		}
		loop = p.sendPhase(ctx, writer, pc, length, loop)
		if p.stopping(ctx) {
			break
		}
	}

	if err := writer.Flush(); err != nil {
		logger.WithError(err).Warn("Flush after main loop failed")
	}

	if prm.LowResolutionClock && loop > 0 {
		elapsed := p.clock() - begin
		p.printer.LowResolutionLatency(elapsed / (2 * loop))
	}

	// Draining.
	var lastSeq uint64
	if loop > 0 {
		lastSeq = loop - 1
	}
	p.drain(context.WithoutCancel(ctx), writer, announcements, lastSeq)

	if p.latency != nil {
		p.latency.Finish()
	} else {
		logger.Info("Latency results are only shown when the publisher id is 0")
	}

	stopLatency()
	annReader.Shutdown()
	p.printer.FinalOutput()

	if p.completed.Load() {
		logger.Info("Finishing test due to timer...")
	} else {
		logger.Info("Finishing test...")
	}
	return nil
}

// numLatency sizes the pong history for the largest phase.
func (p *Publisher) numLatency() int {
	n := 0
	for _, l := range p.params.phaseLengths() {
		n = max(n, p.params.NumLatency(l))
	}
	return n
}

// sendPhase sends NumIter samples of dataLen bytes, numbering them from seq.
// It returns the next sequence number.
func (p *Publisher) sendPhase(ctx context.Context, writer messaging.Writer, pc *pacer, dataLen, seq uint64) uint64 {
	prm := &p.params
	spb := prm.SamplesPerBatch(dataLen)
	msg := message.New(int32(prm.PubID), int(dataLen)-message.OverheadBytes)
	numSubs := uint64(prm.NumSubscribers)
	pingWait := prm.PingWait()

	var (
		currentIndex uint64
		pingIndex    uint64
		sentPing     bool
	)
	for i := uint64(0); i < prm.NumIter && !p.stopping(ctx); i++ {
		pc.adjust(seq)
		pc.wait()

		msg.LatencyPing = message.NoPing

		// One ping every LatencyCount batches, at a rotating position in the
		// batch, addressed round robin to the subscribers.
		if prm.PubID == 0 && (i/spb)%prm.LatencyCount == 0 &&
			currentIndex == pingIndex && !sentPing {
			if prm.LatencyTest {
				writer.DiscardPingResponse()
			}
			pings := p.pings.Add(1)
			msg.LatencyPing = int32((pings - 1) % numSubs)
			msg.SetSentTime(p.clock())
			pingIndex = (pingIndex + 1) % spb
			sentPing = true
			metrics.PingSent()
		}
		currentIndex = (currentIndex + 1) % spb

		msg.SeqNum = seq
		p.send(writer, msg)
		p.sent.Add(1)
		seq++

		if prm.LatencyTest && msg.IsPing() {
			if !writer.WaitForPingResponse(ctx, pingWait) {
				logger.Debugf("No pong for ping %d", msg.SeqNum)
			}
		}

		if currentIndex == 0 {
			sentPing = false
		}
	}
	return seq
}

// changeLength closes the current phase. Subscribers are asked to echo a
// LENGTH_CHANGED, which closes the latency phase, and must re-announce before
// the next length starts. It reports false when ctx ended first.
func (p *Publisher) changeLength(ctx context.Context, writer messaging.Writer, announcements *announce.Listener, seq uint64) bool {
	prm := &p.params
	if err := writer.Flush(); err != nil {
		logger.WithError(err).Warn("Flush before length change failed")
	}

	var last uint64
	if seq > 0 {
		last = seq - 1
	}
	msg := sentinel(message.LengthChanged, prm.PubID, last)
	msg.LatencyPing = int32(p.pings.Load() % uint64(prm.NumSubscribers))

	resend := max(prm.DiscoveryPeriod/10, time.Millisecond)
	known := announcements.Subscribers()
	announcements.Clear()
	for announcements.Count() < prm.NumSubscribers {
		if ctx.Err() != nil {
			// Subscribers that did not re-announce still wait for FINISHED.
			announcements.Restore(known)
			return false
		}
		p.send(writer, msg)
		if err := writer.Flush(); err != nil {
			logger.WithError(err).Warn("Flush after length change failed")
		}
		pause(ctx, resend)
	}
	return !p.stopping(ctx)
}

// drain sends FINISHED until every subscriber has acknowledged it or the
// retries run out.
func (p *Publisher) drain(ctx context.Context, writer messaging.Writer, announcements *announce.Listener, lastSeq uint64) {
	prm := &p.params
	msg := sentinel(message.Finished, prm.PubID, lastSeq)

	for i := 0; announcements.Count() > 0 && i < prm.FinishedRetries; i++ {
		p.send(writer, msg)
		if err := writer.Flush(); err != nil {
			logger.WithError(err).Warn("Flush after finish failed")
		}
		waitCtx, cancel := context.WithTimeout(ctx, finishedAckWait)
		err := messaging.WaitUntil(waitCtx, ackPoll, func() bool { return announcements.Count() == 0 })
		cancel()
		if err == nil {
			return
		}
	}
	if n := announcements.Count(); n > 0 {
		logger.Warnf("%d subscribers did not acknowledge the end of the test", n)
	}
}

func (p *Publisher) send(writer messaging.Writer, msg *message.Message) {
	if err := writer.Send(msg); err != nil {
		metrics.SendError(err)
		if !errors.Is(err, messaging.ErrClosed) {
			logger.WithError(err).Warnf("Send of %s failed", msg.Kind)
		}
		return
	}
	if msg.Kind == message.Data {
		metrics.SampleSent()
	}
}

func sentinel(kind message.Kind, entity int, seq uint64) *message.Message {
	return &message.Message{
		Kind:        kind,
		EntityID:    int32(entity),
		SeqNum:      seq,
		LatencyPing: message.NoPing,
	}
}
