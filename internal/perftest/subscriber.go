package perftest

import (
	"context"
	"fmt"
	"time"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
	"github.com/llnhnv/perftest-bench/internal/metrics"
	"github.com/llnhnv/perftest-bench/internal/stats"
	"github.com/llnhnv/perftest-bench/internal/throughput"
)

// Subscriber receives the throughput stream, echoes pings and reports
// throughput per phase.
type Subscriber struct {
	base
	m      messaging.Messaging
	engine *throughput.Engine
}

func NewSubscriber(params Params, m messaging.Messaging, opts ...Option) *Subscriber {
	return &Subscriber{base: newBase(params, opts), m: m}
}

// Engine is the throughput engine, set once Run has started.
func (s *Subscriber) Engine() *throughput.Engine { return s.engine }

// Run executes the whole subscriber side until every publisher has finished
// or ctx ends. Params must have been validated.
func (s *Subscriber) Run(ctx context.Context) error {
	prm := &s.params

	writer, err := s.m.CreateWriter(messaging.LatencyTopic)
	if err != nil {
		return fmt.Errorf("create latency writer: %w", err)
	}
	defer writer.Close()

	s.engine = throughput.New(throughput.Config{
		NumPublishers: prm.NumPublishers,
		SubscriberID:  int32(prm.SubID),
		UseCFT:        prm.CFT,
		Clock:         s.clock,
	}, writer, s.report(ctx))

	var (
		reader   messaging.Reader
		readTask *messaging.ReadTask
	)
	if prm.UseReadThread {
		logger.Info("Using reading thread.")
		reader, err = s.m.CreateReader(messaging.ThroughputTopic, nil)
		if err == nil {
			readTask = messaging.StartReadTask(ctx, "throughput", reader, s.engine)
		}
	} else {
		reader, err = s.m.CreateReader(messaging.ThroughputTopic, s.engine)
	}
	if err != nil {
		return fmt.Errorf("create throughput reader: %w", err)
	}
	stopReader := func() {
		if readTask != nil {
			readTask.Stop()
		} else {
			reader.Shutdown()
		}
	}
	defer stopReader()

	annWriter, err := s.m.CreateWriter(messaging.AnnouncementTopic)
	if err != nil {
		return fmt.Errorf("create announcement writer: %w", err)
	}
	defer annWriter.Close()

	logger.Infof("Waiting to discover %d publishers ...", prm.NumPublishers)
	if err := reader.WaitForWriters(ctx, prm.NumPublishers); err != nil {
		return fmt.Errorf("discover publishers: %w", err)
	}
	// Only publisher 0 reads pongs.
	if err := writer.WaitForReaders(ctx, 1); err != nil {
		return fmt.Errorf("discover pong reader: %w", err)
	}
	if err := annWriter.WaitForReaders(ctx, prm.NumPublishers); err != nil {
		return fmt.Errorf("discover announcement readers: %w", err)
	}
	metrics.SetPeers(string(messaging.ThroughputTopic), prm.NumPublishers)

	s.announce(annWriter, message.Initialize)
	logger.Info("Waiting for data ...")
	metrics.SetReady(true)
	s.printer.InitialOutput()

	s.loop(ctx, annWriter)

	pause(ctx, s.settle)
	s.printer.FinalOutput()
	stopReader()
	logger.Info("Finishing test...")
	return nil
}

// loop reports an interval every DiscoveryPeriod and acknowledges length
// changes and the end of the test on the announcement topic.
func (s *Subscriber) loop(ctx context.Context, annWriter messaging.Writer) {
	prm := &s.params
	ticker := time.NewTicker(prm.DiscoveryPeriod)
	defer ticker.Stop()

	var (
		prevCount, prevBytes uint64
		lastDataLength       = -1
		mpsAve, bpsAve       stats.RunningAverage
	)
	now := s.clock()
	for {
		prev := now
		select {
		case <-ctx.Done():
			logger.Warn("Interrupted before every publisher finished")
			return
		case <-s.engine.Done():
		case <-ticker.C:
		}
		now = s.clock()

		if s.engine.TakeLengthChanged() {
			s.announce(annWriter, message.LengthChanged)
		}
		if s.engine.EndTest() {
			s.announce(annWriter, message.Finished)
			return
		}

		dataLength := s.engine.LastDataLength()
		if dataLength < 0 {
			// INITIALIZE may have been lost on a best effort transport.
			s.announce(annWriter, message.Initialize)
			continue
		}
		if !prm.PrintIntervals() {
			continue
		}
		if dataLength != lastDataLength {
			lastDataLength = dataLength
			prevCount = s.engine.Packets()
			prevBytes = s.engine.Bytes()
			mpsAve.Reset()
			bpsAve.Reset()
			continue
		}

		lastMsgs := s.engine.Packets()
		lastBytes := s.engine.Bytes()
		// A closed phase zeroes the counters.
		if lastMsgs < prevCount || lastBytes < prevBytes {
			prevCount, prevBytes = 0, 0
		}
		delta := now - prev
		if delta == 0 {
			continue
		}
		mps := (lastMsgs - prevCount) * 1000000 / delta
		bps := (lastBytes - prevBytes) * 1000000 / delta
		prevCount, prevBytes = lastMsgs, lastBytes

		iv := stats.ThroughputInterval{
			Packets: lastMsgs,
			PPS:     mps,
			PPSAve:  mpsAve.Add(float64(mps)),
			BPS:     bps,
			BPSAve:  bpsAve.Add(float64(bps)),
			Lost:    s.engine.Lost(),
		}
		iv.LostPercent = stats.LostPercent(lastMsgs, iv.Lost)
		if lastMsgs > 0 {
			s.printer.ThroughputInterval(iv)
		}
	}
}

func (s *Subscriber) announce(annWriter messaging.Writer, kind message.Kind) {
	msg := sentinel(kind, s.params.SubID, 0)
	if err := annWriter.Send(msg); err != nil {
		metrics.SendError(err)
		logger.WithError(err).Warnf("Announcement %s failed", kind)
		return
	}
	if err := annWriter.Flush(); err != nil {
		logger.WithError(err).Warn("Flush after announcement failed")
	}
}
