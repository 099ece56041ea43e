// Package perftest runs the publisher and subscriber sides of a latency and
// throughput test over any messaging.Messaging transport.
package perftest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/latency"
	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/printer"
)

var logger = log.WithFields(log.Fields{"pkg": "perftest"})

// ErrInvalidConfig wraps every parameter validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultNumIter            = 100000000
	DefaultNumIterLatencyTest = 10000000
	DefaultLatencyCount       = 10000
	DefaultFinishedRetries    = 30
	DefaultDiscoveryPeriod    = time.Second
	DefaultPingTimeout        = 200 * time.Millisecond
)

// RateMethod selects how the publisher paces itself to reach PubRate.
type RateMethod int

const (
	RateSpin RateMethod = iota
	RateSleep
)

func (m RateMethod) String() string {
	if m == RateSleep {
		return "sleep"
	}
	return "spin"
}

// ParseRateMethod accepts spin or sleep.
func ParseRateMethod(s string) (RateMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "spin":
		return RateSpin, nil
	case "sleep":
		return RateSleep, nil
	default:
		return RateSpin, fmt.Errorf("%w: unknown pub rate method %q", ErrInvalidConfig, s)
	}
}

// Params configures one perftest process.
type Params struct {
	// DataLen is the sample size including message.OverheadBytes.
	DataLen uint64
	// NumIter and LatencyCount are resolved by Validate when left at 0.
	NumIter      uint64
	LatencyCount uint64

	NumPublishers  int
	NumSubscribers int
	PubID          int
	SubID          int

	LatencyTest   bool
	BestEffort    bool
	UseReadThread bool

	BatchSize uint64
	Spin      uint64
	Sleep     time.Duration

	PubRate       uint64
	PubRateMethod RateMethod
	PubRateBps    uint64

	ExecutionTime    time.Duration
	InitialBurstSize int
	Instances        int

	// CFT makes subscribers echo every ping and skip loss tracking, for
	// transports that filter the stream before it reaches the reader.
	CFT bool

	LowResolutionClock bool
	FinishedRetries    int
	Scan               []uint64

	NoPrintIntervals bool
	NoPrintHeaders   bool
	OutputFormat     printer.Format
	LatencyFile      string

	DiscoveryPeriod time.Duration
	// PingTimeout bounds the wait for a pong in best effort latency tests.
	PingTimeout time.Duration
}

func DefaultParams() Params {
	return Params{
		DataLen:         100,
		NumPublishers:   1,
		NumSubscribers:  1,
		Instances:       1,
		FinishedRetries: DefaultFinishedRetries,
		DiscoveryPeriod: DefaultDiscoveryPeriod,
		PingTimeout:     DefaultPingTimeout,
	}
}

// Validate checks cross-field rules and resolves derived values in place.
// Conflicting pacing options are corrected with a warning rather than
// rejected.
func (p *Params) Validate() error {
	if err := checkDataLen(p.DataLen); err != nil {
		return err
	}
	for _, l := range p.Scan {
		if err := checkDataLen(l); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	if p.NumPublishers < 1 || p.NumSubscribers < 1 {
		return fmt.Errorf("%w: numPublishers and numSubscribers must be at least 1", ErrInvalidConfig)
	}
	if p.PubID < 0 || p.PubID >= p.NumPublishers {
		return fmt.Errorf("%w: publisher id %d out of range [0, %d)", ErrInvalidConfig, p.PubID, p.NumPublishers)
	}
	if p.SubID < 0 || p.SubID >= p.NumSubscribers {
		return fmt.Errorf("%w: subscriber id %d out of range [0, %d)", ErrInvalidConfig, p.SubID, p.NumSubscribers)
	}
	if p.Instances < 1 {
		return fmt.Errorf("%w: instances must be at least 1", ErrInvalidConfig)
	}

	if p.LatencyTest {
		if p.PubID != 0 {
			return fmt.Errorf("%w: only the publisher with id 0 can run the latency test", ErrInvalidConfig)
		}
		if p.LatencyCount == 0 {
			p.LatencyCount = 1
		}
		if p.NumIter == 0 {
			p.NumIter = DefaultNumIterLatencyTest
		}
	}
	if p.LatencyCount == 0 {
		p.LatencyCount = DefaultLatencyCount
	}
	if p.NumIter == 0 {
		p.NumIter = DefaultNumIter
	}
	if p.NumIter < p.LatencyCount {
		return fmt.Errorf("%w: numIter %d must be greater than latencyCount %d", ErrInvalidConfig, p.NumIter, p.LatencyCount)
	}

	if p.PubRateBps > 0 {
		p.PubRate = p.PubRateBps / (8 * p.DataLen)
		if p.PubRate == 0 {
			p.PubRate = 1
		}
	}
	if p.PubRate > 0 {
		if p.Spin > 0 {
			logger.Warn("Spin is not compatible with a pub rate. Spin/Sleep value will be set by the pub rate.")
			p.Spin = 0
		}
		if p.Sleep > 0 {
			logger.Warn("Sleep is not compatible with a pub rate. Spin/Sleep value will be set by the pub rate.")
			p.Sleep = 0
		}
	}

	if p.LowResolutionClock {
		if p.LatencyCount != 1 {
			return fmt.Errorf("%w: low resolution clock requires latencyCount 1", ErrInvalidConfig)
		}
		if p.Spin > 0 || p.Sleep > 0 || p.PubRate > 0 {
			return fmt.Errorf("%w: low resolution clock cannot be combined with spin, sleep or pub rate", ErrInvalidConfig)
		}
	}

	if p.FinishedRetries <= 0 {
		p.FinishedRetries = DefaultFinishedRetries
	}
	if p.DiscoveryPeriod <= 0 {
		p.DiscoveryPeriod = DefaultDiscoveryPeriod
	}
	if p.PingTimeout <= 0 {
		p.PingTimeout = DefaultPingTimeout
	}

	for _, l := range p.phaseLengths() {
		if payload := int(l) - message.OverheadBytes; payload >= message.InitializeSize && payload <= message.LengthChangedSize {
			logger.Warnf("Payload length %d collides with a reserved sentinel size", payload)
		}
	}
	return nil
}

func checkDataLen(l uint64) error {
	if l < message.MinDataLen || l > message.MaxDataLen {
		return fmt.Errorf("%w: dataLen %d must be in [%d, %d]", ErrInvalidConfig, l, message.MinDataLen, message.MaxDataLen)
	}
	return nil
}

// SamplesPerBatch is how many samples fit in BatchSize for a sample of
// dataLen bytes.
func (p *Params) SamplesPerBatch(dataLen uint64) uint64 {
	if p.BatchSize > dataLen && dataLen > 0 {
		return p.BatchSize / dataLen
	}
	return 1
}

// NumLatency is how many pongs one phase of dataLen can produce.
func (p *Params) NumLatency(dataLen uint64) int {
	return latency.ExpectedPongs(p.NumIter, p.SamplesPerBatch(dataLen), p.LatencyCount)
}

// PrintIntervals is the inverse of NoPrintIntervals.
func (p *Params) PrintIntervals() bool { return !p.NoPrintIntervals }

// PingWait is how long the publisher waits for a pong in a latency test;
// 0 waits forever.
func (p *Params) PingWait() time.Duration {
	if p.BestEffort {
		return p.PingTimeout
	}
	return 0
}

// phaseLengths is DataLen, or the scan list when one is set.
func (p *Params) phaseLengths() []uint64 {
	if len(p.Scan) > 0 {
		return p.Scan
	}
	return []uint64{p.DataLen}
}

// Describe renders the effective configuration for the startup log.
func (p *Params) Describe(publisher bool) string {
	var b strings.Builder
	if publisher {
		if p.LatencyTest {
			b.WriteString("Mode: LATENCY TEST (Ping-Pong test)\n")
		} else {
			b.WriteString("Mode: THROUGHPUT TEST\n")
		}
	}
	b.WriteString("Perftest Configuration:\n")
	if p.BestEffort {
		b.WriteString("\tReliability: Best Effort\n")
	} else {
		b.WriteString("\tReliability: Reliable\n")
	}
	if len(p.Scan) > 0 {
		fmt.Fprintf(&b, "\tData Size: %v\n", p.Scan)
	} else {
		fmt.Fprintf(&b, "\tData Size: %d\n", p.DataLen)
	}
	if publisher {
		fmt.Fprintf(&b, "\tPublisher ID: %d of %d\n", p.PubID, p.NumPublishers)
		fmt.Fprintf(&b, "\tSubscribers: %d\n", p.NumSubscribers)
		fmt.Fprintf(&b, "\tBatch Size: %d\n", p.BatchSize)
		if p.ExecutionTime > 0 {
			fmt.Fprintf(&b, "\tExecution Time: %s\n", p.ExecutionTime)
		} else {
			fmt.Fprintf(&b, "\tNumber of samples: %d\n", p.NumIter)
		}
		fmt.Fprintf(&b, "\tLatency count: 1 latency sample every %d samples\n", p.LatencyCount)
		if p.PubRate > 0 {
			fmt.Fprintf(&b, "\tPublication Rate: %d Samples/s (%s)\n", p.PubRate, p.PubRateMethod)
		}
	} else {
		fmt.Fprintf(&b, "\tSubscriber ID: %d of %d\n", p.SubID, p.NumSubscribers)
		fmt.Fprintf(&b, "\tPublishers: %d\n", p.NumPublishers)
		if p.CFT {
			b.WriteString("\tContent Filter: echo every ping\n")
		}
	}
	if p.UseReadThread {
		b.WriteString("\tReceive using: Read thread\n")
	} else {
		b.WriteString("\tReceive using: Listeners\n")
	}
	return b.String()
}
