// Package printer renders perftest results as CSV, JSON or the legacy text
// layout.
package printer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/llnhnv/perftest-bench/internal/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const timeUnit = "us"

type Format int

const (
	CSV Format = iota
	JSON
	Legacy
)

func (f Format) String() string {
	switch f {
	case CSV:
		return "csv"
	case JSON:
		return "json"
	case Legacy:
		return "legacy"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat accepts csv, json or legacy in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return CSV, nil
	case "json":
		return JSON, nil
	case "legacy":
		return Legacy, nil
	default:
		return CSV, fmt.Errorf("unknown output format %q", s)
	}
}

type Options struct {
	Format         Format
	PrintIntervals bool
	PrintHeaders   bool
}

// Printer writes results to one stream. It is safe for concurrent use: the
// latency engine prints from a transport goroutine while the orchestrator
// prints from the main one.
type Printer struct {
	mu   sync.Mutex
	out  io.Writer
	opts Options

	dataLength          int
	printSummaryHeaders bool
	jsonInitialized     bool
	jsonFirstInterval   bool

	// lowResAverage waits for FinalOutput in JSON, where a phase may still
	// be open when it is measured.
	lowResAverage *uint64
}

func New(out io.Writer, opts Options) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{
		out:                 out,
		opts:                opts,
		dataLength:          100,
		printSummaryHeaders: true,
	}
}

func (p *Printer) Format() Format { return p.opts.Format }

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// ============================================================================
// Run brackets
// ============================================================================

// InitialOutput opens the JSON document.
func (p *Printer) InitialOutput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Format == JSON {
		p.printf("{\"perftest\":\n\t[\n")
	}
}

// FinalOutput closes the JSON document.
func (p *Printer) FinalOutput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Format != JSON {
		return
	}
	if p.lowResAverage != nil {
		if p.jsonInitialized {
			p.printf(",\n")
		}
		p.jsonInitialized = true
		p.printf("\t\t{\"low_resolution_latency_ave\":%d}", *p.lowResAverage)
	}
	p.printf("\n\t]\n}\n")
}

// LowResolutionLatency reports the rough average latency measured without a
// per-sample clock.
func (p *Printer) LowResolutionLatency(aveUsec uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Format == JSON {
		p.lowResAverage = &aveUsec
		return
	}
	p.printf("Average Latency time = %d (%s)\n", aveUsec, timeUnit)
}

// ============================================================================
// Headers
// ============================================================================

func (p *Printer) LatencyHeader(length int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataLength = length

	switch p.opts.Format {
	case CSV:
		if p.opts.PrintHeaders && p.opts.PrintIntervals {
			p.printf("\nIntervals One-way Latency for %d Bytes:\n", length)
			p.printf("Length (Bytes), Latency (%[1]s), Ave (%[1]s), Std (%[1]s), Min (%[1]s), Max (%[1]s)\n", timeUnit)
		}
	case JSON:
		p.openJSONPhase()
	case Legacy:
		if p.opts.PrintHeaders && p.opts.PrintIntervals {
			p.printf("\n\n********** New data length is %d\n", length)
		}
	}
}

func (p *Printer) ThroughputHeader(length int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataLength = length

	switch p.opts.Format {
	case CSV:
		if p.opts.PrintHeaders && p.opts.PrintIntervals {
			p.printf("\nIntervals Throughput for %d Bytes:\n", length)
			p.printf("Length (Bytes), Total Samples,  Samples/s, Avg Samples/s,     Mbps,  Avg Mbps, Lost Samples, Lost Samples (%%)\n")
		}
	case JSON:
		p.openJSONPhase()
	case Legacy:
		if p.opts.PrintHeaders && p.opts.PrintIntervals {
			p.printf("\n\n********** New data length is %d\n", length)
		}
	}
}

func (p *Printer) openJSONPhase() {
	if p.jsonInitialized {
		p.printf(",\n")
	}
	p.jsonInitialized = true
	p.printf("\t\t{\"length\":%d", p.dataLength)
	if p.opts.PrintIntervals {
		p.printf(",\"intervals\":[")
		p.jsonFirstInterval = true
	}
}

func (p *Printer) writeJSONInterval(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !p.jsonFirstInterval {
		p.printf(",")
	}
	p.jsonFirstInterval = false
	p.printf("\n\t\t\t%s", body)
}

func (p *Printer) writeJSONSummary(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	if p.opts.PrintIntervals {
		p.printf("\n\t\t]")
	}
	p.printf(",\"summary\":%s}", body)
}

// ============================================================================
// Intervals
// ============================================================================

func (p *Printer) LatencyInterval(iv stats.LatencyInterval) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.opts.Format {
	case CSV:
		p.printf("%14d,%13d,%9.0f,%9.1f,%9d,%9d\n",
			p.dataLength, iv.Latency, iv.Ave, iv.Std, iv.Min, iv.Max)
	case JSON:
		p.writeJSONInterval(iv)
	case Legacy:
		p.printf("One way Latency: %6d us Ave %6.0f us Std %6.1f us Min %6d us Max %6d us\n",
			iv.Latency, iv.Ave, iv.Std, iv.Min, iv.Max)
	}
}

type throughputIntervalJSON struct {
	Length      int     `json:"length"`
	Packets     uint64  `json:"packets"`
	PPS         uint64  `json:"packets/s"`
	PPSAve      float64 `json:"packets/s_ave"`
	Mbps        float64 `json:"mbps"`
	MbpsAve     float64 `json:"mbps_ave"`
	Lost        uint64  `json:"lost"`
	LostPercent float64 `json:"lost_percent"`
}

func (p *Printer) ThroughputInterval(iv stats.ThroughputInterval) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.opts.Format {
	case CSV:
		p.printf("%14d,%14d,%11d,%14.0f,%9.1f,%10.1f,%13d,%17.2f\n",
			p.dataLength, iv.Packets, iv.PPS, iv.PPSAve, iv.Mbps(), iv.MbpsAve(), iv.Lost, iv.LostPercent)
	case JSON:
		p.writeJSONInterval(throughputIntervalJSON{
			Length:      p.dataLength,
			Packets:     iv.Packets,
			PPS:         iv.PPS,
			PPSAve:      iv.PPSAve,
			Mbps:        iv.Mbps(),
			MbpsAve:     iv.MbpsAve(),
			Lost:        iv.Lost,
			LostPercent: iv.LostPercent,
		})
	case Legacy:
		p.printf("Packets: %8d  Packets/s: %7d  Packets/s(ave): %7.0f  Mbps: %7.1f  Mbps(ave): %7.1f  Lost: %5d (%.2f%%)\n",
			iv.Packets, iv.PPS, iv.PPSAve, iv.Mbps(), iv.MbpsAve(), iv.Lost, iv.LostPercent)
	}
}

// ============================================================================
// Summaries
// ============================================================================

func (p *Printer) LatencySummary(s stats.LatencySummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.opts.Format {
	case CSV:
		if p.summaryHeaderDue() {
			if p.opts.PrintIntervals {
				p.printf("\nOne-way Latency Summary:\n")
			}
			p.printf("Sample Size (Bytes), Ave (%[1]s), Std (%[1]s), Min (%[1]s), Max (%[1]s), 50%% (%[1]s), 90%% (%[1]s), 99%% (%[1]s), 99.99%% (%[1]s), 99.9999%% (%[1]s)\n", timeUnit)
		}
		p.printf("%19d,%9.0f,%9.1f,%9d,%9d,%9d,%9d,%9d,%12d,%14d\n",
			s.Length, s.Ave, s.Std, s.Min, s.Max, s.P50, s.P90, s.P99, s.P9999, s.P999999)
	case JSON:
		p.writeJSONSummary(s)
	case Legacy:
		p.printf("Length: %5d Latency: Ave %6.0f us Std %6.1f us Min %6d us Max %6d us 50%% %6d us 90%% %6d us 99%% %6d us 99.99%% %6d us 99.9999%% %6d us\n",
			s.Length, s.Ave, s.Std, s.Min, s.Max, s.P50, s.P90, s.P99, s.P9999, s.P999999)
	}
}

type throughputSummaryJSON struct {
	Length      int     `json:"length"`
	Packets     uint64  `json:"packets"`
	PPSAve      uint64  `json:"packets/sAve"`
	MbpsAve     float64 `json:"mbpsAve"`
	Lost        uint64  `json:"lost"`
	LostPercent float64 `json:"lostPercent"`
}

func (p *Printer) ThroughputSummary(s stats.ThroughputSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.opts.Format {
	case CSV:
		if p.summaryHeaderDue() {
			if p.opts.PrintIntervals {
				p.printf("\nThroughput Summary:\n")
			}
			p.printf("Sample Size (Bytes), Total Samples, Avg Samples/s,    Avg Mbps, Lost Samples, Lost Samples (%%)\n")
		}
		p.printf("%19d,%14d,%14d,%12.1f,%13d,%17.2f\n",
			s.Length, s.Packets, s.PacketsPerSec(), s.Mbps(), s.Lost, s.LostPercent)
	case JSON:
		p.writeJSONSummary(throughputSummaryJSON{
			Length:      s.Length,
			Packets:     s.Packets,
			PPSAve:      s.PacketsPerSec(),
			MbpsAve:     s.Mbps(),
			Lost:        s.Lost,
			LostPercent: s.LostPercent,
		})
	case Legacy:
		p.printf("Length: %5d  Packets: %8d  Packets/s(ave): %7d  Mbps(ave): %7.1f  Lost: %5d (%.2f%%)\n",
			s.Length, s.Packets, s.PacketsPerSec(), s.Mbps(), s.Lost, s.LostPercent)
	}
}

// summaryHeaderDue repeats the CSV summary header per phase when intervals
// are shown and prints it only once otherwise.
func (p *Printer) summaryHeaderDue() bool {
	if !p.printSummaryHeaders || !p.opts.PrintHeaders {
		return false
	}
	if !p.opts.PrintIntervals {
		p.printSummaryHeaders = false
	}
	return true
}

// ============================================================================
// Latency sample file
// ============================================================================

// WriteLatencySamples stores raw one-way latencies in arrival order.
func WriteLatencySamples(path string, samples []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create latency file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "Sample Number, Value\n")
	for i, v := range samples {
		fmt.Fprintf(w, "%d, %d\n", i, v)
	}
	fmt.Fprintf(w, "\n")
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write latency file %s: %w", path, err)
	}
	return nil
}
