package perftest

import (
	"context"

	"github.com/llnhnv/perftest-bench/internal/printer"
	"github.com/llnhnv/perftest-bench/internal/stats"
)

// SummarySink stores closed phases somewhere besides the printed output.
type SummarySink interface {
	SaveLatency(ctx context.Context, s stats.LatencySummary) error
	SaveThroughput(ctx context.Context, s stats.ThroughputSummary) error
}

// report fans engine output out to the printer and an optional sink. It
// satisfies both latency.Reporter and throughput.Reporter.
type report struct {
	ctx  context.Context
	out  *printer.Printer
	sink SummarySink
}

func (r *report) LatencyHeader(length int)                 { r.out.LatencyHeader(length) }
func (r *report) LatencyInterval(iv stats.LatencyInterval) { r.out.LatencyInterval(iv) }
func (r *report) ThroughputHeader(length int)              { r.out.ThroughputHeader(length) }

func (r *report) LatencySummary(s stats.LatencySummary) {
	r.out.LatencySummary(s)
	if r.sink == nil {
		return
	}
	if err := r.sink.SaveLatency(r.ctx, s); err != nil {
		logger.WithError(err).Warn("Could not store latency summary")
	}
}

func (r *report) ThroughputSummary(s stats.ThroughputSummary) {
	r.out.ThroughputSummary(s)
	if r.sink == nil {
		return
	}
	if err := r.sink.SaveThroughput(r.ctx, s); err != nil {
		logger.WithError(err).Warn("Could not store throughput summary")
	}
}
