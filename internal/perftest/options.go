package perftest

import (
	"context"
	"io"
	"time"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/printer"
)

// SettleTime is the pause after the initial burst and before the subscriber
// prints its final output.
const SettleTime = time.Second

type Option func(*base)

// WithOutput sends results to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(b *base) { b.out = w }
}

// WithSink stores every phase summary in s.
func WithSink(s SummarySink) Option {
	return func(b *base) { b.sink = s }
}

func WithClock(c message.Clock) Option {
	return func(b *base) { b.clock = c }
}

// WithSettleTime overrides SettleTime.
func WithSettleTime(d time.Duration) Option {
	return func(b *base) { b.settle = d }
}

// base holds what the publisher and the subscriber share.
type base struct {
	params Params
	out    io.Writer
	sink   SummarySink
	clock  message.Clock
	settle time.Duration

	printer *printer.Printer
}

func newBase(params Params, opts []Option) base {
	b := base{params: params, settle: SettleTime}
	for _, opt := range opts {
		opt(&b)
	}
	if b.clock == nil {
		b.clock = message.NowMicros
	}
	b.printer = printer.New(b.out, printer.Options{
		Format:         params.OutputFormat,
		PrintIntervals: params.PrintIntervals(),
		PrintHeaders:   !params.NoPrintHeaders,
	})
	return b
}

func (b *base) report(ctx context.Context) *report {
	return &report{ctx: context.WithoutCancel(ctx), out: b.printer, sink: b.sink}
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
