// Package app wires configuration, transport, observability and result
// storage around the perftest publisher and subscriber.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llnhnv/perftest-bench/internal/config"
	"github.com/llnhnv/perftest-bench/internal/messaging"
	"github.com/llnhnv/perftest-bench/internal/metrics"
	"github.com/llnhnv/perftest-bench/internal/perftest"
	"github.com/llnhnv/perftest-bench/internal/store"
	"github.com/llnhnv/perftest-bench/internal/transport/inproc"
	"github.com/llnhnv/perftest-bench/internal/transport/mqtt"
	"github.com/llnhnv/perftest-bench/internal/transport/nats"
)

var logger = log.WithFields(log.Fields{"pkg": "app"})

// Role selects which side of the test a binary runs.
type Role string

const (
	Publisher  Role = "publisher"
	Subscriber Role = "subscriber"
)

// ErrLoopback is returned when the in-process transport is asked to run
// without the publisher hosting the subscribers.
var ErrLoopback = errors.New("the inproc transport only runs from the publisher, which hosts its subscribers")

// Command builds the root command of a perftest binary.
func Command(role Role) *cobra.Command {
	cfg := config.Load(role == Publisher)

	cmd := &cobra.Command{
		Use:          "perftest-" + role.short(),
		Short:        fmt.Sprintf("Run the %s side of a latency and throughput test", role),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &cfg, role, cmd.OutOrStdout())
		},
	}
	cfg.BindFlags(cmd.Flags(), role == Publisher)
	return cmd
}

func (r Role) short() string {
	if r == Publisher {
		return "pub"
	}
	return "sub"
}

func run(ctx context.Context, cfg *config.Config, role Role, out io.Writer) error {
	if err := config.SetupLogging(os.Stderr, cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	if cfg.Transport == "inproc" && role == Subscriber {
		return ErrLoopback
	}
	logger.Info(params.Describe(role == Publisher))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("HTTP server shutdown failed")
			}
		}()
	}
	go metrics.NewReporter(cfg.MetricsInterval).Run(ctx)

	opts := []perftest.Option{perftest.WithOutput(out)}
	if cfg.MongoURI != "" {
		entity := params.PubID
		if role == Subscriber {
			entity = params.SubID
		}
		sink, err := connectStore(ctx, cfg, store.Run{ID: cfg.RunID, Role: string(role), EntityID: entity, Transport: cfg.Transport})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := sink.Close(closeCtx); err != nil {
				logger.WithError(err).Warn("MongoDB disconnect failed")
			}
		}()
		opts = append(opts, perftest.WithSink(sink))
	}

	if cfg.Transport == "inproc" {
		return runLoopback(ctx, cfg, params, opts)
	}

	m, err := dial(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if role == Publisher {
		return perftest.NewPublisher(params, m, opts...).Run(ctx)
	}
	return perftest.NewSubscriber(params, m, opts...).Run(ctx)
}

func connectStore(ctx context.Context, cfg *config.Config, r store.Run) (*store.Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase, r)
}

// dial connects the broker transport named in cfg.
func dial(cfg *config.Config) (messaging.Messaging, error) {
	switch cfg.Transport {
	case "mqtt":
		return mqtt.Connect(mqtt.Options{
			Broker:     cfg.Broker,
			ClientID:   cfg.ClientID,
			Prefix:     cfg.Prefix,
			BestEffort: cfg.BestEffort,
			QueueDepth: cfg.QueueDepth,
			BurstSize:  cfg.BurstSize,
		})
	case "nats":
		return nats.Connect(nats.Options{
			URL:          cfg.NatsURL,
			Name:         cfg.ClientID,
			User:         cfg.NatsUser,
			Password:     cfg.NatsPass,
			Prefix:       cfg.Prefix,
			PendingLimit: cfg.QueueDepth,
			BurstSize:    cfg.BurstSize,
		})
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", perftest.ErrInvalidConfig, cfg.Transport)
	}
}

// runLoopback runs the publisher and every subscriber in this process over
// an in-process bus. Subscriber results go to stderr so the publisher's
// stdout stays parseable.
func runLoopback(ctx context.Context, cfg *config.Config, params perftest.Params, opts []perftest.Option) error {
	if params.NumPublishers != 1 {
		return fmt.Errorf("%w: the inproc transport runs a single publisher", perftest.ErrInvalidConfig)
	}
	bus := inproc.NewBus(inproc.Options{
		QueueDepth: cfg.QueueDepth,
		BurstSize:  cfg.BurstSize,
		BestEffort: cfg.BestEffort,
	})

	var (
		wg      sync.WaitGroup
		errs    = make(chan error, params.NumSubscribers+1)
		subOpts = append(slices.Clip(opts), perftest.WithOutput(os.Stderr))
	)
	for sid := 0; sid < params.NumSubscribers; sid++ {
		sp := params
		sp.SubID = sid
		conn := bus.Connect()
		defer conn.Close()

		sub := perftest.NewSubscriber(sp, conn, subOpts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Run(ctx); err != nil {
				errs <- fmt.Errorf("subscriber %d: %w", sp.SubID, err)
			}
		}()
	}

	conn := bus.Connect()
	defer conn.Close()
	if err := perftest.NewPublisher(params, conn, opts...).Run(ctx); err != nil {
		errs <- fmt.Errorf("publisher: %w", err)
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}
