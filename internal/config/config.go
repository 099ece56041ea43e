// Package config resolves perftest settings from a .env file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/llnhnv/perftest-bench/internal/perftest"
	"github.com/llnhnv/perftest-bench/internal/printer"
)

var logger = log.WithFields(log.Fields{"pkg": "config"})

const maxPubRate = 10000000

// ============================================================================
// Configuration
// ============================================================================

type Config struct {
	// Transport
	Transport  string `validate:"oneof=inproc mqtt nats"`
	Broker     string // MQTT broker URL
	NatsURL    string
	NatsUser   string
	NatsPass   string
	Prefix     string `validate:"required"` // topic namespace on the broker
	ClientID   string
	QueueDepth int `validate:"min=0"` // per reader
	BurstSize  int `validate:"min=0"` // transport warm-up burst

	// Test
	DataLen          uint64 `validate:"min=28,max=63000"`
	NumIter          uint64
	LatencyCount     uint64
	NumPublishers    int `validate:"min=1"`
	NumSubscribers   int `validate:"min=1"`
	PubID            int `validate:"min=0"`
	SubID            int `validate:"min=0"`
	LatencyTest      bool
	BestEffort       bool
	UseReadThread    bool
	BatchSize        uint64
	Spin             uint64
	Sleep            time.Duration
	PubRate          string // <samples/s>[:spin|sleep]
	PubRateBps       uint64
	ExecutionTime    time.Duration
	InitialBurstSize int `validate:"min=0"`
	Instances        int `validate:"min=1"`
	CFT              bool
	LowResolution    bool
	FinishedRetries  int `validate:"min=1"`
	Scan             string // <size1>:<size2>:...:<sizeN>
	DiscoveryPeriod  time.Duration
	PingTimeout      time.Duration

	// Output
	NoPrintIntervals bool
	NoPrintHeaders   bool
	OutputFormat     string `validate:"oneof=csv json legacy CSV JSON LEGACY"`
	LatencyFile      string

	// Observability
	MetricsAddr     string // empty disables the HTTP server
	MetricsInterval time.Duration
	LogLevel        string `validate:"oneof=trace debug info warn warning error"`
	LogFormat       string `validate:"oneof=text json"`

	// Result store
	MongoURI      string
	MongoDatabase string
	RunID         string

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

// Default observability addresses. Each role gets its own port so a
// publisher and a subscriber can share a host.
const (
	PublisherMetricsAddr  = ":8090"
	SubscriberMetricsAddr = ":8080"
)

// Load reads .env when present and builds the defaults of the publisher or
// subscriber from the environment.
func Load(publisher bool) Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("Could not load .env file")
	}

	hostname, _ := os.Hostname()
	metricsAddr := SubscriberMetricsAddr
	if publisher {
		metricsAddr = PublisherMetricsAddr
	}

	return Config{
		Transport:  envStr("TRANSPORT", "inproc"),
		Broker:     envStr("MQTT_BROKER", "tcp://localhost:1883"),
		NatsURL:    envStr("NATS_URL", "nats://localhost:4222"),
		NatsUser:   envStr("NATS_USER", ""),
		NatsPass:   envStr("NATS_PASSWORD", ""),
		Prefix:     envStr("TOPIC_PREFIX", "perftest"),
		ClientID:   envStr("CLIENT_ID", ""),
		QueueDepth: envInt("QUEUE_DEPTH", 0),
		BurstSize:  envInt("BURST_SIZE", 0),

		DataLen:          envUint("DATA_LEN", 100),
		NumIter:          envUint("NUM_ITER", 0),
		LatencyCount:     envUint("LATENCY_COUNT", 0),
		NumPublishers:    envInt("NUM_PUBLISHERS", 1),
		NumSubscribers:   envInt("NUM_SUBSCRIBERS", 1),
		PubID:            envInt("PID", 0),
		SubID:            envInt("SID", 0),
		LatencyTest:      envBool("LATENCY_TEST", false),
		BestEffort:       envBool("BEST_EFFORT", false),
		UseReadThread:    envBool("USE_READ_THREAD", false),
		BatchSize:        envUint("BATCH_SIZE", 0),
		Spin:             envUint("SPIN", 0),
		Sleep:            envDuration("SLEEP", 0),
		PubRate:          envStr("PUB_RATE", ""),
		PubRateBps:       envUint("PUB_RATE_BPS", 0),
		ExecutionTime:    envDuration("EXECUTION_TIME", 0),
		InitialBurstSize: envInt("INITIAL_BURST_SIZE", 0),
		Instances:        envInt("INSTANCES", 1),
		CFT:              envBool("CFT", false),
		LowResolution:    envBool("LOW_RESOLUTION_CLOCK", false),
		FinishedRetries:  envInt("FINISHED_RETRIES", perftest.DefaultFinishedRetries),
		Scan:             envStr("SCAN", ""),
		DiscoveryPeriod:  envDuration("DISCOVERY_PERIOD", perftest.DefaultDiscoveryPeriod),
		PingTimeout:      envDuration("PING_TIMEOUT", perftest.DefaultPingTimeout),

		NoPrintIntervals: envBool("NO_PRINT_INTERVALS", false),
		NoPrintHeaders:   envBool("NO_PRINT_HEADERS", false),
		OutputFormat:     envStr("OUTPUT_FORMAT", "csv"),
		LatencyFile:      envStr("LATENCY_FILE", ""),

		MetricsAddr:     envStr("METRICS_ADDR", metricsAddr),
		MetricsInterval: envDuration("METRICS_INTERVAL", 2*time.Second),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		LogFormat:       envStr("LOG_FORMAT", "text"),

		MongoURI:      envStr("MONGO_URI", ""),
		MongoDatabase: envStr("MONGO_DATABASE", "perftest"),
		RunID:         envStr("RUN_ID", fmt.Sprintf("%s-%d", hostname, time.Now().Unix())),

		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// BindFlags registers one flag per setting, defaulting to the current value.
// publisher selects the flags that only make sense on one side.
func (c *Config) BindFlags(f *pflag.FlagSet, publisher bool) {
	f.StringVar(&c.Transport, "transport", c.Transport, "Transport: inproc, mqtt or nats")
	f.StringVar(&c.Broker, "broker", c.Broker, "MQTT broker URL")
	f.StringVar(&c.NatsURL, "nats-url", c.NatsURL, "NATS server URL")
	f.StringVar(&c.Prefix, "prefix", c.Prefix, "Topic namespace on the broker")
	f.StringVar(&c.ClientID, "client-id", c.ClientID, "Client id (default hostname based)")
	f.IntVar(&c.QueueDepth, "queue-depth", c.QueueDepth, "Samples buffered per reader")

	f.Uint64Var(&c.DataLen, "data-len", c.DataLen, "Sample size in bytes including the 28 byte overhead")
	f.IntVar(&c.NumPublishers, "num-publishers", c.NumPublishers, "Number of publishers")
	f.IntVar(&c.NumSubscribers, "num-subscribers", c.NumSubscribers, "Number of subscribers")
	f.BoolVar(&c.BestEffort, "best-effort", c.BestEffort, "Run the test in best effort mode")
	f.BoolVar(&c.UseReadThread, "use-read-thread", c.UseReadThread, "Receive on a dedicated goroutine instead of callbacks")
	f.StringVar(&c.Scan, "scan", c.Scan, "Run one phase per size: <size1>:<size2>:...:<sizeN>")
	f.DurationVar(&c.DiscoveryPeriod, "discovery-period", c.DiscoveryPeriod, "Announcement and interval period")
	f.BoolVar(&c.NoPrintIntervals, "no-print-intervals", c.NoPrintIntervals, "Do not print interval results")
	f.BoolVar(&c.NoPrintHeaders, "no-print-headers", c.NoPrintHeaders, "Do not print result headers")
	f.StringVar(&c.OutputFormat, "output-format", c.OutputFormat, "Result format: csv, json or legacy")

	f.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Observability HTTP address, empty to disable")
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json")
	f.StringVar(&c.MongoURI, "mongo-uri", c.MongoURI, "Store summaries in this MongoDB (empty disables)")
	f.StringVar(&c.RunID, "run-id", c.RunID, "Run id attached to stored summaries")

	if publisher {
		f.IntVar(&c.PubID, "pid", c.PubID, "Publisher id")
		f.Uint64Var(&c.NumIter, "num-iter", c.NumIter, "Samples to send per phase (default 100000000, latency test 10000000)")
		f.Uint64Var(&c.LatencyCount, "latency-count", c.LatencyCount, "Samples between pings (default 10000, latency test 1)")
		f.BoolVar(&c.LatencyTest, "latency-test", c.LatencyTest, "Wait for each pong before the next ping")
		f.Uint64Var(&c.BatchSize, "batch-size", c.BatchSize, "Bytes per batch")
		f.Uint64Var(&c.Spin, "spin", c.Spin, "Spin iterations between samples")
		f.DurationVar(&c.Sleep, "sleep", c.Sleep, "Sleep between samples")
		f.StringVar(&c.PubRate, "pub-rate", c.PubRate, "Target rate: <samples/s>[:spin|sleep]")
		f.Uint64Var(&c.PubRateBps, "pub-rate-bps", c.PubRateBps, "Target rate in bits per second")
		f.DurationVar(&c.ExecutionTime, "execution-time", c.ExecutionTime, "Stop after this long")
		f.IntVar(&c.InitialBurstSize, "initial-burst-size", c.InitialBurstSize, "Warm-up samples (default from transport)")
		f.IntVar(&c.Instances, "instances", c.Instances, "Instances, a lower bound for the warm-up burst")
		f.BoolVar(&c.LowResolution, "low-resolution-clock", c.LowResolution, "Report average latency from the total run time")
		f.IntVar(&c.FinishedRetries, "finished-retries", c.FinishedRetries, "Copies of the end-of-test signal to send")
		f.DurationVar(&c.PingTimeout, "ping-timeout", c.PingTimeout, "Pong wait in best effort latency tests")
		f.StringVar(&c.LatencyFile, "latency-file", c.LatencyFile, "Write raw latency samples to this file")
	} else {
		f.IntVar(&c.SubID, "sid", c.SubID, "Subscriber id")
		f.BoolVar(&c.CFT, "cft", c.CFT, "Echo every latency ping and skip loss tracking (the transport filters content)")
	}
}

// ============================================================================
// Validation
// ============================================================================

var validate = validator.New()

// Validate checks field ranges. Protocol rules are left to Params.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", e.Field(), e.Tag(), e.Param()))
			}
			return fmt.Errorf("%w: %s", perftest.ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", perftest.ErrInvalidConfig, err)
	}
	return nil
}

// Params converts and validates the protocol parameters.
func (c *Config) Params() (perftest.Params, error) {
	if err := c.Validate(); err != nil {
		return perftest.Params{}, err
	}

	p := perftest.DefaultParams()
	p.DataLen = c.DataLen
	p.NumIter = c.NumIter
	p.LatencyCount = c.LatencyCount
	p.NumPublishers = c.NumPublishers
	p.NumSubscribers = c.NumSubscribers
	p.PubID = c.PubID
	p.SubID = c.SubID
	p.LatencyTest = c.LatencyTest
	p.BestEffort = c.BestEffort
	p.UseReadThread = c.UseReadThread
	p.BatchSize = c.BatchSize
	p.Spin = c.Spin
	p.Sleep = c.Sleep
	p.PubRateBps = c.PubRateBps
	p.ExecutionTime = c.ExecutionTime
	p.InitialBurstSize = c.InitialBurstSize
	p.Instances = c.Instances
	p.CFT = c.CFT
	p.LowResolutionClock = c.LowResolution
	p.FinishedRetries = c.FinishedRetries
	p.DiscoveryPeriod = c.DiscoveryPeriod
	p.PingTimeout = c.PingTimeout
	p.NoPrintIntervals = c.NoPrintIntervals
	p.NoPrintHeaders = c.NoPrintHeaders
	p.LatencyFile = c.LatencyFile

	var err error
	if p.PubRate, p.PubRateMethod, err = parsePubRate(c.PubRate); err != nil {
		return p, err
	}
	if p.Scan, err = parseScan(c.Scan); err != nil {
		return p, err
	}
	if p.OutputFormat, err = printer.ParseFormat(c.OutputFormat); err != nil {
		return p, fmt.Errorf("%w: %v", perftest.ErrInvalidConfig, err)
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func parsePubRate(s string) (uint64, perftest.RateMethod, error) {
	if s == "" {
		return 0, perftest.RateSpin, nil
	}
	rate, method, _ := strings.Cut(s, ":")
	n, err := strconv.ParseUint(strings.TrimSpace(rate), 10, 64)
	if err != nil {
		return 0, perftest.RateSpin, fmt.Errorf("%w: bad number for pub rate %q", perftest.ErrInvalidConfig, s)
	}
	if n > maxPubRate {
		return 0, perftest.RateSpin, fmt.Errorf("%w: pub rate cannot be greater than %d", perftest.ErrInvalidConfig, maxPubRate)
	}
	m, err := perftest.ParseRateMethod(method)
	if err != nil {
		return 0, perftest.RateSpin, err
	}
	return n, m, nil
}

func parseScan(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	out := make([]uint64, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad scan size %q", perftest.ErrInvalidConfig, part)
		}
		out = append(out, n)
	}
	return out, nil
}

// ============================================================================
// Utilities
// ============================================================================

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

// envDuration accepts Go durations ("250ms") or plain milliseconds.
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
