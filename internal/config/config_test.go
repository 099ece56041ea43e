package config

import (
	"bytes"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llnhnv/perftest-bench/internal/perftest"
	"github.com/llnhnv/perftest-bench/internal/printer"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRANSPORT", "nats")
	t.Setenv("DATA_LEN", "1024")
	t.Setenv("LATENCY_TEST", "yes")
	t.Setenv("DISCOVERY_PERIOD", "250ms")
	t.Setenv("PING_TIMEOUT", "50")
	t.Setenv("NUM_SUBSCRIBERS", "not-a-number")

	c := Load(true)
	assert.Equal(t, "nats", c.Transport)
	assert.Equal(t, uint64(1024), c.DataLen)
	assert.True(t, c.LatencyTest)
	assert.Equal(t, 250*time.Millisecond, c.DiscoveryPeriod)
	assert.Equal(t, 50*time.Millisecond, c.PingTimeout)
	assert.Equal(t, 1, c.NumSubscribers, "unparsable values fall back to the default")
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DATA_LEN", "1024")
	c := Load(true)

	f := pflag.NewFlagSet("pub", pflag.ContinueOnError)
	c.BindFlags(f, true)
	require.NoError(t, f.Parse([]string{"--data-len=200", "--pub-rate=1000:sleep", "--latency-test"}))

	assert.Equal(t, uint64(200), c.DataLen)
	assert.Equal(t, "1000:sleep", c.PubRate)
	assert.True(t, c.LatencyTest)
	assert.Nil(t, f.Lookup("sid"), "subscriber flags are not registered on the publisher")

	sub := pflag.NewFlagSet("sub", pflag.ContinueOnError)
	c.BindFlags(sub, false)
	assert.NotNil(t, sub.Lookup("cft"))
	assert.Nil(t, sub.Lookup("pub-rate"))
}

func TestParams(t *testing.T) {
	c := Load(true)
	c.PubRate = "500:sleep"
	c.Scan = "100:1024"
	c.OutputFormat = "json"

	p, err := c.Params()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), p.PubRate)
	assert.Equal(t, perftest.RateSleep, p.PubRateMethod)
	assert.Equal(t, []uint64{100, 1024}, p.Scan)
	assert.Equal(t, printer.JSON, p.OutputFormat)
	assert.Equal(t, uint64(perftest.DefaultNumIter), p.NumIter)

	c = Load(true)
	c.CFT = true
	p, err = c.Params()
	require.NoError(t, err)
	assert.True(t, p.CFT)
}

func TestParamsErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"transport", func(c *Config) { c.Transport = "dds" }},
		{"data len", func(c *Config) { c.DataLen = 10 }},
		{"publishers", func(c *Config) { c.NumPublishers = 0 }},
		{"output format", func(c *Config) { c.OutputFormat = "xml" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"pub rate number", func(c *Config) { c.PubRate = "fast" }},
		{"pub rate method", func(c *Config) { c.PubRate = "100:busy" }},
		{"pub rate limit", func(c *Config) { c.PubRate = "10000001" }},
		{"scan", func(c *Config) { c.Scan = "100:x" }},
		{"protocol rule", func(c *Config) { c.NumPublishers, c.PubID, c.LatencyTest = 2, 1, true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Load(true)
			tt.modify(&c)
			_, err := c.Params()
			require.Error(t, err)
			assert.ErrorIs(t, err, perftest.ErrInvalidConfig)
		})
	}
}

func TestCFTFlagIsBoolean(t *testing.T) {
	c := Load(false)
	f := pflag.NewFlagSet("sub", pflag.ContinueOnError)
	c.BindFlags(f, false)
	require.NoError(t, f.Parse([]string{"--cft"}))
	assert.True(t, c.CFT)

	require.Error(t, f.Parse([]string{"--cft=0:10"}), "ranges are not accepted")
}

func TestSetupLogging(t *testing.T) {
	defer func() {
		log.SetLevel(log.InfoLevel)
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{})
	}()

	var buf bytes.Buffer
	require.NoError(t, SetupLogging(&buf, "debug", "json"))
	log.WithField("pkg", "test").Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	assert.ErrorIs(t, SetupLogging(&buf, "loud", "text"), perftest.ErrInvalidConfig)
	assert.ErrorIs(t, SetupLogging(&buf, "info", "xml"), perftest.ErrInvalidConfig)
}

func TestMetricsAddrPerRole(t *testing.T) {
	t.Setenv("METRICS_ADDR", "")
	assert.Equal(t, PublisherMetricsAddr, Load(true).MetricsAddr)
	assert.Equal(t, SubscriberMetricsAddr, Load(false).MetricsAddr)
	assert.NotEqual(t, Load(true).MetricsAddr, Load(false).MetricsAddr)

	t.Setenv("METRICS_ADDR", ":9100")
	assert.Equal(t, ":9100", Load(false).MetricsAddr)
}
