package config

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/perftest"
)

// SetupLogging configures the standard logrus logger. Logs go to w so that
// results on stdout stay machine readable.
func SetupLogging(w io.Writer, level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("%w: %v", perftest.ErrInvalidConfig, err)
	}
	log.SetLevel(lvl)
	log.SetOutput(w)

	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("%w: unknown log format %q", perftest.ErrInvalidConfig, format)
	}
	return nil
}
