// Command perftest-sub runs the subscriber side of a perftest run.
package main

import (
	"os"

	"github.com/llnhnv/perftest-bench/internal/app"
)

func main() {
	if err := app.Command(app.Subscriber).Execute(); err != nil {
		os.Exit(1)
	}
}
