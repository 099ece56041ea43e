// Command perftest-pub runs the publisher side of a perftest run. With the
// inproc transport it also hosts the subscribers.
package main

import (
	"os"

	"github.com/llnhnv/perftest-bench/internal/app"
)

func main() {
	if err := app.Command(app.Publisher).Execute(); err != nil {
		os.Exit(1)
	}
}
