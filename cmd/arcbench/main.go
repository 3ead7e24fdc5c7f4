// Command arcbench drives a synthetic block workload through the cache and
// exposes Prometheus metrics and optional pprof endpoints.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
