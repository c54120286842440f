// Command sweepctl drives a running sweeper daemon over gRPC and its HTTP
// monitor.
package main

import (
	"fmt"
	"os"

	"github.com/banshee-data/sweeper/internal/cli"
)

func main() {
	if err := cli.BuildCLI(cli.Options{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
