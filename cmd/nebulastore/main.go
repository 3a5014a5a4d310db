// Command nebulastore runs the embedded object-graph storage engine as a
// standalone process: load configuration, open the storage directory, drive
// startup recovery and background housekeeping, and serve until signaled.
package main

import (
	"fmt"
	"os"

	"github.com/nebulastore/nebulastore/cmd/nebulastore/commands"

	// Import the prometheus metrics backend to register its init() constructor.
	_ "github.com/nebulastore/nebulastore/metrics/prometheus"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
