// Command painsync inspects and drives the offline sync queue: it shows
// queue and connectivity status, forces sweeps, manages evicted operations
// and deferred conflicts, and runs the background sync daemon.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
