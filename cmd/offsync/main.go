// Command offsync queues task API writes that fail while offline and
// replays them when the API is reachable again.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/offsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
