// Command netdash is the network diagnostics session engine: a CLI for
// one-shot scans and the daemon serving the dashboard API.
package main

import (
	"github.com/probelab/netdash/cmd/cli"
)

// Build information - set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
