// mockproxy CLI - intercepting HTTP/HTTPS proxy for tests
package main

import "github.com/getmockd/mockproxy/pkg/cli"

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.BuildDate = BuildDate
	cli.Execute()
}
