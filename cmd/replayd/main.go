// replayd CLI - record-and-replay HTTP proxy
package main

import (
	"os"

	"github.com/getmockd/replayd/pkg/cli"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var commands = map[string]bool{
	"serve":      true,
	"inspect":    true,
	"version":    true,
	"help":       true,
	"completion": true,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	info := cli.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}
	return cli.Execute(info, normalizeArgs(args), os.Stderr)
}

// normalizeArgs makes serve the default command: bare flags and unknown
// arguments are handed to serve.
func normalizeArgs(args []string) []string {
	switch {
	case len(args) == 0:
		return []string{"serve"}
	case args[0] == "--help" || args[0] == "-h":
		return args
	case args[0] == "--version" || args[0] == "-v":
		return []string{"version"}
	case commands[args[0]]:
		return args
	default:
		return append([]string{"serve"}, args...)
	}
}
