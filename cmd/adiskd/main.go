// Command adiskd is the daemon entrypoint for the diamond search-engine
// core: it loads configuration, wires the cache DB, object disk, and
// metrics exporter, and blocks serving them until asked to stop. The wire
// protocol that hands it connections is an external collaborator (spec.md
// §1 Non-goals) and is not implemented here.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

var (
	version   = "0.1.0"
	commit    = "unknown"
	buildDate = "unknown"
)

// CLI is the root command set, dispatched by kong.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run the adiskd daemon."`
	Config  ConfigCmd  `cmd:"" help:"Inspect or validate configuration."`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("adiskd"),
		kong.Description("diamond per-server search-engine core"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "adiskd:", err)
		os.Exit(1)
	}
}
