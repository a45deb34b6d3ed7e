package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

type WorkerCommand struct{}

func (c *WorkerCommand) Synopsis() string {
	return "Run the background maintenance loops"
}

func (c *WorkerCommand) Help() string {
	return strings.TrimSpace(`
Usage: sandbox-broker worker [options]

  Runs the four maintenance loops against the shared store: upstream
  sync, pending-deletion cleanup, allocation auto-expiry, and stale
  record deletion. No HTTP endpoints are served.

Options:

  -config=<path>  Path to a TOML configuration file.
  -memory         Use the in-memory store instead of DynamoDB
                  (development only).
`)
}

func (c *WorkerCommand) Run(args []string) int {
	var (
		configPath string
		memory     bool
	)
	flags := flag.NewFlagSet("worker", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config file")
	flags.BoolVar(&memory, "memory", false, "use the in-memory store")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, configPath, memory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return 1
	}

	if err := rt.worker().Run(ctx); err != nil {
		rt.log.Error("worker exited", "error", err)
		return 1
	}
	return 0
}
