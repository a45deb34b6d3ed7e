package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
)

type APICommand struct{}

func (c *APICommand) Synopsis() string {
	return "Run the sandbox broker HTTP API"
}

func (c *APICommand) Help() string {
	return strings.TrimSpace(`
Usage: sandbox-broker api [options]

  Runs the HTTP API: allocation, release, read, admin, and probe
  endpoints. Background maintenance loops are NOT started; run the
  worker subcommand alongside, or use "all" for a single process.

Options:

  -config=<path>  Path to a TOML configuration file.
  -memory         Use the in-memory store instead of DynamoDB
                  (development only).
`)
}

func (c *APICommand) Run(args []string) int {
	var (
		configPath string
		memory     bool
	)
	flags := flag.NewFlagSet("api", flag.ContinueOnError)
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

	eg, sub := errgroup.WithContext(ctx)
	eg.Go(func() error {
		rt.limiter.Run(sub)
		return nil
	})
	eg.Go(func() error {
		return rt.apiServer().Run(sub)
	})

	if err := eg.Wait(); err != nil {
		rt.log.Error("api exited", "error", err)
		return 1
	}
	return 0
}
