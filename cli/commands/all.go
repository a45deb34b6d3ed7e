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

type AllCommand struct{}

func (c *AllCommand) Synopsis() string {
	return "Run the API and the maintenance loops in one process"
}

func (c *AllCommand) Help() string {
	return strings.TrimSpace(`
Usage: sandbox-broker all [options]

  Runs the HTTP API and the four maintenance loops together. This is
  the standard single-process deployment; split into "api" and
  "worker" processes when they need to scale independently.

Options:

  -config=<path>  Path to a TOML configuration file.
  -memory         Use the in-memory store instead of DynamoDB
                  (development only).
`)
}

func (c *AllCommand) Run(args []string) int {
	var (
		configPath string
		memory     bool
	)
	flags := flag.NewFlagSet("all", flag.ContinueOnError)
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
	eg.Go(func() error {
		return rt.worker().Run(sub)
	})

	if err := eg.Wait(); err != nil {
		rt.log.Error("broker exited", "error", err)
		return 1
	}
	return 0
}
