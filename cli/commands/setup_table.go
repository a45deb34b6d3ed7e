package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"csbx.dev/broker/config"
	"csbx.dev/broker/store"
)

type SetupTableCommand struct{}

func (c *SetupTableCommand) Synopsis() string {
	return "Create the DynamoDB table and its indexes"
}

func (c *SetupTableCommand) Help() string {
	return strings.TrimSpace(`
Usage: sandbox-broker setup-table [options]

  Creates the sandbox pool table with its status, owner, and
  idempotency indexes, then waits for it to become active. Safe to
  run repeatedly; an existing table is left untouched.

Options:

  -config=<path>  Path to a TOML configuration file.
`)
}

func (c *SetupTableCommand) Run(args []string) int {
	var configPath string
	flags := flag.NewFlagSet("setup-table", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config file")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog := newLogger(config.LogConfig{Level: "info", Format: "text"})
	cfg, err := config.Load(configPath, bootLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return 1
	}

	log := newLogger(cfg.Log)
	dyn, err := store.NewDynamo(ctx, log, store.DynamoConfig{
		TableName:   cfg.Store.TableName,
		StatusIndex: cfg.Store.StatusIndex,
		OwnerIndex:  cfg.Store.OwnerIndex,
		IdemIndex:   cfg.Store.IdemIndex,
		Region:      cfg.Store.Region,
		EndpointURL: cfg.Store.EndpointURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return 1
	}

	if err := dyn.EnsureTable(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return 1
	}

	fmt.Printf("table %s is ready\n", cfg.Store.TableName)
	return 0
}
