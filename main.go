package main

import (
	"os"

	"csbx.dev/broker/cli"
)

func main() {
	os.Exit(cli.Run(os.Args))
}
