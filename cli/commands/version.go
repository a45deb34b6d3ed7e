package commands

import (
	"fmt"
	"runtime/debug"

	"csbx.dev/broker/version"
)

type VersionCommand struct{}

func (c *VersionCommand) Synopsis() string {
	return "Print the version"
}

func (c *VersionCommand) Help() string {
	return "Usage: sandbox-broker version"
}

func (c *VersionCommand) Run(args []string) int {
	info := version.GetInfo()
	if info.Version == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
			fmt.Println(bi.Main.Version)
			return 0
		}
	}
	fmt.Println(info.String())
	return 0
}
