package commands

import (
	"github.com/mitchellh/cli"
)

func AllCommands() map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"api": func() (cli.Command, error) {
			return &APICommand{}, nil
		},

		"worker": func() (cli.Command, error) {
			return &WorkerCommand{}, nil
		},

		"all": func() (cli.Command, error) {
			return &AllCommand{}, nil
		},

		"setup-table": func() (cli.Command, error) {
			return &SetupTableCommand{}, nil
		},

		"version": func() (cli.Command, error) {
			return &VersionCommand{}, nil
		},
	}
}
