package main

import (
	"github.com/spf13/cobra"

	"github.com/trezcool/kanisa/storage/database"
)

var migrateFunc = database.Migrate // mockable

func (cli *commandLine) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate COMMAND [ARGS]",
		Short: "Run a goose migration command (up, down, status, up-to VERSION, ...)",
		Long: `Run a goose command against the embedded SQL migrations.

Examples:
  admin migrate up
  admin migrate down-to 1
  admin migrate status`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_ = cmd.Help()
				return errHelp
			}
			return migrateFunc(cmd.Context(), cli.db, args[0], args[1:]...)
		},
	}
}
