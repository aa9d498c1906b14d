package cmd

import (
	"github.com/THPTUHA/careflow/pkg/logger"
	"github.com/THPTUHA/careflow/server/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the postgres schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		down := len(args) == 1 && args[0] == "down"
		return storage.Migrate(config.PostgresDSN(), down, logger.New(config.LogLevel, config.LogFormat, "migrate"))
	},
}

func init() {
	careflowCmd.AddCommand(migrateCmd)
}
