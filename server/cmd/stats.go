package cmd

import (
	"context"
	"time"

	"github.com/THPTUHA/careflow/server/runner"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue counts and stuck jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		r, err := runner.NewRunner(config)
		if err != nil {
			return err
		}
		defer r.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h, err := r.Queue.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(h)
	},
}

func init() {
	careflowCmd.AddCommand(statsCmd)
}
