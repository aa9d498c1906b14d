package cmd

import (
	"context"
	"os"

	"github.com/THPTUHA/careflow/server/runner"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var tickAsync bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Claim and process due jobs once, then exit",
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

		ctx, cancel := context.WithTimeout(context.Background(), config.Runner.StuckAfter)
		defer cancel()
		report, err := r.Queue.LoadScheduledJobs(ctx, !tickAsync)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	careflowCmd.AddCommand(tickCmd)
	tickCmd.Flags().BoolVar(&tickAsync, "async", false, "dispatch claimed jobs to the worker pool without waiting for results")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
