package cmd

import (
	"fmt"
	"os"

	"github.com/THPTUHA/careflow/server/runner"
	"github.com/spf13/cobra"
)

var configFile string

var careflowCmd = &cobra.Command{
	Use:   "careflow",
	Short: "Patient follow-up workflow runner",
	Long: `careflow runs clinic follow-up workflows: it queues a job per patient,
walks the workflow graph on each tick and sends the messages its actions
describe.`,
	SilenceUsage: true,
}

func Execute() {
	if err := careflowCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	careflowCmd.PersistentFlags().StringVar(&configFile, "file", "", "YAML config file")
	runner.RegisterFlags(careflowCmd.PersistentFlags())
}

func loadConfig(cmd *cobra.Command) (*runner.Configs, error) {
	return runner.LoadConfig(configFile, cmd.Flags())
}
