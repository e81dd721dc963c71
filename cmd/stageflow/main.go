// Command stageflow defines, submits and runs multi-stage agent workflows.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "stageflow",
	Short: "Workflow definition and execution engine for agent pipelines",
	Long: `stageflow validates workflow definitions, stores them as immutable versions
and runs instances of them: stages are dispatched to agents in dependency
order, suspended at approval gates and resumed from durable state.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default .stageflow/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
