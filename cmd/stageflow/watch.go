package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/tui"
)

var watchExit bool

var watchCmd = &cobra.Command{
	Use:   "watch INSTANCE",
	Short: "Show a live view of an instance's stages",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatchInstance,
}

func init() {
	watchCmd.Flags().BoolVar(&watchExit, "exit", false, "quit once the instance finishes")
	rootCmd.AddCommand(watchCmd)
}

func runWatchInstance(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{logToFile: true})
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("watching instance", "instance", args[0])
	var opts []tui.Option
	if watchExit {
		opts = append(opts, tui.WithExitOnFinish())
	}
	status, err := tui.Run(cmd.Context(), a.engine, args[0], opts...)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), tui.Summary(status))
	return nil
}
