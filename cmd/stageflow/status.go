package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/tui"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status INSTANCE",
	Short: "Show the stages and open gates of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.engine.GetStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(cmd.OutOrStdout(), status)
	}
	fmt.Fprint(cmd.OutOrStdout(), tui.Summary(status))
	return nil
}

// instanceError reports unsuccessful terminal statuses as a command error.
func instanceError(status engine.Status) error {
	switch status.Status {
	case workflow.InstanceFailed, workflow.InstanceRejected, workflow.InstanceTimedOut, workflow.InstanceCancelled:
		return fmt.Errorf("instance %s %s", status.InstanceID, status.Status)
	}
	return nil
}
