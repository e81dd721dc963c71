package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel INSTANCE",
	Short: "Cancel a running instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().StringVarP(&cancelReason, "reason", "r", "", "reason stored on the instance")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.CancelInstance(cmd.Context(), args[0], cancelReason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
	return nil
}
