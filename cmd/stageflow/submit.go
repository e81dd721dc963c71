package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Validate a definition and store it as a new version",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.SubmitDefinition(cmd.Context(), source)
	if !result.Valid() {
		printValidation(cmd.ErrOrStderr(), result)
		return validationFailed(args[0], result)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s@%d\n", result.WorkflowID, result.Version)
	return nil
}
