package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeWait bool

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-evaluate every stored instance after a restart",
	Long: `resume loads every non-terminal instance, dispatches stages whose executor
was lost with a new attempt number, times out overdue gates and starts stages
that became ready. Run it only when no other process owns the state.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeWait, "wait", true, "run resumed command stages before exiting")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	n, err := a.engine.Resume(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resumed %d instance(s)\n", n)
	if !resumeWait || n == 0 {
		return nil
	}
	ids, err := a.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		status, err := a.settle(ctx, id)
		if err != nil {
			return err
		}
		if status.Status.IsTerminal() {
			a.logger.Debug("instance settled", "instance", id, "status", status.Status)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, status.Status)
	}
	return nil
}
