package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/tui"
	"github.com/kingrea/stageflow/internal/workflow/gate"
)

var (
	approveApprover string
	approveReject   bool
	approveComment  string
	approveWait     bool
)

var approveCmd = &cobra.Command{
	Use:   "approve GATE",
	Short: "Record an approval decision on an open gate",
	Long: `approve records one approver's decision on a gate. Gate ids have the form
INSTANCE/STAGE and are listed by "stageflow status". Use --reject to reject.

With --wait the command keeps running until the stages started by the
decision no longer need this process.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().StringVarP(&approveApprover, "approver", "a", "", "approver id (required)")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "reject instead of approve")
	approveCmd.Flags().StringVarP(&approveComment, "comment", "m", "", "comment stored with the decision")
	approveCmd.Flags().BoolVar(&approveWait, "wait", true, "run stages unblocked by the decision before exiting")
	_ = approveCmd.MarkFlagRequired("approver")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	verdict := gate.Approve
	if approveReject {
		verdict = gate.Reject
	}
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	gateID := args[0]
	if err := a.engine.RecordApproval(ctx, gateID, approveApprover, verdict, approveComment); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded %s by %s on %s\n", verdict, approveApprover, gateID)
	if !approveWait {
		return nil
	}
	instanceID, _, _ := gate.ParseID(gateID)
	status, err := a.settle(ctx, instanceID)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), tui.Summary(status))
	return instanceError(status)
}
