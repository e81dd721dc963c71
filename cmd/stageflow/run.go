package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/tui"
)

var (
	runInputs []string
	runWatch  bool
	runDetach bool
)

var runCmd = &cobra.Command{
	Use:   "run DEFINITION[@VERSION]",
	Short: "Trigger a workflow instance",
	Long: `run starts an instance of the latest (or the given) version of a stored
definition. Inputs are passed as --input key=value; values that parse as JSON
keep their type, anything else is a string.

Without --detach the command keeps running until the instance has no local
command stages left: it finished, waits at an approval gate or waits on
external agents.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "workflow input as key=value (repeatable)")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "show the live stage view")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "print the instance id and exit immediately")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}
	a, err := openApp(cmd, appOptions{logToFile: runWatch})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var opts []tui.Option
	if runWatch {
		// Subscribe before triggering so the first events reach the view.
		sub := a.router.Subscribe("*")
		defer sub.Close()
		opts = append(opts, tui.WithEvents(sub.Events))
	}
	id, err := a.engine.TriggerWorkflow(ctx, args[0], inputs)
	if err != nil {
		return err
	}
	if runDetach {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}
	if runWatch {
		status, err := tui.Run(ctx, a.engine, id, opts...)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), tui.Summary(status))
		return nil
	}
	status, err := a.settle(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), tui.Summary(status))
	return instanceError(status)
}

// parseInputs turns key=value pairs into workflow inputs.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		if _, dup := inputs[key]; dup {
			return nil, fmt.Errorf("input %q given more than once", key)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		inputs[key] = value
	}
	return inputs, nil
}
