package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/discovery"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/validator"
)

var syncCmd = &cobra.Command{
	Use:   "sync [DIR]",
	Short: "Submit every YAML and Go workflow definition found in a directory",
	Long: `sync loads *.yaml, *.yml and *.go files from DIR (default ./workflows).
Go files are interpreted and must declare

	func WorkflowDefinitions() ([]map[string]any, error)

Each definition is validated and stored as a new version. Nothing is stored
unless every definition is valid.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	dir := workflow.DefaultWorkflowDir
	if len(args) == 1 {
		dir = args[0]
	}
	sources, err := discovery.LoadDir(dir)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no workflow definitions in %s\n", dir)
		return nil
	}
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	invalid := 0
	for _, src := range sources {
		result := validator.Validate(src.Definition, a.agents)
		if !result.Valid() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s:\n", src.Path)
			printValidation(cmd.ErrOrStderr(), result)
			invalid++
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", invalid, len(sources))
	}
	for _, src := range sources {
		result, err := a.engine.Submit(cmd.Context(), src.Definition)
		if err != nil {
			return fmt.Errorf("%s: %w", src.Path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s@%d from %s\n", result.WorkflowID, result.Version, src.Path)
	}
	return nil
}
