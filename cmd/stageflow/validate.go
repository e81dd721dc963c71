package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/validator"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a workflow definition without storing it",
	Long:  `validate reports every problem in a definition. Use - as FILE to read it from stdin.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the validation result as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	agents, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var result validator.Result
	def, err := loadDefinition(cmd.InOrStdin(), args[0])
	if err != nil {
		result = validator.ParseFailure(err)
	} else {
		result = validator.Validate(def, agents)
	}
	if validateJSON {
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		return validationFailed(args[0], result)
	}
	if result.Valid() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", def.ID)
		return nil
	}
	printValidation(cmd.ErrOrStderr(), result)
	return validationFailed(args[0], result)
}

// loadDefinition reads a definition from path, or from stdin when path is -.
func loadDefinition(stdin io.Reader, path string) (workflow.WorkflowDefinition, error) {
	if path == "-" {
		return workflow.LoadDefinitionReader(stdin)
	}
	return workflow.LoadDefinitionFile(path)
}

// validationFailed summarizes an invalid result; the individual errors are
// printed separately.
func validationFailed(source string, result validator.Result) error {
	if result.Valid() {
		return nil
	}
	return fmt.Errorf("%s: %d validation error(s)", source, len(result.Errors))
}

func printValidation(w io.Writer, result validator.Result) {
	for _, verr := range result.Errors {
		fmt.Fprintf(w, "  %s\n", verr.Error())
		if verr.Hint != "" {
			fmt.Fprintf(w, "    hint: %s\n", verr.Hint)
		}
	}
}
