package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [DIR]",
	Short: "Create the .stageflow state directory and default config",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	layout, err := config.Init(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", layout.Root())
	fmt.Fprintf(cmd.OutOrStdout(), "edit %s to declare agents\n", layout.ConfigPath())
	return nil
}
