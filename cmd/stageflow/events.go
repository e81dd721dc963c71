package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/journal"
)

var (
	eventsLimit int
	eventsJSON  bool
)

var eventsCmd = &cobra.Command{
	Use:   "events [INSTANCE]",
	Short: "Print recent engine events from the journal",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "number of events to show")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "print events as JSON lines")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := journal.New(cfg.Layout().EventsPath(), nil)
	if err != nil {
		return err
	}
	instanceID := ""
	if len(args) == 1 {
		instanceID = args[0]
	}
	events, total, err := j.Tail(instanceID, eventsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for _, ev := range events {
		if eventsJSON {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			continue
		}
		parts := []string{ev.At.Format(time.DateTime), ev.InstanceID, string(ev.Type)}
		for _, part := range []string{ev.Stage, ev.Status, ev.Message} {
			if part != "" {
				parts = append(parts, part)
			}
		}
		fmt.Fprintln(out, strings.Join(parts, "  "))
	}
	if !eventsJSON && total > len(events) {
		fmt.Fprintf(out, "(%d of %d events)\n", len(events), total)
	}
	return nil
}
