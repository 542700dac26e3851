package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/huanidz/flowuni-sub000/journal"
)

// NewEventsCmd creates the "events" subcommand: inspect the local
// journal of applied status updates.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show journaled status updates",
		RunE:  runEvents,
	}

	cmd.Flags().String("case", "", "Filter by case id")
	cmd.Flags().Int("limit", 50, "Maximum entries to show (0 = all)")

	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database == "" {
		return exitError(exitConfig, "no database configured; the journal requires the database setting")
	}

	j, err := journal.Open(journal.Config{DSN: cfg.Database})
	if err != nil {
		return exitError(exitRuntime, "opening journal: %v", err)
	}
	defer func() {
		_ = j.Close()
	}()

	caseID, _ := cmd.Flags().GetString("case")
	limit, _ := cmd.Flags().GetInt("limit")

	entries, err := j.List(cmd.Context(), caseID, limit)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tCASE\tSTATUS\tPOSITION\tERROR")
	for _, e := range entries {
		st := "-"
		if e.Update.Status != nil {
			st = string(*e.Update.Status)
		}
		errMsg := "-"
		if e.Update.ErrorMessage != nil && *e.Update.ErrorMessage != "" {
			errMsg = *e.Update.ErrorMessage
		}
		pos := e.Update.StreamID
		if pos == "" {
			pos = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ReceivedAt.Format(time.RFC3339), e.Update.CaseID, st, pos, errMsg)
	}
	return w.Flush()
}
