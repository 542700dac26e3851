package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCancelCmd creates the "cancel" subcommand. It cancels by task id:
// a fresh process has no task-to-case mapping, and the task id is what
// "run" printed.
func NewCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an outstanding test run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := newAPIClient(cfg)

	resp, err := client.CancelTask(cmd.Context(), args[0])
	if err != nil {
		return exitError(exitAPI, "%v", err)
	}

	if resp.Cancelled {
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s (case %d)\n", args[0], resp.CaseID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s was not cancelled (already finished?)\n", args[0])
	}
	return nil
}
