package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/huanidz/flowuni-sub000/api"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <case-id>",
		Short: "Run a test case",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().Bool("watch", false, "Follow the run until it reaches a terminal status")
	cmd.Flags().Duration("timeout", 10*time.Minute, "Watch timeout")
	cmd.Flags().Bool("suite", false, "Treat the id as a suite id and run all of its cases")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return exitError(exitConfig, "invalid id %q: %v", args[0], err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	syncer, cleanup, err := buildSyncer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	watch, _ := cmd.Flags().GetBool("watch")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asSuite, _ := cmd.Flags().GetBool("suite")

	if watch {
		if err := syncer.Start(cmd.Context()); err != nil {
			return exitError(exitRuntime, "starting sync: %v", err)
		}
		defer syncer.Stop()
	}

	if asSuite {
		taskIDs, err := syncer.RunSuite(cmd.Context(), id)
		if err != nil {
			return runError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Suite %d queued: %d task(s)\n", id, len(taskIDs))
		return nil
	}

	taskID, err := syncer.RunCase(cmd.Context(), id)
	if err != nil {
		return runError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Case %d queued (task %s)\n", id, taskID)

	if !watch {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rec, err := syncer.WaitForCase(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return exitError(exitTimeout, "case %d still %s after %s", id, rec.Status, timeout)
	}
	if err != nil {
		return exitError(exitRuntime, "watching case %d: %v", id, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Case %d finished: %s\n", id, rec.Status)
	if rec.ErrorMessage != "" {
		fmt.Fprintln(cmd.OutOrStdout(), rec.ErrorMessage)
	}
	return nil
}

func runError(err error) error {
	if errors.Is(err, api.ErrConflict) {
		return exitError(exitAPI, "rejected: %v", err)
	}
	return exitError(exitAPI, "%v", err)
}
