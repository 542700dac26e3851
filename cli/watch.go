package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	flowotel "github.com/huanidz/flowuni-sub000/otel"
)

// NewWatchCmd creates the "watch" subcommand: the long-running daemon
// that follows the status stream and prints every committed change.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live test case status updates",
		RunE:  runWatch,
	}

	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP collector endpoint (overrides config)")
	cmd.Flags().Bool("otel-insecure", false, "Disable TLS for the OTLP exporter")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint")
	otelInsecure, _ := cmd.Flags().GetBool("otel-insecure")
	if otelEndpoint == "" {
		otelEndpoint = cfg.Otel.Endpoint
		otelInsecure = cfg.Otel.Insecure
	}

	shutdown, err := flowotel.Setup(cmd.Context(), flowotel.SetupConfig{
		Endpoint: otelEndpoint,
		Insecure: otelInsecure,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		_ = shutdown(context.Background())
	}()

	syncer, cleanup, err := buildSyncer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Seed the cache and store before going live so the first printed
	// statuses reflect the backend, not an empty store.
	if err := syncer.Refresh(cmd.Context()); err != nil {
		logger.Warn("initial refresh failed", "error", err)
	}

	if err := syncer.Start(cmd.Context()); err != nil {
		return exitError(exitRuntime, "starting sync: %v", err)
	}
	defer syncer.Stop()

	sub := syncer.Store().SubscribeAll()
	defer sub.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Watching flow %s (Ctrl-C to stop)\n", cfg.FlowID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-sigCh:
			fmt.Fprintln(cmd.OutOrStdout(), "Stopping.")
			return nil
		case changed, ok := <-sub.Changes():
			if !ok {
				return nil
			}
			for caseID, rec := range changed {
				line := fmt.Sprintf("case %s -> %s", caseID, rec.Status)
				if rec.ErrorMessage != "" {
					line += " (" + rec.ErrorMessage + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
		}
	}
}
