// Package cli implements the flowuni subcommands: watching the live
// status stream, running and cancelling cases, listing suites, and
// inspecting the local update journal.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/huanidz/flowuni-sub000/api"
	"github.com/huanidz/flowuni-sub000/cache"
	"github.com/huanidz/flowuni-sub000/config"
	"github.com/huanidz/flowuni-sub000/cursor"
	"github.com/huanidz/flowuni-sub000/journal"
	"github.com/huanidz/flowuni-sub000/live"
	flowotel "github.com/huanidz/flowuni-sub000/otel"
	"github.com/huanidz/flowuni-sub000/status"
	"github.com/huanidz/flowuni-sub000/stream"
)

// loadConfig resolves and loads the configuration honoring the global
// --config flag.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")

	path, found, err := config.Discover(explicit)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "%v", err)
	}
	if !found {
		return config.Config{}, exitError(exitConfig, "no config file found (flowuni.yaml or ~/.flowuni/config.yaml)")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "%v", err)
	}
	return cfg, nil
}

// newLogger builds the process logger honoring --verbose and --quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildSyncer assembles the live sync service from its parts: REST
// client, status store, suite cache, optional SQLite journal (which
// doubles as the durable cursor store), and the stream dialer. The
// returned cleanup closes the journal.
func buildSyncer(cfg config.Config, logger *slog.Logger) (*live.Syncer, func(), error) {
	client := api.NewClient(api.Config{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
	})

	var (
		cursors cursor.Store
		jrnl    live.Journal
		cleanup = func() {}
	)
	if cfg.Database != "" {
		j, err := journal.Open(journal.Config{DSN: cfg.Database})
		if err != nil {
			return nil, nil, exitError(exitRuntime, "opening journal: %v", err)
		}
		cursors = j
		jrnl = j
		cleanup = func() { _ = j.Close() }
	}

	metrics, err := flowotel.NewStreamMetrics(otelapi.GetMeterProvider().Meter("flowuni/stream"))
	if err != nil {
		cleanup()
		return nil, nil, exitError(exitRuntime, "initializing metrics: %v", err)
	}
	tracer := flowotel.NewTaskTracer(otelapi.GetTracerProvider().Tracer("flowuni/task"))

	dial := stream.NewDialer(stream.Config{
		BaseURL:    cfg.ServerURL,
		Token:      cfg.Token,
		RetryDelay: cfg.Stream.RetryDelay,
		Logger:     logger,
	})

	syncer, err := live.NewSyncer(live.Config{
		Backend:          client,
		Dial:             dial,
		Key:              stream.UserKey(cfg.UserID),
		FlowID:           cfg.FlowID,
		Store:            status.NewStore(status.Config{}),
		Cache:            cache.NewSuiteCache(),
		Cursors:          cursors,
		Journal:          jrnl,
		Metrics:          metrics,
		Tracer:           tracer,
		CoalesceInterval: cfg.Stream.CoalesceInterval,
		RefreshCron:      cfg.RefreshCron,
		Logger:           logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, exitError(exitRuntime, "creating syncer: %v", err)
	}

	return syncer, cleanup, nil
}

// newAPIClient builds just the REST client for commands that do not
// need the live subsystem.
func newAPIClient(cfg config.Config) *api.Client {
	return api.NewClient(api.Config{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
	})
}
