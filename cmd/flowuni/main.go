package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/huanidz/flowuni-sub000/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowuni",
	Short: "Flowuni flow-test client",
	Long:  "Flowuni is a client for managing flow test suites and following their run statuses live.",
	// Errors are reported by main, not by printing usage.
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to flowuni.yaml")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("flowuni version %s\n", version))

	rootCmd.AddCommand(cli.NewWatchCmd())
	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewCancelCmd())
	rootCmd.AddCommand(cli.NewSuitesCmd())
	rootCmd.AddCommand(cli.NewEventsCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
}
