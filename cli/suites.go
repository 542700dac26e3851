package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewSuitesCmd creates the "suites" subcommand.
func NewSuitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suites",
		Short: "List the flow's test suites and case statuses",
		RunE:  runSuites,
	}
}

func runSuites(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client := newAPIClient(cfg)

	suites, err := client.ListSuites(cmd.Context(), cfg.FlowID)
	if err != nil {
		return exitError(exitAPI, "%v", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUITE\tCASE\tNAME\tSTATUS\tERROR")
	for _, suite := range suites {
		if len(suite.Cases) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", suite.Name)
			continue
		}
		for _, tc := range suite.Cases {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				suite.Name, tc.ID, tc.Name, tc.Status, tc.ErrorMessage)
		}
	}
	return w.Flush()
}
