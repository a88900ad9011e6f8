package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/pendergraft/sorobanregistry/pkg/client"
)

func createStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show indexer progress and supported toolchains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), newClient(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runStatus(ctx context.Context, out io.Writer, c *client.Client, jsonOutput bool) error {
	ctx = orBackground(ctx)

	networks, err := c.IndexerStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get indexer status: %w", err)
	}
	toolchains, latest, err := c.Toolchains(ctx)
	if err != nil {
		return fmt.Errorf("failed to list toolchains: %w", err)
	}
	sortToolchains(toolchains)

	if jsonOutput {
		return printJSON(out, map[string]any{
			"networks":   networks,
			"toolchains": toolchains,
			"latest":     latest,
		})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NETWORK\tLAST LEDGER\tLATEST\tLAG\tHEALTH")
	for _, n := range networks {
		health := "ok"
		if n.Degraded {
			health = "degraded"
			if n.LastError != "" {
				health += ": " + n.LastError
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", n.Network, n.LastLedger, n.LatestLedger, n.Lag, health)
	}
	w.Flush()

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Toolchains:")
	for _, tc := range toolchains {
		marker := ""
		if tc.Pin == latest {
			marker = " (latest)"
		}
		fmt.Fprintf(out, "  %s  rustc %s  %s%s\n", tc.Pin, tc.Rustc, tc.Target, marker)
	}
	return nil
}

// sortToolchains orders pins newest first; pins that are not semver sort last.
func sortToolchains(toolchains []client.Toolchain) {
	canon := func(pin string) string {
		if !strings.HasPrefix(pin, "v") {
			pin = "v" + pin
		}
		return pin
	}
	sort.SliceStable(toolchains, func(i, j int) bool {
		a, b := canon(toolchains[i].Pin), canon(toolchains[j].Pin)
		av, bv := semver.IsValid(a), semver.IsValid(b)
		if av != bv {
			return av
		}
		return semver.Compare(a, b) > 0
	})
}
