package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pendergraft/sorobanregistry/pkg/client"
)

func createListCmd() *cobra.Command {
	var limit int
	var status string
	var cursor string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list [contract-id]",
		Short: "List contracts or versions",
		Long: `List indexed contracts on a network, or the versions of one contract.

EXAMPLES:
  # List contracts on the default network
  sorobanreg list

  # Only verified contracts on mainnet
  sorobanreg list --network mainnet --status verified

  # Versions of a contract
  sorobanreg list CA3D5KRYM6CB7OWQ6TWYRR3Z4T7GNZLKERYNZGGA5SOAOPIFY6YQGAXE
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return listVersions(cmd.Context(), out, c, getNetwork(), args[0], jsonOutput)
			}
			opts := client.ListOptions{Status: status, Limit: limit, Cursor: cursor}
			return listContracts(cmd.Context(), out, c, getNetwork(), opts, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of items to show")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (unverified, verified, mismatched, failed)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue from a previous page")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func listContracts(ctx context.Context, out io.Writer, c *client.Client, netName string, opts client.ListOptions, jsonOutput bool) error {
	resp, err := c.ListContracts(orBackground(ctx), netName, opts)
	if err != nil {
		return fmt.Errorf("failed to list contracts: %w", err)
	}

	if jsonOutput {
		return printJSON(out, resp)
	}

	if len(resp.Data) == 0 {
		fmt.Fprintf(out, "No contracts found on %s\n", netName)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTRACT\tSTATUS\tCREATED LEDGER\tCURRENT HASH")
	for _, ct := range resp.Data {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ct.ContractID, ct.Status, ct.CreatedLedger, shortHash(ct.CurrentHash))
	}
	w.Flush()

	if resp.Pagination.HasMore {
		fmt.Fprintf(out, "\nMore available: --cursor %s\n", resp.Pagination.NextCursor)
	}
	return nil
}

func listVersions(ctx context.Context, out io.Writer, c *client.Client, netName, contractID string, jsonOutput bool) error {
	versions, err := c.GetVersions(orBackground(ctx), netName, contractID)
	if err != nil {
		return fmt.Errorf("failed to get versions: %w", err)
	}

	if jsonOutput {
		return printJSON(out, map[string]any{
			"network":    netName,
			"contractId": contractID,
			"versions":   versions,
		})
	}

	if len(versions) == 0 {
		fmt.Fprintf(out, "No versions found for %s\n", contractID)
		return nil
	}

	fmt.Fprintf(out, "Versions of %s on %s:\n\n", contractID, netName)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tID\tLEDGER\tSTATUS\tHASH\t")
	for _, v := range versions {
		current := ""
		if v.Current {
			current = "(current)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", v.Label, v.ID, v.DeployedLedger, v.VerificationStatus, shortHash(v.BytecodeHash), current)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d version(s)\n", len(versions))
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
