package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pendergraft/sorobanregistry/pkg/client"
)

func createInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info <contract-id>",
		Short: "Show contract details",
		Long: `Display a contract, its versions, and the latest verification of its
current version.

EXAMPLES:
  sorobanreg info CA3D5KRYM6CB7OWQ6TWYRR3Z4T7GNZLKERYNZGGA5SOAOPIFY6YQGAXE
  sorobanreg info CA3D5KRYM6CB7OWQ6TWYRR3Z4T7GNZLKERYNZGGA5SOAOPIFY6YQGAXE --network mainnet --json
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), cmd.OutOrStdout(), newClient(), getNetwork(), args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

// contractInfo is the --json shape of the info command
type contractInfo struct {
	Contract     *client.Contract           `json:"contract"`
	Versions     []client.Version           `json:"versions"`
	Verification *client.VerificationResult `json:"latestVerification,omitempty"`
}

func runInfo(ctx context.Context, out io.Writer, c *client.Client, netName, contractID string, jsonOutput bool) error {
	ctx = orBackground(ctx)

	ct, err := c.GetContract(ctx, netName, contractID)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("contract %s not indexed on %s", contractID, netName)
		}
		return fmt.Errorf("failed to get contract: %w", err)
	}

	versions, err := c.GetVersions(ctx, netName, contractID)
	if err != nil {
		return fmt.Errorf("failed to get versions: %w", err)
	}

	info := contractInfo{Contract: ct, Versions: versions}
	if ct.CurrentVersionID != "" {
		history, err := c.VerificationHistory(ctx, ct.CurrentVersionID)
		if err != nil {
			return fmt.Errorf("failed to get verification history: %w", err)
		}
		if len(history) > 0 {
			info.Verification = &history[0]
		}
	}

	if jsonOutput {
		return printJSON(out, info)
	}

	fmt.Fprintf(out, "Contract: %s\n", ct.ContractID)
	fmt.Fprintf(out, "Network:  %s\n", ct.Network)
	fmt.Fprintf(out, "Status:   %s\n", ct.Status)
	fmt.Fprintf(out, "Created:  ledger %d\n", ct.CreatedLedger)
	fmt.Fprintf(out, "Current:  %s\n", ct.CurrentHash)
	fmt.Fprintf(out, "Versions: %d\n", len(versions))

	if v := info.Verification; v != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Latest verification of current version:")
		printVerification(out, v)
	}
	return nil
}
