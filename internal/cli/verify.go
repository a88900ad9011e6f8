package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pendergraft/sorobanregistry/pkg/client"
)

func createVerifyCmd() *cobra.Command {
	var toolchain string
	var noVendor bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify <version-id> [dir]",
		Short: "Verify a contract version against local source",
		Long: `Archive a crate or workspace and ask the registry to rebuild it in the
sandbox. The rebuilt WASM hash is compared with the on-chain hash of the
version.

The directory defaults to source.dir from registry.toml, then ".".
Entries named in source.exclude, target and .git are left out.

The sandbox builds offline, so dependencies are vendored into the archive
with "cargo vendor --locked" and a .cargo/config.toml source replacement.
Cargo.lock must be present. Pass --no-vendor when the crate already
carries vendored sources, or when the registry serves a pre-fetched
dependency cache.

EXAMPLES:
  sorobanreg verify 3f1c2a9e-0000-4000-8000-000000000001
  sorobanreg verify 3f1c2a9e-0000-4000-8000-000000000001 ./contracts/token --toolchain 1.79.0
`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := loadProjectConfigSilent()
			dir := "."
			var exclude []string
			if project != nil {
				if project.Source.Dir != "" {
					dir = project.Source.Dir
				}
				exclude = project.Source.Exclude
				if toolchain == "" {
					toolchain = project.Toolchain
				}
			}
			if len(args) == 2 {
				dir = args[1]
			}
			return runVerify(cmd.Context(), cmd.OutOrStdout(), newClient(), args[0], dir, exclude, !noVendor, toolchain, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&toolchain, "toolchain", "", "toolchain pin (default: server's latest)")
	cmd.Flags().BoolVar(&noVendor, "no-vendor", false, "do not vendor dependencies into the archive")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createHistoryCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history <version-id>",
		Short: "Show verification attempts for a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), newClient(), args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runVerify(ctx context.Context, out io.Writer, c *client.Client, versionID, dir string, exclude []string, vendor bool, toolchain string, jsonOutput bool) error {
	var overlays []string
	if vendor {
		if !jsonOutput {
			fmt.Fprintln(out, "Vendoring dependencies...")
		}
		overlay, cleanup, err := vendorDependencies(ctx, dir)
		if err != nil {
			return fmt.Errorf("vendoring dependencies: %w", err)
		}
		defer cleanup()
		overlays = append(overlays, overlay)
	}

	archive, files, err := packSource(dir, exclude, overlays...)
	if err != nil {
		return fmt.Errorf("packing source: %w", err)
	}
	if !jsonOutput {
		fmt.Fprintf(out, "Submitting %d files (%d bytes) for version %s\n", files, len(archive), versionID)
	}

	result, err := c.SubmitVerification(orBackground(ctx), versionID, bytes.NewReader(archive), toolchain)
	if err != nil {
		return fmt.Errorf("verification request failed: %w", err)
	}

	if jsonOutput {
		return printJSON(out, result)
	}
	fmt.Fprintln(out)
	printVerification(out, result)
	return nil
}

func runHistory(ctx context.Context, out io.Writer, c *client.Client, versionID string, jsonOutput bool) error {
	results, err := c.VerificationHistory(orBackground(ctx), versionID)
	if err != nil {
		return fmt.Errorf("failed to get verification history: %w", err)
	}

	if jsonOutput {
		return printJSON(out, map[string]any{"versionId": versionID, "results": results})
	}
	if len(results) == 0 {
		fmt.Fprintf(out, "No verification attempts for %s\n", versionID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tOUTCOME\tTOOLCHAIN\tCOMPUTED\tDURATION")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), strings.ToUpper(r.Outcome), r.ToolchainPin, shortHash(r.ComputedHash), r.DurationMS)
	}
	return w.Flush()
}

func printVerification(out io.Writer, r *client.VerificationResult) {
	switch r.Outcome {
	case "verified":
		fmt.Fprintln(out, "VERIFIED: rebuilt WASM matches the on-chain bytecode")
	case "mismatched":
		fmt.Fprintln(out, "MISMATCHED: rebuilt WASM differs from the on-chain bytecode")
	default:
		fmt.Fprintf(out, "%s: the build did not produce a comparable artifact\n", strings.ToUpper(r.Outcome))
	}
	fmt.Fprintf(out, "  Toolchain: %s\n", r.ToolchainPin)
	fmt.Fprintf(out, "  On-chain:  %s\n", r.OnchainHash)
	if r.ComputedHash != "" {
		fmt.Fprintf(out, "  Computed:  %s\n", r.ComputedHash)
	}
	printDetail(out, r.Detail)
	fmt.Fprintf(out, "  Duration:  %dms\n", r.DurationMS)
}

// printDetail prints the diagnostics the server attaches to a result:
// the failure kind and log for build failures, sizes and the first
// differing byte for mismatches.
func printDetail(out io.Writer, d map[string]any) {
	if kind, ok := d["kind"].(string); ok && kind != "" {
		msg, _ := d["message"].(string)
		fmt.Fprintf(out, "  Failure:   %s: %s\n", kind, msg)
	}
	if code, ok := d["exit_code"].(float64); ok && code != 0 {
		fmt.Fprintf(out, "  Exit code: %d\n", int(code))
	}
	if offset, ok := d["first_diff_offset"].(float64); ok && offset >= 0 {
		fmt.Fprintf(out, "  First diff at byte %d\n", int64(offset))
	}
	onchain, ok1 := d["onchain_size"].(float64)
	built, ok2 := d["built_size"].(float64)
	if ok1 && ok2 {
		delta, _ := d["size_delta"].(float64)
		fmt.Fprintf(out, "  Size:      on-chain %d, built %d (%+d)\n", int64(onchain), int64(built), int64(delta))
	}
	if ref, ok := d["log_ref"].(string); ok && ref != "" {
		fmt.Fprintf(out, "  Build log: %s\n", ref)
	}
	if excerpt, ok := d["log_excerpt"].(string); ok && strings.TrimSpace(excerpt) != "" {
		fmt.Fprintln(out, "  Log excerpt:")
		for _, line := range strings.Split(strings.TrimRight(excerpt, "\n"), "\n") {
			fmt.Fprintf(out, "    %s\n", line)
		}
	}
}
