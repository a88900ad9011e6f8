package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pendergraft/sorobanregistry/internal/server"
)

func newDrillCmd() *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "drill <category>",
		Short: "Run a recovery drill for an incident category",
		Long: `Run a recovery drill. By default the drill is simulated and prints the
plan with its RTO budget. With --live a drill incident is opened and driven
through the real recovery sequence.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, comps *server.Components) error {
				if live && !confirm(fmt.Sprintf("Run a live %s drill against this registry?", args[0])) {
					return fmt.Errorf("aborted")
				}
				report, err := comps.Coordinator.RunDrill(ctx, args[0], !live)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "open and drive a real drill incident")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <backup-ref>",
		Short: "Restore the registry from a backup through the recovery operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, comps *server.Components) error {
				if !yes && !confirm(fmt.Sprintf("Restore from %s? Data written after the backup may be lost.", args[0])) {
					return fmt.Errorf("aborted")
				}
				report, err := comps.Coordinator.RestoreFromBackup(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("restored %s in %s\n", report.BackupRef, report.Duration)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// confirm asks on a terminal. Without one it refuses, so scripts must pass
// an explicit flag.
func confirm(question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
