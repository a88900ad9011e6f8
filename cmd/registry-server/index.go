package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pendergraft/sorobanregistry/internal/server"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Run the indexer by hand",
	}
	cmd.AddCommand(newIndexSyncCmd())
	cmd.AddCommand(newIndexRangeCmd())
	cmd.AddCommand(newIndexStatusCmd())
	return cmd
}

func newIndexSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <network>",
		Short: "Index from the stored cursor up to the latest ledger, then exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, comps *server.Components) error {
				res, err := comps.Indexer.Sync(ctx, args[0])
				if res != nil {
					fmt.Printf("ledgers=%d skipped=%d contracts=%d versions=%d retired=%d\n",
						res.Ledgers, res.Skipped, res.NewContracts, res.NewVersions, res.Retired)
				}
				return err
			})
		},
	}
}

func newIndexRangeCmd() *cobra.Command {
	var from, to uint32

	cmd := &cobra.Command{
		Use:   "range <network>",
		Short: "Process an explicit ledger range",
		Long: `Process an explicit ledger range. Ledgers at or below the cursor are
skipped; a range starting past the cursor replays the gap first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, comps *server.Components) error {
				res, err := comps.Indexer.ProcessLedgerRange(ctx, args[0], from, to)
				if res != nil {
					fmt.Printf("ledgers=%d skipped=%d contracts=%d versions=%d retired=%d\n",
						res.Ledgers, res.Skipped, res.NewContracts, res.NewVersions, res.Retired)
				}
				return err
			})
		},
	}
	cmd.Flags().Uint32Var(&from, "from", 0, "first ledger (required)")
	cmd.Flags().Uint32Var(&to, "to", 0, "last ledger, inclusive (required)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newIndexStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cursor of every network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, comps *server.Components) error {
				status, err := comps.Indexer.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NETWORK\tLAST LEDGER\tLATEST\tLAG\tDEGRADED")
				for _, s := range status {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\n", s.Network, s.LastLedger, s.LatestLedger, s.Lag, s.Degraded)
				}
				return w.Flush()
			})
		},
	}
}

// withComponents opens the store, builds the services and runs fn
func withComponents(ctx context.Context, fn func(ctx context.Context, comps *server.Components) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx, quietLogger())
	if err != nil {
		return err
	}
	defer e.Close()

	comps, err := server.Build(e.cfg, e.store, nil, e.logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	return fn(ctx, comps)
}
