package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pendergraft/sorobanregistry/pkg/client"
)

func createIncidentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "incident",
		Aliases: []string{"incidents"},
		Short:   "Incident commands",
	}

	cmd.AddCommand(createIncidentReportCmd())
	cmd.AddCommand(createIncidentListCmd())
	cmd.AddCommand(createIncidentShowCmd())
	cmd.AddCommand(createIncidentUpdateCmd())
	cmd.AddCommand(createIncidentDrillCmd())

	return cmd
}

func createIncidentReportCmd() *cobra.Command {
	var req client.ReportRequest
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report an incident",
		Long: `Open an incident. The affected contract is isolated before the command
returns and recovery continues on the server.

EXAMPLES:
  sorobanreg incident report --category oracle --contract CA3D... \
    --description "price feed stuck at 0"
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.ContractID != "" {
				req.Network = getNetwork()
			}
			return runIncidentReport(cmd.Context(), cmd.OutOrStdout(), newClient(), req, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&req.Category, "category", "", "category (token, bridge, dex, lending, oracle, other) (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "what happened (required)")
	cmd.Flags().StringVar(&req.ContractID, "contract", "", "affected contract id")
	cmd.Flags().StringVar(&req.Type, "type", "manual", "incident type")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

func createIncidentListCmd() *cobra.Command {
	var states []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		Long: `List incidents, newest first.

EXAMPLES:
  sorobanreg incident list
  sorobanreg incident list --state recovering --state verifying
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidentList(cmd.Context(), cmd.OutOrStdout(), newClient(), states, jsonOutput)
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createIncidentShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <incident-id>",
		Short: "Show an incident and its transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidentShow(cmd.Context(), cmd.OutOrStdout(), newClient(), args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createIncidentUpdateCmd() *cobra.Command {
	var lessons string
	var notified bool
	var abandon bool
	var resume bool

	cmd := &cobra.Command{
		Use:   "update <incident-id>",
		Short: "Record lessons, mark users notified, abandon or resume",
		Long: `Edit an incident.

EXAMPLES:
  sorobanreg incident update 7d0e... --lessons "add a second price source"
  sorobanreg incident update 7d0e... --notified
  sorobanreg incident update 7d0e... --resume
  sorobanreg incident update 7d0e... --abandon
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req client.UpdateRequest
			if cmd.Flags().Changed("lessons") {
				req.LessonsLearned = &lessons
			}
			if cmd.Flags().Changed("notified") {
				req.NotifiedUsers = &notified
			}
			req.Abandon = abandon
			req.Resume = resume
			return runIncidentUpdate(cmd.Context(), cmd.OutOrStdout(), newClient(), args[0], req)
		},
	}

	cmd.Flags().StringVar(&lessons, "lessons", "", "lessons learned")
	cmd.Flags().BoolVar(&notified, "notified", false, "users have been notified")
	cmd.Flags().BoolVar(&abandon, "abandon", false, "stop recovery and abandon the incident")
	cmd.Flags().BoolVar(&resume, "resume", false, "retry a stalled recovery")
	cmd.MarkFlagsMutuallyExclusive("abandon", "resume")

	return cmd
}

func createIncidentDrillCmd() *cobra.Command {
	var live bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "drill <category>",
		Short: "Run a recovery drill",
		Long: `Run a recovery drill for a category. Drills are simulated unless --live
is given, in which case a drill incident is driven through recovery.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidentDrill(cmd.Context(), cmd.OutOrStdout(), newClient(), args[0], !live, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "drive a real drill incident")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runIncidentReport(ctx context.Context, out io.Writer, c *client.Client, req client.ReportRequest, jsonOutput bool) error {
	inc, err := c.ReportIncident(orBackground(ctx), req)
	if err != nil {
		return fmt.Errorf("failed to report incident: %w", err)
	}
	if jsonOutput {
		return printJSON(out, inc)
	}
	fmt.Fprintf(out, "Reported incident %s (%s, state %s)\n", inc.ID, inc.Category, inc.State)
	return nil
}

func runIncidentList(ctx context.Context, out io.Writer, c *client.Client, states []string, jsonOutput bool) error {
	incidents, err := c.ListIncidents(orBackground(ctx), states...)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	if jsonOutput {
		return printJSON(out, map[string]any{"incidents": incidents, "count": len(incidents)})
	}
	if len(incidents) == 0 {
		fmt.Fprintln(out, "No incidents found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tSTATE\tSTARTED\tCONTRACT")
	for _, inc := range incidents {
		state := inc.State
		if inc.Stalled {
			state += " (stalled)"
		}
		if inc.Drill {
			state += " [drill]"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", inc.ID, inc.Category, state, inc.StartTime.Format(time.RFC3339), inc.ContractID)
	}
	return w.Flush()
}

func runIncidentShow(ctx context.Context, out io.Writer, c *client.Client, id string, jsonOutput bool) error {
	inc, err := c.GetIncident(orBackground(ctx), id)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("incident %s not found", id)
		}
		return fmt.Errorf("failed to get incident: %w", err)
	}
	if jsonOutput {
		return printJSON(out, inc)
	}
	printIncident(out, inc)
	return nil
}

func runIncidentUpdate(ctx context.Context, out io.Writer, c *client.Client, id string, req client.UpdateRequest) error {
	if req.LessonsLearned == nil && req.NotifiedUsers == nil && !req.Abandon && !req.Resume {
		return fmt.Errorf("nothing to update: pass --lessons, --notified, --abandon or --resume")
	}
	inc, err := c.UpdateIncident(orBackground(ctx), id, req)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	fmt.Fprintf(out, "Incident %s is %s\n", inc.ID, inc.State)
	return nil
}

func runIncidentDrill(ctx context.Context, out io.Writer, c *client.Client, category string, simulate, jsonOutput bool) error {
	report, err := c.RunDrill(orBackground(ctx), category, simulate)
	if err != nil {
		return fmt.Errorf("drill failed: %w", err)
	}
	if jsonOutput {
		return printJSON(out, report)
	}

	mode := "live"
	if report.Simulated {
		mode = "simulated"
	}
	fmt.Fprintf(out, "Drill %s (%s)\n", report.Category, mode)
	fmt.Fprintf(out, "  Plan:  %s\n", strings.Join(report.Plan, " -> "))
	fmt.Fprintf(out, "  Check: %s\n", report.Check)
	if report.State != "" {
		fmt.Fprintf(out, "  State: %s\n", report.State)
	}
	if report.RTO != "" {
		fmt.Fprintf(out, "  RTO:   %s\n", report.RTO)
	}
	return nil
}

func printIncident(out io.Writer, inc *client.Incident) {
	fmt.Fprintf(out, "Incident:    %s\n", inc.ID)
	fmt.Fprintf(out, "Category:    %s\n", inc.Category)
	fmt.Fprintf(out, "Type:        %s\n", inc.Type)
	fmt.Fprintf(out, "State:       %s\n", inc.State)
	if inc.ContractID != "" {
		fmt.Fprintf(out, "Contract:    %s (%s)\n", inc.ContractID, inc.Network)
	}
	fmt.Fprintf(out, "Description: %s\n", inc.Description)
	fmt.Fprintf(out, "Started:     %s\n", inc.StartTime.Format(time.RFC3339))
	if inc.EndTime != nil {
		fmt.Fprintf(out, "Ended:       %s\n", inc.EndTime.Format(time.RFC3339))
	}
	if inc.RTOAchieved != "" {
		fmt.Fprintf(out, "RTO:         %s\n", inc.RTOAchieved)
	}
	if inc.RPOAchieved != "" {
		fmt.Fprintf(out, "RPO:         %s\n", inc.RPOAchieved)
	}
	fmt.Fprintf(out, "Attempts:    %d\n", inc.RecoveryAttempts)
	if inc.Stalled {
		fmt.Fprintf(out, "Stalled:     %s\n", inc.LastError)
	}
	if inc.LessonsLearned != "" {
		fmt.Fprintf(out, "Lessons:     %s\n", inc.LessonsLearned)
	}

	if len(inc.Transitions) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Transitions:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, tr := range inc.Transitions {
			from := tr.From
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n", tr.CreatedAt.Format(time.RFC3339), from, tr.To, tr.Note)
		}
		w.Flush()
	}
}
