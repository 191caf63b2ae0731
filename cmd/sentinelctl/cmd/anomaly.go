package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-anomaly-service/internal/app"
	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
	"github.com/couchcryptid/storm-anomaly-service/internal/lifecycle"
)

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <anomaly-id>",
		Short: "Show one anomaly and its workflow jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(core *app.App) error {
				a, err := core.Lifecycle.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				wfs, err := core.Lifecycle.Workflows(cmd.Context(), a.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd, struct {
					Anomaly   *domain.Anomaly   `json:"anomaly"`
					Workflows []domain.Workflow `json:"workflows"`
				}{a, wfs})
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		statuses   []string
		severities []string
		tag        string
		since      time.Duration
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List anomalies, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.AnomalyFilter{Tag: tag, Limit: limit, Offset: offset}
			for _, s := range statuses {
				st := domain.Status(strings.ToLower(strings.TrimSpace(s)))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			for _, s := range severities {
				sev, err := domain.ParseSeverity(s)
				if err != nil {
					return err
				}
				filter.Severities = append(filter.Severities, sev)
			}
			if since > 0 {
				filter.From = time.Now().Add(-since)
			}

			return opts.withApp(cmd, func(core *app.App) error {
				anomalies, total, err := core.Lifecycle.Find(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if opts.output == outputTable {
					return printAnomalyTable(cmd, anomalies, total)
				}
				return printJSON(cmd, struct {
					Total     int               `json:"total"`
					Anomalies []*domain.Anomaly `json:"anomalies"`
				}{total, anomalies})
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (detected, approved, rejected, escalated)")
	cmd.Flags().StringSliceVar(&severities, "severity", nil, "filter by severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	cmd.Flags().DurationVar(&since, "since", 0, "only anomalies detected within this duration")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func printAnomalyTable(cmd *cobra.Command, anomalies []*domain.Anomaly, total int) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tSTATUS\tCONFIDENCE\tDETECTED\tTITLE")
	for _, a := range anomalies {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			a.ID, a.Severity, a.Status, a.Confidence, a.Timestamp.Format(time.RFC3339), a.Title)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(anomalies), total)
	return err
}

func newTransitionCmd(opts *rootOptions) *cobra.Command {
	var (
		reason      string
		priority    string
		title       string
		description string
		severity    string
		confidence  float64
		tags        []string
	)
	cmd := &cobra.Command{
		Use:   "transition <anomaly-id> <approve|reject|escalate|update>",
		Short: "Apply a reviewer action to an anomaly",
		Long: `Apply one lifecycle action as a human reviewer. The change and its
reasoning are recorded in the audit trail.

Escalation raises the severity to --priority (default high) and never
lowers it. Field edits (--title, --description, --severity, --confidence,
--tag) apply to the update action only.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := domain.ParseAction(args[1])
			if err != nil {
				return err
			}
			req := lifecycle.TransitionRequest{
				AnomalyID: args[0],
				Action:    action,
				Actor:     domain.ActorHuman,
				Reasoning: reason,
			}
			if priority != "" {
				if req.Priority, err = domain.ParseSeverity(priority); err != nil {
					return err
				}
			}

			flags := cmd.Flags()
			if flags.Changed("title") {
				req.Edit.Title = &title
			}
			if flags.Changed("description") {
				req.Edit.Description = &description
			}
			if flags.Changed("severity") {
				sev, err := domain.ParseSeverity(severity)
				if err != nil {
					return err
				}
				req.Edit.Severity = &sev
			}
			if flags.Changed("confidence") {
				req.Edit.Confidence = &confidence
			}
			if flags.Changed("tag") {
				req.Edit.Tags = tags
			}

			return opts.withApp(cmd, func(core *app.App) error {
				a, err := core.Lifecycle.Transition(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd, a)
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reasoning recorded in the audit trail")
	cmd.Flags().StringVar(&priority, "priority", "", "severity an escalation raises to")
	cmd.Flags().StringVar(&title, "title", "", "new title (update only)")
	cmd.Flags().StringVar(&description, "description", "", "new description (update only)")
	cmd.Flags().StringVar(&severity, "severity", "", "new severity (update only)")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "new confidence in [0,1] (update only)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replacement tag list (update only)")
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <anomaly-id>",
		Short: "Print the audit trail of an anomaly, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(core *app.App) error {
				entries, err := core.Lifecycle.AuditTrail(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.output != outputTable {
					return printJSON(cmd, entries)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tACTION\tACTOR\tSTATUS\tSEVERITY\tREASONING")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Format(time.RFC3339), e.Action, e.Actor,
						e.CurrentState.Status, e.CurrentState.Severity, e.Reasoning)
				}
				return w.Flush()
			})
		},
	}
}

func newAlertsCmd(opts *rootOptions) *cobra.Command {
	var (
		statuses []string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List high and critical anomalies as alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := lifecycle.AlertFilter{Limit: limit, Offset: offset}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, domain.AlertStatus(strings.ToLower(strings.TrimSpace(s))))
			}

			return opts.withApp(cmd, func(core *app.App) error {
				alerts, total, err := core.Lifecycle.Alerts(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if opts.output != outputTable {
					return printJSON(cmd, struct {
						Total  int            `json:"total"`
						Alerts []domain.Alert `json:"alerts"`
					}{total, alerts})
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ANOMALY\tSEVERITY\tSTATUS\tCONFIDENCE\tTITLE")
				for _, a := range alerts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", a.AnomalyID, a.Severity, a.Status, a.Confidence, a.Title)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by alert status (new, acknowledged, resolved, escalated)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print anomaly totals by status and severity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(core *app.App) error {
				return printJSON(cmd, core.Stats.Snapshot())
			})
		},
	}
}
