// Package cmd contains the sentinelctl commands. Every command opens the
// anomaly store named by DATABASE_PATH and works on it directly.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-anomaly-service/internal/app"
	"github.com/couchcryptid/storm-anomaly-service/internal/config"
	"github.com/couchcryptid/storm-anomaly-service/internal/observability"
	"github.com/couchcryptid/storm-anomaly-service/internal/workflow"
)

const (
	outputJSON  = "json"
	outputTable = "table"

	workflowDrainTimeout = 30 * time.Second
)

type rootOptions struct {
	output  string
	verbose bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "sentinelctl",
		Short: "Operate the anomaly detection store",
		Long: `sentinelctl runs detection rounds and reviews anomalies against the
store configured by DATABASE_PATH. Sources, AI providers and the scoring
policy are read from the same environment variables as the service.

Examples:
  # Run one detection round for a location
  sentinelctl detect "Porto Alegre" --state RS --query flood

  # Cross-verify uploaded evidence
  sentinelctl detect Houston --upload photo.jpg --upload report.txt

  # Review alerts and approve one
  sentinelctl alerts --status new -o table
  sentinelctl transition 3f6c... approve --reason "confirmed by field team"`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains([]string{outputJSON, outputTable}, opts.output) {
				return fmt.Errorf("unknown output format %q", opts.output)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputJSON, "output format (json, table)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr at debug level")

	root.AddCommand(
		newDetectCmd(opts),
		newIngestCmd(opts),
		newShowCmd(opts),
		newListCmd(opts),
		newTransitionCmd(opts),
		newAuditCmd(opts),
		newAlertsCmd(opts),
		newStatsCmd(opts),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// open wires the detection core. When WORKFLOW_URL is set, triggers are sent
// and linked before the command exits; job status is left to the service.
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.LogLevel = "warn"
	if o.verbose {
		cfg.LogLevel = "debug"
	}
	logger := observability.NewLoggerTo(cmd.ErrOrStderr(), cfg)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	return app.New(cmd.Context(), cfg, logger, metrics, app.WithWorkflows(workflow.WithoutMonitoring()))
}

// withApp opens the core, runs fn, sends any workflow triggers fn queued and
// closes the store.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(*app.App) error) (err error) {
	core, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if core.Dispatcher != nil {
			drainWorkflows(cmd, core.Dispatcher)
		}
		if cerr := core.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(core)
}

// drainWorkflows sends queued triggers and prints their failures to stderr.
// A failed trigger never fails the command that caused it.
func drainWorkflows(cmd *cobra.Command, d *workflow.Dispatcher) {
	ctx, cancel := context.WithTimeout(cmd.Context(), workflowDrainTimeout)
	defer cancel()
	d.Drain(ctx)

	for {
		select {
		case f := <-d.Failures():
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: workflow %s failed for anomaly %s: %v\n", f.Stage, f.AnomalyID, f.Err)
		default:
			return
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
