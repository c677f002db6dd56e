package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nudgecrm/internal/engine"
)

// NewChecksCommand creates the checks command group.
func NewChecksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checks",
		Short: "Run the daily nudge checks",
	}
	cmd.AddCommand(newChecksRunCommand(rootOpts))
	return cmd
}

func newChecksRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the low-session, renewal and dormant checks once",
		Long: `Run every daily check once and print the summary.

Checks never send the same nudge twice inside its window, so running
this more than once a day is safe.

Exit codes:
  0 - All checks ran cleanly
  1 - One or more patients failed (see errors in the summary)
  2 - Command error (bad config, store unavailable)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChecks(rootOpts, cmd)
		},
	}
}

func runChecks(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.engine.RunDailyChecks(cmd.Context())
	if err != nil {
		return formatter.Fail("daily checks failed", err, nil)
	}
	return outputSummary(formatter, summary)
}

// outputSummary prints a run summary. A summary with check errors is a
// failure (exit code 1) even though the run completed.
func outputSummary(formatter *OutputFormatter, summary engine.Summary) error {
	failed := len(summary.Errors) > 0

	if formatter.Format == "json" {
		response := CLIResponse{Status: "ok", Data: summary, TraceID: summary.RunID}
		if failed {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    ErrCodeChecks,
				Message: fmt.Sprintf("%d check error(s)", len(summary.Errors)),
			}
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
	} else {
		writeSummaryText(formatter.Writer, summary)
	}

	if failed {
		return NewExitError(ExitFailure, fmt.Sprintf("%d check error(s)", len(summary.Errors)))
	}
	return nil
}

func writeSummaryText(w io.Writer, summary engine.Summary) {
	fmt.Fprintf(w, "Run %s at %s\n", summary.RunID, summary.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  low sessions: %d\n", summary.LowSessions)
	fmt.Fprintf(w, "  renewals:     %d\n", summary.Renewals)
	fmt.Fprintf(w, "  dormant:      %d\n", summary.Dormant)

	if len(summary.Errors) == 0 {
		fmt.Fprintln(w, "✓ No check errors")
		return
	}
	fmt.Fprintf(w, "✗ %d check error(s)\n", len(summary.Errors))
	for _, e := range summary.Errors {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
}
