package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/engine"
)

// NudgesHistoryOptions holds flags for nudges history.
type NudgesHistoryOptions struct {
	*RootOptions
	Patient int64
	Limit   int
}

// NewNudgesCommand creates the nudges command group.
func NewNudgesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nudges",
		Short: "Inspect automated messages",
	}
	cmd.AddCommand(newNudgesHistoryCommand(rootOpts))
	return cmd
}

func newNudgesHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NudgesHistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List nudges, newest first",
		Long: `List low-session, renewal and dormant nudges, newest first.
Failed deliveries are listed with their error.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNudgesHistory(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Patient, "patient", 0, "only this patient")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum messages to list (0 for all)")

	return cmd
}

func runNudgesHistory(opts *NudgesHistoryOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.Limit < 0 {
		return formatter.Fail("invalid argument", crm.NewInvalidError("--limit must not be negative"), nil)
	}

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	msgs, err := a.engine.NudgeHistory(cmd.Context(), engine.HistoryFilter{PatientID: opts.Patient, Limit: opts.Limit})
	if err != nil {
		return formatter.Fail("failed to read nudge history", err, nil)
	}

	return formatter.Emit(msgs, func(w io.Writer) {
		writeNudgesText(w, msgs)
	})
}

func writeNudgesText(w io.Writer, msgs []crm.AutomatedMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No nudges.")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\tpatient %d\t%s\t%s\t%s\n",
			m.SentAt.Format("2006-01-02 15:04"), m.PatientID, m.EmailType, m.Status, m.Subject)
		if m.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", m.Error)
		}
	}
}
