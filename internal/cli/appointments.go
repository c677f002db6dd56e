package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/nudgecrm/internal/crm"
)

// AppointmentBookOptions holds flags for appointment book.
type AppointmentBookOptions struct {
	*RootOptions
	Patient int64
	At      string
	Notes   string
}

// NewAppointmentCommand creates the appointment command group.
func NewAppointmentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appointment",
		Short: "Book appointments against session packages",
	}
	cmd.AddCommand(newAppointmentBookCommand(rootOpts))
	return cmd
}

func newAppointmentBookCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppointmentBookOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book a visit and use a session from the active package",
		Long: `Book a visit and use one session from the patient's active package.

Fails with EXHAUSTED when the patient has no package with sessions left.

Example:
  nudgecrm appointment book --patient 7 --at 2026-03-04T10:30:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppointmentBook(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Patient, "patient", 0, "patient id (required)")
	cmd.Flags().StringVar(&opts.At, "at", "", "visit time, RFC 3339 (required)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes for the visit")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}

func runAppointmentBook(opts *AppointmentBookOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	at, err := time.Parse(time.RFC3339, opts.At)
	if err != nil {
		return formatter.Fail("invalid argument", crm.NewInvalidError("invalid --at %q: want RFC 3339", opts.At), nil)
	}

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	appt, err := a.ledger.BookAppointment(cmd.Context(), opts.Patient, at, opts.Notes)
	if err != nil {
		return formatter.Fail("failed to book appointment", err, nil)
	}

	return formatter.Emit(appt, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Booked appointment %d for patient %d at %s\n",
			appt.ID, appt.PatientID, appt.ScheduledAt.Format(time.RFC3339))
		if appt.PatientPackageID != nil {
			fmt.Fprintf(w, "  paid from patient package %d\n", *appt.PatientPackageID)
		}
	})
}
