package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/onboarding"
)

// ContactAddOptions holds flags for contact add.
type ContactAddOptions struct {
	*RootOptions
	FirstName string
	LastName  string
	Email     string
	Status    string
}

// ContactResult is a contact plus the pre-visit automation it triggered.
type ContactResult struct {
	Contact  crm.Contact        `json:"contact"`
	PreVisit *onboarding.Result `json:"pre_visit,omitempty"`
}

// NewContactCommand creates the contact command group.
func NewContactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts and pre-visit onboarding",
		Long: `Manage contacts and their pre-visit onboarding.

A contact that becomes a Client gets the intake forms email and the
onboarding tasks. Re-running the automation only fills in missing steps.

Examples:
  nudgecrm contact add --first-name Dana --email dana@example.com
  nudgecrm contact status 7 Client
  nudgecrm contact previsit 7`,
	}
	cmd.AddCommand(newContactAddCommand(rootOpts))
	cmd.AddCommand(newContactStatusCommand(rootOpts))
	cmd.AddCommand(newContactPreVisitCommand(rootOpts))
	cmd.AddCommand(newContactIntakeCompleteCommand(rootOpts))
	return cmd
}

func newContactAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ContactAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "add",
		Short:         "Add a contact",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContactAdd(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.FirstName, "first-name", "", "first name (required)")
	cmd.Flags().StringVar(&opts.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&opts.Status, "status", string(crm.StatusLead), `Lead, Client, "Past Client" or Dormant`)
	_ = cmd.MarkFlagRequired("first-name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func runContactAdd(opts *ContactAddOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	c, res, err := a.onboarding.CreateContact(cmd.Context(), crm.Contact{
		FirstName: opts.FirstName,
		LastName:  opts.LastName,
		Email:     opts.Email,
		Status:    crm.ContactStatus(opts.Status),
	})
	return outputContact(formatter, "failed to add contact", c, res, err)
}

func newContactStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <patient-id> <status>",
		Short: "Change a contact's status",
		Long: `Change a contact's status.

Moving a contact into Client from any other status starts the pre-visit
automation.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContactStatus(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runContactStatus(opts *RootOptions, idArg, status string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	id, err := parseID("patient", idArg)
	if err != nil {
		return formatter.Fail("invalid argument", err, nil)
	}

	a, err := openApp(opts, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	c, res, err := a.onboarding.SetStatus(cmd.Context(), id, crm.ContactStatus(status))
	return outputContact(formatter, "failed to change status", c, res, err)
}

func newContactPreVisitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "previsit <patient-id>",
		Short:         "Run the pre-visit automation for a contact",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContactPreVisit(rootOpts, args[0], cmd)
		},
	}
}

func runContactPreVisit(opts *RootOptions, idArg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	id, err := parseID("patient", idArg)
	if err != nil {
		return formatter.Fail("invalid argument", err, nil)
	}

	a, err := openApp(opts, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.onboarding.TriggerPreVisitAutomation(cmd.Context(), id)
	if err != nil {
		if crm.IsDelivery(err) {
			return formatter.Fail("intake email not delivered", err, res)
		}
		return formatter.Fail("pre-visit automation failed", err, nil)
	}

	return formatter.Emit(res, func(w io.Writer) {
		writePreVisitText(w, res)
	})
}

func newContactIntakeCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "intake-complete <patient-id>",
		Short:         "Record that a contact returned the intake forms",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContactIntakeComplete(rootOpts, args[0], cmd)
		},
	}
}

func runContactIntakeComplete(opts *RootOptions, idArg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	id, err := parseID("patient", idArg)
	if err != nil {
		return formatter.Fail("invalid argument", err, nil)
	}

	a, err := openApp(opts, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.onboarding.MarkIntakeCompleted(cmd.Context(), id)
	if err != nil {
		return formatter.Fail("failed to record intake forms", err, nil)
	}

	return formatter.Emit(c, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Intake forms completed for %s (%d)\n", c.FullName(), c.ID)
	})
}

// outputContact reports a contact change. A failed intake email still
// changed the contact, so the result goes out with the error.
func outputContact(formatter *OutputFormatter, failMsg string, c crm.Contact, res *onboarding.Result, err error) error {
	out := ContactResult{Contact: c, PreVisit: res}
	if err != nil {
		if crm.IsDelivery(err) {
			return formatter.Fail("intake email not delivered", err, out)
		}
		return formatter.Fail(failMsg, err, nil)
	}

	return formatter.Emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s (%d) <%s> is %s\n", c.FullName(), c.ID, c.Email, c.Status)
		if res != nil {
			writePreVisitText(w, *res)
		}
	})
}

func writePreVisitText(w io.Writer, res onboarding.Result) {
	if res.IntakeEmailSent {
		fmt.Fprintln(w, "  intake forms email sent")
	}
	for _, t := range res.TasksCreated {
		fmt.Fprintf(w, "  task %d created: %s\n", t.ID, t.TaskType)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "  skipped: %s\n", s)
	}
}
