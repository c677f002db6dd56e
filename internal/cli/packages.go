package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/ledger"
)

// PackageCreateOptions holds flags for package create.
type PackageCreateOptions struct {
	*RootOptions
	Name        string
	Sessions    int
	Price       float64
	Description string
}

// PackagePurchaseOptions holds flags for package purchase.
type PackagePurchaseOptions struct {
	*RootOptions
	Patient int64
	Package int64
}

// PackageStatus is a patient's booking eligibility and package history.
type PackageStatus struct {
	PatientID   int64                `json:"patient_id"`
	Eligibility ledger.Eligibility   `json:"eligibility"`
	Packages    []crm.PatientPackage `json:"packages"`
}

// NewPackageCommand creates the package command group.
func NewPackageCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Manage session packages",
		Long: `Manage the package catalog and patients' purchased packages.

Examples:
  nudgecrm package create --name "Recovery 12" --sessions 12 --price 900
  nudgecrm package purchase --patient 7 --package 2
  nudgecrm package consume 15
  nudgecrm package status 7`,
	}
	cmd.AddCommand(newPackageCreateCommand(rootOpts))
	cmd.AddCommand(newPackageListCommand(rootOpts))
	cmd.AddCommand(newPackagePurchaseCommand(rootOpts))
	cmd.AddCommand(newPackageConsumeCommand(rootOpts))
	cmd.AddCommand(newPackageStatusCommand(rootOpts))
	return cmd
}

func newPackageCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PackageCreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "create",
		Short:         "Add a package to the catalog",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackageCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "package name (required)")
	cmd.Flags().IntVar(&opts.Sessions, "sessions", 0, "number of sessions (required)")
	cmd.Flags().Float64Var(&opts.Price, "price", 0, "price")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("sessions")

	return cmd
}

func runPackageCreate(opts *PackageCreateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.ledger.CreatePackage(cmd.Context(), crm.Package{
		Name:             opts.Name,
		NumberOfSessions: opts.Sessions,
		Price:            opts.Price,
		Description:      opts.Description,
	})
	if err != nil {
		return formatter.Fail("failed to create package", err, nil)
	}

	return formatter.Emit(p, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Created package %d: %s (%d sessions, %.2f)\n", p.ID, p.Name, p.NumberOfSessions, p.Price)
	})
}

func newPackageListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List the package catalog",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackageList(rootOpts, cmd)
		},
	}
}

func runPackageList(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	pkgs, err := a.ledger.ListPackages(cmd.Context())
	if err != nil {
		return formatter.Fail("failed to list packages", err, nil)
	}
	if pkgs == nil {
		pkgs = []crm.Package{}
	}

	return formatter.Emit(pkgs, func(w io.Writer) {
		if len(pkgs) == 0 {
			fmt.Fprintln(w, "No packages.")
			return
		}
		for _, p := range pkgs {
			fmt.Fprintf(w, "%d\t%s\t%d sessions\t%.2f\n", p.ID, p.Name, p.NumberOfSessions, p.Price)
		}
	})
}

func newPackagePurchaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PackagePurchaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Record a patient buying a package",
		Long: `Record a patient buying a package.

The new package becomes the patient's only active package; any package
that was active before is deactivated.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackagePurchase(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Patient, "patient", 0, "patient id (required)")
	cmd.Flags().Int64Var(&opts.Package, "package", 0, "catalog package id (required)")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("package")

	return cmd
}

func runPackagePurchase(opts *PackagePurchaseOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	pp, err := a.ledger.Purchase(cmd.Context(), opts.Patient, opts.Package)
	if err != nil {
		return formatter.Fail("failed to purchase package", err, nil)
	}

	return formatter.Emit(pp, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Patient %d bought package %d (patient package %d, %d sessions)\n",
			pp.PatientID, pp.PackageID, pp.ID, pp.TotalSessions)
	})
}

func newPackageConsumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "consume <patient-package-id>",
		Short:         "Use one session of a purchased package",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackageConsume(rootOpts, args[0], cmd)
		},
	}
}

func runPackageConsume(opts *RootOptions, arg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	id, err := parseID("patient package", arg)
	if err != nil {
		return formatter.Fail("invalid argument", err, nil)
	}

	a, err := openApp(opts, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	pp, err := a.ledger.ConsumeSession(cmd.Context(), id)
	if err != nil {
		return formatter.Fail("failed to consume session", err, nil)
	}

	return formatter.Emit(pp, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Session used: %d of %d, %d remaining\n", pp.SessionsUsed, pp.TotalSessions, pp.SessionsRemaining)
		if !pp.IsActive {
			fmt.Fprintln(w, "  package is no longer active")
		}
	})
}

func newPackageStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <patient-id>",
		Short:         "Show whether a patient can book, and their packages",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackageStatus(rootOpts, args[0], cmd)
		},
	}
}

func runPackageStatus(opts *RootOptions, arg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	id, err := parseID("patient", arg)
	if err != nil {
		return formatter.Fail("invalid argument", err, nil)
	}

	a, err := openApp(opts, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	elig, err := a.ledger.CanBookAppointment(ctx, id)
	if err != nil {
		return formatter.Fail("failed to check eligibility", err, nil)
	}
	pps, err := a.ledger.PackagesFor(ctx, id)
	if err != nil {
		return formatter.Fail("failed to list packages", err, nil)
	}
	if pps == nil {
		pps = []crm.PatientPackage{}
	}

	status := PackageStatus{PatientID: id, Eligibility: elig, Packages: pps}
	return formatter.Emit(status, func(w io.Writer) {
		if elig.CanBook {
			fmt.Fprintf(w, "✓ Patient %d can book (%d sessions remaining)\n", id, elig.SessionsRemaining)
		} else {
			fmt.Fprintf(w, "✗ Patient %d cannot book\n", id)
		}
		for _, pp := range pps {
			active := ""
			if pp.IsActive {
				active = " (active)"
			}
			fmt.Fprintf(w, "  %d\tpackage %d\t%d/%d used\tbought %s%s\n",
				pp.ID, pp.PackageID, pp.SessionsUsed, pp.TotalSessions, pp.PurchaseDate.Format("2006-01-02"), active)
		}
	})
}
