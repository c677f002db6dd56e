package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/notify"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	EnvFiles   []string

	// Clock and Gateway override the configured ones (for testing).
	Clock   clock.Clock
	Gateway notify.Gateway
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the nudgecrm CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nudgecrm",
		Short: "nudgecrm - practice nudge automation",
		Long: `Session packages, pre-visit onboarding and daily nudge checks for a
small practice.

The daily checks send low-session, renewal and dormant-client reminders.
Run them once with "checks run" or on a schedule with "serve".`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", []string{".env"}, "dotenv files with NUDGECRM_* overrides")

	cmd.AddCommand(NewChecksCommand(opts))
	cmd.AddCommand(NewPackageCommand(opts))
	cmd.AddCommand(NewAppointmentCommand(opts))
	cmd.AddCommand(NewContactCommand(opts))
	cmd.AddCommand(NewTaskCommand(opts))
	cmd.AddCommand(NewNudgesCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
