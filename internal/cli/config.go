package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/nudgecrm/internal/config"
)

// ConfigValidation is the result of config validate.
type ConfigValidation struct {
	Valid    bool   `json:"valid"`
	Store    string `json:"store"`
	Gateway  string `json:"gateway"`
	Schedule string `json:"schedule"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Check and print the effective configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without touching the store",
		Long: `Merge defaults, the config file and NUDGECRM_* variables, then check
the result against the configuration schema.

Exit codes:
  0 - Configuration valid
  2 - Configuration missing, unreadable or invalid`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(rootOpts, cmd)
		},
	}
}

func runConfigValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts, formatter)
	if err != nil {
		return err
	}
	sched, err := cfg.ScheduleSpec()
	if err != nil {
		return outputConfigError(formatter, err)
	}

	result := ConfigValidation{
		Valid:    true,
		Store:    fmt.Sprintf("%s:%s", cfg.Store.Driver, cfg.Store.Path),
		Gateway:  cfg.Gateway.Kind,
		Schedule: sched.String(),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	fmt.Fprintf(formatter.Writer, "  store:    %s\n", result.Store)
	fmt.Fprintf(formatter.Writer, "  gateway:  %s\n", result.Gateway)
	fmt.Fprintf(formatter.Writer, "  schedule: daily at %s\n", result.Schedule)
	return nil
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration with secrets masked",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(rootOpts, cmd)
		},
	}
}

func runConfigShow(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts, formatter)
	if err != nil {
		return err
	}
	if cfg.Gateway.SMTP.Password != "" {
		cfg.Gateway.SMTP.Password = "********"
	}

	if formatter.Format == "json" {
		return formatter.Success(cfg)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render config", err)
	}
	_, err = formatter.Writer.Write(out)
	return err
}

func loadConfig(opts *RootOptions, formatter *OutputFormatter) (config.Config, error) {
	formatter.VerboseLog("Loading config (file %q, env files %v)", opts.ConfigPath, opts.EnvFiles)
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFiles...)
	if err != nil {
		return config.Config{}, outputConfigError(formatter, err)
	}
	return cfg, nil
}

// outputConfigError reports a configuration problem. Config errors are
// command-level errors (exit code 2).
func outputConfigError(formatter *OutputFormatter, err error) error {
	if formatter.Format == "json" {
		_ = formatter.Error(ErrCodeConfig, err.Error(), ConfigValidation{Valid: false})
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Config invalid")
		fmt.Fprintf(formatter.Writer, "  %v\n", err)
	}
	return WrapExitError(ExitCommandError, "invalid config", err)
}
