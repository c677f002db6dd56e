package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/config"
	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/engine"
	"github.com/roach88/nudgecrm/internal/ledger"
	"github.com/roach88/nudgecrm/internal/metrics"
	"github.com/roach88/nudgecrm/internal/notify"
	"github.com/roach88/nudgecrm/internal/onboarding"
	"github.com/roach88/nudgecrm/internal/store"
)

// app is the set of services one command runs against.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	clock      clock.Clock
	store      store.Store
	metrics    *metrics.Metrics
	ledger     *ledger.Ledger
	engine     *engine.Engine
	onboarding *onboarding.Service
	closers    []io.Closer
}

// openApp loads the configuration and wires the services. Failures are
// returned as ExitErrors already reported through formatter.
func openApp(opts *RootOptions, formatter *OutputFormatter) (*app, error) {
	logger := newLogger(opts.Verbose, formatter.GetErrWriter())

	cfg, err := config.Load(opts.ConfigPath, opts.EnvFiles...)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	formatter.VerboseLog("Using %s store at %s", cfg.Store.Driver, cfg.Store.Path)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		clock:   opts.Clock,
		metrics: metrics.New(),
	}
	if a.clock == nil {
		a.clock = clock.System{}
	}

	a.store, err = openStore(cfg.Store)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	a.closers = append(a.closers, a.store)

	gw := opts.Gateway
	if gw == nil {
		gw, err = a.openGateway()
		if err != nil {
			a.Close()
			_ = formatter.Error(ErrCodeGateway, err.Error(), nil)
			return nil, WrapExitError(ExitCommandError, "failed to set up gateway", err)
		}
	}

	tmpl, err := notify.NewTemplates(cfg.Practice.Name, cfg.Practice.Incentive)
	if err != nil {
		a.Close()
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load templates", err)
	}
	d := notify.NewDispatcher(gw, tmpl,
		notify.WithClock(a.clock),
		notify.WithLogger(logger),
		notify.WithMetrics(a.metrics),
	)

	a.ledger = ledger.New(a.store, ledger.WithClock(a.clock), ledger.WithLogger(logger))
	a.engine = engine.New(a.store, d,
		engine.WithClock(a.clock),
		engine.WithLogger(logger),
		engine.WithMetrics(a.metrics),
		engine.WithRules(cfg.EngineRules()),
	)
	a.onboarding = onboarding.New(a.store, d, onboarding.WithClock(a.clock), onboarding.WithLogger(logger))
	return a, nil
}

// Close releases the gateway and the store, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("error closing resources", "error", err)
		return err
	}
	return nil
}

func (a *app) openGateway() (notify.Gateway, error) {
	switch a.cfg.Gateway.Kind {
	case "log":
		return notify.NewLogGateway(a.logger), nil
	case "smtp":
		if !a.cfg.Gateway.SMTP.IsConfigured() {
			return nil, fmt.Errorf("smtp gateway selected but host or from address is missing")
		}
		return notify.NewSMTPGateway(a.cfg.Gateway.SMTP), nil
	case "kafka":
		gw := notify.NewKafkaGateway(notify.NewKafkaWriter(a.cfg.Gateway.Kafka))
		a.closers = append(a.closers, gw)
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", a.cfg.Gateway.Kind)
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "json":
		s, err := store.OpenJSON(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newLogger(verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// parseID parses a positional record id.
func parseID(what, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, crm.NewInvalidError("invalid %s id %q", what, arg)
	}
	return id, nil
}
