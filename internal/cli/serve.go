package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/engine"
	"github.com/roach88/nudgecrm/internal/metrics"
	"github.com/roach88/nudgecrm/internal/scheduler"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr            string
	ShutdownTimeout time.Duration

	// Ready, when set, receives the admin listener address once the
	// server accepts connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daily checks on schedule and serve the admin API",
		Long: `Run the daily checks at the configured time every day and serve a small
admin API until interrupted.

Endpoints:
  GET  /healthz                      liveness
  GET  /metrics                      Prometheus metrics
  POST /checks/run                   run the daily checks now
  GET  /nudges?patient_id=N&limit=N  nudge history, newest first

Example:
  nudgecrm serve --config nudgecrm.yaml --addr :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "admin listen address (overrides admin.addr)")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.cfg.ScheduleSpec()
	if err != nil {
		return outputConfigError(formatter, err)
	}
	s := scheduler.New(a.engine, sched,
		scheduler.WithClock(a.clock),
		scheduler.WithLogger(a.logger),
		scheduler.WithRunOnStart(a.cfg.Schedule.RunOnStart),
	)

	addr := a.cfg.Admin.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           newAdminHandler(a.engine, s, a.metrics, a.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("admin server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s, daily checks at %s. Press Ctrl-C to stop.\n", ln.Addr(), sched)
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve failed", err)
	}
	a.logger.Info("stopped gracefully")
	return nil
}

// checkTrigger runs the daily checks on demand.
type checkTrigger interface {
	Trigger(ctx context.Context) (engine.Summary, error)
}

// historyReader lists nudge history.
type historyReader interface {
	NudgeHistory(ctx context.Context, f engine.HistoryFilter) ([]crm.AutomatedMessage, error)
}

// newAdminHandler builds the admin API.
func newAdminHandler(history historyReader, trigger checkTrigger, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, CLIResponse{Status: "ok"})
	})

	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("POST /checks/run", func(w http.ResponseWriter, r *http.Request) {
		summary, err := trigger.Trigger(r.Context())
		if err != nil {
			logger.Error("manual check run failed", "error", err)
			writeError(w, http.StatusInternalServerError, ErrorCode(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, CLIResponse{Status: "ok", Data: summary, TraceID: summary.RunID})
	})

	mux.HandleFunc("GET /nudges", func(w http.ResponseWriter, r *http.Request) {
		var f engine.HistoryFilter
		var err error
		q := r.URL.Query()
		if v := q.Get("patient_id"); v != "" {
			if f.PatientID, err = strconv.ParseInt(v, 10, 64); err != nil || f.PatientID <= 0 {
				writeError(w, http.StatusBadRequest, string(crm.ErrCodeInvalid), fmt.Sprintf("invalid patient_id %q", v))
				return
			}
		}
		if v := q.Get("limit"); v != "" {
			if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
				writeError(w, http.StatusBadRequest, string(crm.ErrCodeInvalid), fmt.Sprintf("invalid limit %q", v))
				return
			}
		}

		msgs, err := history.NudgeHistory(r.Context(), f)
		if err != nil {
			logger.Error("nudge history failed", "error", err)
			writeError(w, http.StatusInternalServerError, ErrorCode(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, CLIResponse{Status: "ok", Data: msgs})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, resp CLIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: code, Message: message},
	})
}
