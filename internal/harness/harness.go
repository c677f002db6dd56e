package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/engine"
	"github.com/roach88/nudgecrm/internal/ledger"
	"github.com/roach88/nudgecrm/internal/notify"
	"github.com/roach88/nudgecrm/internal/onboarding"
	"github.com/roach88/nudgecrm/internal/store"
	"github.com/roach88/nudgecrm/internal/testutil"
)

// PracticeName is used in every email a scenario renders.
const PracticeName = "Harbor Physio"

// Harness holds the services one scenario runs against.
type Harness struct {
	store      *store.SQLiteStore
	clock      *testutil.FakeClock
	gateway    *testutil.RecordingGateway
	ledger     *ledger.Ledger
	engine     *engine.Engine
	onboarding *onboarding.Service
	logger     *slog.Logger
	seq        int64
}

// Run executes a scenario in a fresh in-memory store and returns the result.
//
// An error means the scenario could not run (bad setup, store failure).
// Failed expectations and assertions are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}

	h, err := newHarness(st, testutil.NewFakeClock(start))
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Gateway: h.gateway}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.SQLiteStore, clk *testutil.FakeClock) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tmpl, err := notify.NewTemplates(PracticeName, "")
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	gw := testutil.NewRecordingGateway()
	d := notify.NewDispatcher(gw, tmpl, notify.WithClock(clk), notify.WithLogger(logger))

	return &Harness{
		store:   st,
		clock:   clk,
		gateway: gw,
		ledger:  ledger.New(st, ledger.WithClock(clk), ledger.WithLogger(logger)),
		engine: engine.New(st, d,
			engine.WithClock(clk),
			engine.WithLogger(logger),
			engine.WithRunIDGenerator(testutil.NewSequentialIDs("run")),
		),
		onboarding: onboarding.New(st, d, onboarding.WithClock(clk), onboarding.WithLogger(logger)),
		logger:     logger,
	}, nil
}

func (h *Harness) nextSeq() int64 {
	h.seq++
	return h.seq
}

// invoke runs one action and traces it.
func (h *Harness) invoke(ctx context.Context, name string, args map[string]any, result *Result) (string, map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	result.AddInvocationTrace(name, args, h.nextSeq())

	fn, ok := actions[name]
	if !ok {
		return "", nil, fmt.Errorf("unknown action %q", name)
	}
	out, err := fn(ctx, h, args)

	outputCase := CaseOK
	if err != nil {
		outputCase = caseOf(err)
		out = nil
	}
	result.AddCompletionTrace(outputCase, out, h.nextSeq())
	return outputCase, out, err
}

// executeSetup runs the setup steps. Any failure aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		if _, _, err := h.invoke(ctx, step.Action, step.Args, result); err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		h.logger.Debug("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow runs the flow steps and checks their expect clauses. Step
// errors are outcomes to compare, not failures of the run; only a step
// without an expect clause has to succeed.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		outputCase, out, err := h.invoke(ctx, step.Invoke, step.Args, result)
		h.logger.Debug("flow step completed", "step", i, "action", step.Invoke, "output_case", outputCase)

		if step.Expect == nil {
			if err != nil {
				result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", i, step.Invoke, err))
			}
			continue
		}
		if outputCase != step.Expect.Case {
			msg := fmt.Sprintf("flow[%d] %s: expected case %s, got %s", i, step.Invoke, step.Expect.Case, outputCase)
			if err != nil {
				msg += fmt.Sprintf(" (%v)", err)
			}
			result.AddError(msg)
			continue
		}
		for key, want := range step.Expect.Result {
			got, ok := out[key]
			if !ok {
				result.AddError(fmt.Sprintf("flow[%d] %s: result has no field %q", i, step.Invoke, key))
				continue
			}
			if !stateValuesEqual(want, got) {
				result.AddError(fmt.Sprintf("flow[%d] %s: result %q = %v, want %v", i, step.Invoke, key, got, want))
			}
		}
	}
	return nil
}

// CaseOK is the output case of a step that succeeded.
const CaseOK = "ok"

func caseOf(err error) string {
	if code := crm.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}
