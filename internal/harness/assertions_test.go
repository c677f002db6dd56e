package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/notify"
	"github.com/roach88/nudgecrm/internal/store"
	"github.com/roach88/nudgecrm/internal/testutil"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocationTrace("contact.create", map[string]any{"first_name": "Ada"}, 1)
	r.AddCompletionTrace(CaseOK, map[string]any{"id": int64(1)}, 2)
	r.AddInvocationTrace("package.purchase", map[string]any{"patient": 1, "package": 2}, 3)
	r.AddCompletionTrace(CaseOK, nil, 4)
	r.AddInvocationTrace("checks.run", map[string]any{}, 5)
	r.AddCompletionTrace(CaseOK, nil, 6)
	r.AddInvocationTrace("checks.run", map[string]any{}, 7)
	r.AddCompletionTrace(CaseOK, nil, 8)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "package.purchase", Args: map[string]any{"package": 2}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "checks.run"}))

	err := assertTraceContains(trace, Assertion{Action: "package.purchase", Args: map[string]any{"package": 3}})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"contact.create", "package.purchase", "checks.run"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"checks.run", "contact.create"}})
	assert.ErrorContains(t, err, "should be before")

	err = assertTraceOrder(trace, Assertion{Actions: []string{"contact.create", "task.complete"}})
	assert.ErrorContains(t, err, "missing action: task.complete")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "checks.run", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "task.complete", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(trace, Assertion{Action: "checks.run", Count: 1}), "2 occurrences")
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"equal strings", "Client", "Client", true},
		{"different strings", "Client", "Lead", false},
		{"string vs int", "1", int64(1), false},
		{"int vs int64", 3, int64(3), true},
		{"int vs float64", 3, float64(3), true},
		{"int vs fractional float", 3, 3.5, false},
		{"float vs float", 450.0, 450.0, true},
		{"float vs int64", 450.0, int64(450), true},
		{"bool vs bool", true, true, true},
		{"bool vs 1", true, int64(1), true},
		{"false vs 0", false, int64(0), true},
		{"true vs 0", true, int64(0), false},
		{"bool vs string", true, "true", false},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, int64(0), false},
		{"value vs nil", 0, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestBuildWhereClause(t *testing.T) {
	clause, args, err := buildWhereClause(map[string]any{"status": "sent", "patient_id": 1, "is_active": true})
	require.NoError(t, err)
	assert.Equal(t, "is_active = ? AND patient_id = ? AND status = ?", clause)
	assert.Equal(t, []any{int64(1), 1, "sent"}, args)

	clause, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, clause)
	assert.Nil(t, args)

	_, _, err = buildWhereClause(map[string]any{"id = 1 OR 1": 1})
	assert.ErrorContains(t, err, "invalid column name")
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "email_type=renewal AND patient_id=2", formatWhereClause(map[string]any{"patient_id": 2, "email_type": "renewal"}))
}

func TestStateAssertions(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testutil.NewFakeClock(DefaultStart)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, err := st.InsertContact(ctx, crm.Contact{
			FirstName: "P",
			Email:     email,
			Status:    crm.StatusClient,
			CreatedAt: clk.Now(),
		})
		require.NoError(t, err)
	}

	t.Run("final_state matches one row", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "contacts",
			Where:  map[string]any{"email": "a@example.com"},
			Expect: map[string]any{"status": "Client", "intake_forms_sent": false},
		})
		assert.NoError(t, err)
	})

	t.Run("final_state rejects ambiguous match", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "contacts",
			Where:  map[string]any{"status": "Client"},
			Expect: map[string]any{"first_name": "P"},
		})
		assert.ErrorContains(t, err, "2 rows matched")
	})

	t.Run("final_state reports wrong value", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "contacts",
			Where:  map[string]any{"email": "b@example.com"},
			Expect: map[string]any{"status": "Lead"},
		})
		assert.ErrorContains(t, err, `field "status" = Client`)
	})

	t.Run("final_state reports missing column", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "contacts",
			Where:  map[string]any{"email": "b@example.com"},
			Expect: map[string]any{"phone": "555"},
		})
		assert.ErrorContains(t, err, `field "phone" not present`)
	})

	t.Run("row_count", func(t *testing.T) {
		assert.NoError(t, assertRowCount(ctx, st, Assertion{Table: "contacts", Count: 2}))
		assert.NoError(t, assertRowCount(ctx, st, Assertion{Table: "automated_messages", Count: 0}))
		assert.ErrorContains(t, assertRowCount(ctx, st, Assertion{Table: "contacts", Where: map[string]any{"status": "Lead"}, Count: 1}), "0 rows")
	})

	t.Run("table name is validated", func(t *testing.T) {
		err := assertRowCount(ctx, st, Assertion{Table: "contacts; DROP TABLE contacts", Count: 0})
		assert.ErrorContains(t, err, "invalid table name")
	})
}

func TestAssertEmailsSent(t *testing.T) {
	ctx := context.Background()
	gw := testutil.NewRecordingGateway()
	for _, to := range []string{"a@example.com", "b@example.com"} {
		_, err := gw.Send(ctx, notify.Message{To: to, Subject: "hello"})
		require.NoError(t, err)
	}

	assert.NoError(t, assertEmailsSent(gw, Assertion{Count: 2}))
	assert.NoError(t, assertEmailsSent(gw, Assertion{To: "a@example.com", Count: 1}))
	assert.ErrorContains(t, assertEmailsSent(gw, Assertion{To: "c@example.com", Count: 1}), "1 emails sent to c@example.com")
}

func TestEvaluateAssertions_RequiresContext(t *testing.T) {
	r := NewResult()
	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertRowCount, Table: "contacts"},
		{Type: AssertEmailsSent},
		{Type: "bogus"},
	}, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "requires database context")
	assert.Contains(t, errs[1], "requires a gateway")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
}
