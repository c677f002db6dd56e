package onboarding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/notify"
	"github.com/roach88/nudgecrm/internal/store"
	"github.com/roach88/nudgecrm/internal/testutil"
)

var start = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   store.Store
	clock   *testutil.FakeClock
	gateway *testutil.RecordingGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewFakeClock(start)
	gw := testutil.NewRecordingGateway()
	tmpl, err := notify.NewTemplates("Harbor Physio", "")
	require.NoError(t, err)
	d := notify.NewDispatcher(gw, tmpl, notify.WithClock(clk))

	return &fixture{svc: New(s, d, WithClock(clk)), store: s, clock: clk, gateway: gw}
}

func (f *fixture) lead(t *testing.T, email string) crm.Contact {
	t.Helper()
	c, res, err := f.svc.CreateContact(context.Background(), crm.Contact{FirstName: "Lee", Email: email})
	require.NoError(t, err)
	require.Nil(t, res)
	return c
}

func (f *fixture) tasks(t *testing.T, patientID int64) []crm.OnboardingTask {
	t.Helper()
	tasks, err := f.svc.Tasks(context.Background(), patientID, "")
	require.NoError(t, err)
	return tasks
}

func (f *fixture) intakeMessages(t *testing.T, patientID int64) []crm.AutomatedMessage {
	t.Helper()
	msgs, err := f.store.FindMessages(context.Background(), store.MessageFilter{
		PatientID: patientID,
		Types:     []crm.EmailType{crm.EmailIntakeForms},
	})
	require.NoError(t, err)
	return msgs
}

func TestScenario_LeadBecomesClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")
	assert.Equal(t, crm.StatusLead, c.Status)

	updated, res, err := f.svc.SetStatus(ctx, c.ID, crm.StatusClient)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.IntakeEmailSent)
	assert.Len(t, res.TasksCreated, 2)
	assert.Equal(t, crm.StatusClient, updated.Status)
	assert.True(t, updated.PreVisitStatus.IntakeFormsSent)
	assert.False(t, updated.PreVisitStatus.CCOnFile)

	msgs := f.intakeMessages(t, c.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, crm.MessageSent, msgs[0].Status)

	tasks := f.tasks(t, c.ID)
	require.Len(t, tasks, 2)
	assert.Equal(t, crm.TaskCCOnFile, tasks[0].TaskType)
	assert.Equal(t, crm.TaskFirstAppointmentScheduled, tasks[1].TaskType)
	for _, task := range tasks {
		assert.Equal(t, crm.TaskPending, task.Status)
		assert.Nil(t, task.CompletedAt)
	}
}

func TestTrigger_TwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")

	_, err := f.svc.TriggerPreVisitAutomation(ctx, c.ID)
	require.NoError(t, err)

	res, err := f.svc.TriggerPreVisitAutomation(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, res.IntakeEmailSent)
	assert.Empty(t, res.TasksCreated)
	assert.ElementsMatch(t, []string{
		"intake_forms: already sent",
		"cc_on_file: task pending",
		"first_appointment_scheduled: task pending",
	}, res.Skipped)

	assert.Len(t, f.intakeMessages(t, c.ID), 1)
	assert.Len(t, f.tasks(t, c.ID), 2)
	assert.Len(t, f.gateway.Sent(), 1)
}

func TestTrigger_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.TriggerPreVisitAutomation(context.Background(), 100)
	require.Error(t, err)
	assert.True(t, crm.IsNotFound(err))
}

func TestTrigger_FailedIntakeStillCreatesTasksAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")

	f.gateway.FailAll(true)
	res, err := f.svc.TriggerPreVisitAutomation(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, crm.IsDelivery(err))
	assert.False(t, res.IntakeEmailSent)
	assert.Len(t, res.TasksCreated, 2)

	got, err := f.store.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.PreVisitStatus.IntakeFormsSent)

	f.gateway.FailAll(false)
	res, err = f.svc.TriggerPreVisitAutomation(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.IntakeEmailSent)
	assert.Empty(t, res.TasksCreated)

	msgs := f.intakeMessages(t, c.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, crm.MessageFailed, msgs[0].Status)
	assert.Equal(t, crm.MessageSent, msgs[1].Status)
}

func TestTrigger_CompletedTaskIsNotReopened(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")

	res, err := f.svc.TriggerPreVisitAutomation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, res.TasksCreated, 2)

	_, err = f.svc.CompleteTask(ctx, res.TasksCreated[0].ID, "card on file")
	require.NoError(t, err)

	res, err = f.svc.TriggerPreVisitAutomation(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, res.TasksCreated)
	assert.Contains(t, res.Skipped, "cc_on_file: already done")
	assert.Len(t, f.tasks(t, c.ID), 2)
}

func TestCompleteTask_SetsFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")
	res, err := f.svc.TriggerPreVisitAutomation(ctx, c.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	task, err := f.svc.CompleteTask(ctx, res.TasksCreated[1].ID, "booked for Monday")
	require.NoError(t, err)
	assert.Equal(t, crm.TaskCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, start.Add(time.Hour), *task.CompletedAt)
	assert.Equal(t, "booked for Monday", task.Notes)

	got, err := f.store.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.PreVisitStatus.FirstAppointmentScheduled)
	assert.False(t, got.PreVisitStatus.CCOnFile)
	assert.True(t, got.PreVisitStatus.IntakeFormsSent)

	// completing again is a no-op
	f.clock.Advance(time.Hour)
	again, err := f.svc.CompleteTask(ctx, task.ID, "ignored")
	require.NoError(t, err)
	assert.Equal(t, task, again)
}

func TestCompleteTask_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CompleteTask(context.Background(), 9, "")
	assert.True(t, crm.IsNotFound(err))
}

func TestMarkIntakeCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")

	got, err := f.svc.MarkIntakeCompleted(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.PreVisitStatus.IntakeFormsCompleted)

	_, err = f.svc.MarkIntakeCompleted(ctx, 999)
	assert.True(t, crm.IsNotFound(err))
}

func TestSetStatus_OnlyTransitionIntoClientTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")

	_, res, err := f.svc.SetStatus(ctx, c.ID, crm.StatusPastClient)
	require.NoError(t, err)
	assert.Nil(t, res)

	_, res, err = f.svc.SetStatus(ctx, c.ID, crm.StatusClient)
	require.NoError(t, err)
	require.NotNil(t, res)

	// already Client: not a transition
	_, res, err = f.svc.SetStatus(ctx, c.ID, crm.StatusClient)
	require.NoError(t, err)
	assert.Nil(t, res)

	// a dormant client coming back is a new transition, but the flags keep
	// it from repeating finished steps
	_, _, err = f.svc.SetStatus(ctx, c.ID, crm.StatusDormant)
	require.NoError(t, err)
	_, res, err = f.svc.SetStatus(ctx, c.ID, crm.StatusClient)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.IntakeEmailSent)

	assert.Len(t, f.gateway.Sent(), 1)
}

func TestSetStatus_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lead(t, "lee@example.com")

	_, _, err := f.svc.SetStatus(ctx, c.ID, crm.ContactStatus("VIP"))
	assert.True(t, crm.IsInvalid(err))

	_, _, err = f.svc.SetStatus(ctx, 999, crm.StatusClient)
	assert.True(t, crm.IsNotFound(err))
}

func TestCreateContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, res, err := f.svc.CreateContact(ctx, crm.Contact{FirstName: " Ann ", LastName: "Lee", Email: " Ann@Example.com ", Status: crm.StatusClient})
	require.NoError(t, err)
	assert.Equal(t, "Ann", c.FirstName)
	assert.Equal(t, "ann@example.com", c.Email)
	assert.Equal(t, start, c.CreatedAt)
	require.NotNil(t, res, "creating a Client runs the automation")
	assert.True(t, res.IntakeEmailSent)

	_, _, err = f.svc.CreateContact(ctx, crm.Contact{FirstName: "Dup", Email: "ann@example.com"})
	assert.True(t, crm.IsInvalid(err))

	_, _, err = f.svc.CreateContact(ctx, crm.Contact{FirstName: "", Email: "x@example.com"})
	assert.True(t, crm.IsInvalid(err))

	_, _, err = f.svc.CreateContact(ctx, crm.Contact{FirstName: "X", Email: "not-an-email"})
	assert.True(t, crm.IsInvalid(err))

	_, _, err = f.svc.CreateContact(ctx, crm.Contact{FirstName: "X", Email: "x@example.com", Status: "Prospect"})
	assert.True(t, crm.IsInvalid(err))
}
