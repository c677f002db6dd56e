package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nudgecrm/internal/testutil"
)

var cliStart = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// jsonResponse mirrors CLIResponse with the payload left raw.
type jsonResponse struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Error   *CLIError       `json:"error"`
	TraceID string          `json:"trace_id"`
}

type cliEnv struct {
	configPath string
	clock      *testutil.FakeClock
	gateway    *testutil.RecordingGateway
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nudgecrm.yaml")
	content := fmt.Sprintf(`practice:
  name: Harbor Physio
store:
  driver: sqlite
  path: %s
`, filepath.Join(dir, "crm.db"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	return &cliEnv{
		configPath: configPath,
		clock:      testutil.NewFakeClock(cliStart),
		gateway:    testutil.NewRecordingGateway(),
	}
}

// run executes one CLI invocation in JSON mode and decodes the response.
func (e *cliEnv) run(t *testing.T, args ...string) (jsonResponse, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Clock: e.clock, Gateway: e.gateway})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--format", "json", "--config", e.configPath}, args...))
	err := cmd.Execute()

	var resp jsonResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), "output: %s", buf.String())
	return resp, err
}

func (e *cliEnv) mustRun(t *testing.T, out any, args ...string) {
	t.Helper()
	resp, err := e.run(t, args...)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
}

func TestCLI_PackageLifecycle(t *testing.T) {
	env := newCLIEnv(t)

	var pkg struct {
		ID               int64 `json:"id"`
		NumberOfSessions int   `json:"number_of_sessions"`
	}
	env.mustRun(t, &pkg, "package", "create", "--name", "Recovery 3", "--sessions", "3", "--price", "300")
	assert.Equal(t, int64(1), pkg.ID)
	assert.Equal(t, 3, pkg.NumberOfSessions)

	var pkgs []map[string]any
	env.mustRun(t, &pkgs, "package", "list")
	assert.Len(t, pkgs, 1)

	var contact ContactResult
	env.mustRun(t, &contact, "contact", "add", "--first-name", "Dana", "--email", "Dana@Example.com", "--status", "Client")
	assert.Equal(t, int64(1), contact.Contact.ID)
	assert.Equal(t, "dana@example.com", contact.Contact.Email)
	require.NotNil(t, contact.PreVisit)
	assert.True(t, contact.PreVisit.IntakeEmailSent)
	assert.Len(t, contact.PreVisit.TasksCreated, 2)
	assert.Len(t, env.gateway.SentTo("dana@example.com"), 1)

	var pp struct {
		ID                int64 `json:"id"`
		SessionsRemaining int   `json:"sessions_remaining"`
		IsActive          bool  `json:"is_active"`
	}
	env.mustRun(t, &pp, "package", "purchase", "--patient", "1", "--package", "1")
	assert.True(t, pp.IsActive)
	assert.Equal(t, 3, pp.SessionsRemaining)

	env.mustRun(t, &pp, "package", "consume", "1")
	assert.Equal(t, 2, pp.SessionsRemaining)

	var status PackageStatus
	env.mustRun(t, &status, "package", "status", "1")
	assert.True(t, status.Eligibility.CanBook)
	assert.Equal(t, 2, status.Eligibility.SessionsRemaining)
	assert.Len(t, status.Packages, 1)

	env.clock.AdvanceDays(1)
	var summary struct {
		RunID       string `json:"run_id"`
		LowSessions int    `json:"low_sessions"`
		Renewals    int    `json:"renewals"`
		Dormant     int    `json:"dormant"`
	}
	resp, err := env.run(t, "checks", "run")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &summary))
	assert.Equal(t, 1, summary.LowSessions)
	assert.Zero(t, summary.Renewals)
	assert.Zero(t, summary.Dormant)
	assert.Equal(t, summary.RunID, resp.TraceID)
	assert.Len(t, env.gateway.SentTo("dana@example.com"), 2)

	env.mustRun(t, &summary, "checks", "run")
	assert.Zero(t, summary.LowSessions, "cooldown holds across runs")

	var history []struct {
		EmailType string `json:"email_type"`
		Status    string `json:"status"`
	}
	env.mustRun(t, &history, "nudges", "history", "--patient", "1")
	require.Len(t, history, 2)
	assert.Equal(t, "low_sessions_warning", history[0].EmailType)
	assert.Equal(t, "intake_forms", history[1].EmailType)

	env.mustRun(t, &history, "nudges", "history", "--limit", "1")
	assert.Len(t, history, 1)

	var appt struct {
		ID               int64  `json:"id"`
		PatientPackageID *int64 `json:"patient_package_id"`
	}
	env.mustRun(t, &appt, "appointment", "book", "--patient", "1", "--at", "2026-03-05T10:30:00Z", "--notes", "knee")
	require.NotNil(t, appt.PatientPackageID)
	assert.Equal(t, int64(1), *appt.PatientPackageID)

	env.mustRun(t, &status, "package", "status", "1")
	assert.Equal(t, 1, status.Eligibility.SessionsRemaining)
}

func TestCLI_Onboarding(t *testing.T) {
	env := newCLIEnv(t)

	var contact ContactResult
	env.mustRun(t, &contact, "contact", "add", "--first-name", "Eli", "--email", "eli@example.com")
	assert.Equal(t, "Lead", string(contact.Contact.Status))
	assert.Nil(t, contact.PreVisit)
	assert.Empty(t, env.gateway.Sent())

	env.mustRun(t, &contact, "contact", "status", "1", "Client")
	require.NotNil(t, contact.PreVisit)
	assert.True(t, contact.PreVisit.IntakeEmailSent)

	var tasks []struct {
		ID       int64  `json:"id"`
		TaskType string `json:"task_type"`
		Status   string `json:"status"`
	}
	env.mustRun(t, &tasks, "task", "list", "1", "--status", "pending")
	require.Len(t, tasks, 2)

	env.mustRun(t, nil, "task", "complete", fmt.Sprint(tasks[0].ID), "--notes", "card on file")
	env.mustRun(t, &tasks, "task", "list", "1", "--status", "pending")
	assert.Len(t, tasks, 1)

	var res struct {
		IntakeEmailSent bool     `json:"intake_email_sent"`
		Skipped         []string `json:"skipped"`
	}
	env.mustRun(t, &res, "contact", "previsit", "1")
	assert.False(t, res.IntakeEmailSent)
	assert.Len(t, res.Skipped, 3)
	assert.Len(t, env.gateway.Sent(), 1)

	var c struct {
		PreVisitStatus struct {
			IntakeFormsSent      bool `json:"intake_forms_sent"`
			IntakeFormsCompleted bool `json:"intake_forms_completed"`
		} `json:"pre_visit_status"`
	}
	env.mustRun(t, &c, "contact", "intake-complete", "1")
	assert.True(t, c.PreVisitStatus.IntakeFormsSent)
	assert.True(t, c.PreVisitStatus.IntakeFormsCompleted)
}

func TestCLI_FailedIntakeReportsContact(t *testing.T) {
	env := newCLIEnv(t)
	env.gateway.FailAll(true)

	resp, err := env.run(t, "contact", "add", "--first-name", "Fay", "--email", "fay@example.com", "--status", "Client")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "DELIVERY_FAILED", resp.Error.Code)

	details, err := json.Marshal(resp.Error.Details)
	require.NoError(t, err)
	var out ContactResult
	require.NoError(t, json.Unmarshal(details, &out))
	assert.Equal(t, int64(1), out.Contact.ID)
	require.NotNil(t, out.PreVisit)
	assert.False(t, out.PreVisit.IntakeEmailSent)
	assert.Len(t, out.PreVisit.TasksCreated, 2)

	env.gateway.Recover()
	var res struct {
		IntakeEmailSent bool `json:"intake_email_sent"`
	}
	env.mustRun(t, &res, "contact", "previsit", "1")
	assert.True(t, res.IntakeEmailSent)
}

func TestCLI_Errors(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, nil, "contact", "add", "--first-name", "Gus", "--email", "gus@example.com")

	tests := []struct {
		name     string
		args     []string
		wantCode string
		wantExit int
	}{
		{"unknown patient package", []string{"package", "consume", "99"}, "NOT_FOUND", ExitCommandError},
		{"bad id", []string{"package", "consume", "abc"}, "INVALID", ExitCommandError},
		{"zero sessions", []string{"package", "create", "--name", "Empty", "--sessions", "0"}, "INVALID", ExitCommandError},
		{"no package to book", []string{"appointment", "book", "--patient", "1", "--at", "2026-03-05T10:30:00Z"}, "EXHAUSTED", ExitFailure},
		{"bad time", []string{"appointment", "book", "--patient", "1", "--at", "tomorrow"}, "INVALID", ExitCommandError},
		{"unknown status", []string{"contact", "status", "1", "VIP"}, "INVALID", ExitCommandError},
		{"duplicate email", []string{"contact", "add", "--first-name", "Gus", "--email", "gus@example.com"}, "INVALID", ExitCommandError},
		{"unknown task", []string{"task", "complete", "5"}, "NOT_FOUND", ExitCommandError},
		{"bad task status", []string{"task", "list", "1", "--status", "done"}, "INVALID", ExitCommandError},
		{"negative limit", []string{"nudges", "history", "--limit", "-1"}, "INVALID", ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantExit, GetExitCode(err))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestCLI_MissingConfigFile(t *testing.T) {
	env := newCLIEnv(t)
	env.configPath = filepath.Join(t.TempDir(), "missing.yaml")

	resp, err := env.run(t, "checks", "run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
}

func TestCLI_TextOutput(t *testing.T) {
	env := newCLIEnv(t)

	buf := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Clock: env.clock, Gateway: env.gateway})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", env.configPath, "checks", "run"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, buf.String(), "low sessions: 0")
	assert.Contains(t, buf.String(), "✓ No check errors")
}
