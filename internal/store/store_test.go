package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nudgecrm/internal/crm"
)

func TestContacts_InsertGetFindUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := s.InsertContact(ctx, createTestContact("ann@example.com", crm.StatusLead))
			require.NoError(t, err)
			assert.Equal(t, int64(1), id)

			_, err = s.InsertContact(ctx, createTestContact("bob@example.com", crm.StatusClient))
			require.NoError(t, err)

			got, err := s.GetContact(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "ann@example.com", got.Email)
			assert.Equal(t, crm.StatusLead, got.Status)
			assert.True(t, got.CreatedAt.Equal(baseTime))
			assert.Equal(t, crm.PreVisitStatus{}, got.PreVisitStatus)

			all, err := s.FindContacts(ctx, ContactFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			clients, err := s.FindContacts(ctx, ContactFilter{Status: crm.StatusClient})
			require.NoError(t, err)
			require.Len(t, clients, 1)
			assert.Equal(t, "bob@example.com", clients[0].Email)

			updated, err := s.UpdateContact(ctx, id, ContactPatch{
				Status:         ptr(crm.StatusClient),
				PreVisitStatus: &crm.PreVisitStatus{IntakeFormsSent: true},
			})
			require.NoError(t, err)
			assert.Equal(t, crm.StatusClient, updated.Status)
			assert.True(t, updated.PreVisitStatus.IntakeFormsSent)
			assert.False(t, updated.PreVisitStatus.CCOnFile)
		})
	}
}

func TestContacts_DuplicateEmail(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.InsertContact(ctx, createTestContact("dup@example.com", crm.StatusLead))
			require.NoError(t, err)

			_, err = s.InsertContact(ctx, createTestContact("dup@example.com", crm.StatusLead))
			assert.ErrorIs(t, err, ErrDuplicate)
		})
	}
}

func TestNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetContact(ctx, 99)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetPackage(ctx, 99)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetPatientPackage(ctx, 99)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetTask(ctx, 99)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.UpdateContact(ctx, 99, ContactPatch{Status: ptr(crm.StatusClient)})
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.UpdatePatientPackage(ctx, 99, PatientPackagePatch{IsActive: ptr(false)})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPatientPackages_FilterAndUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			patientID, err := s.InsertContact(ctx, createTestContact("p@example.com", crm.StatusClient))
			require.NoError(t, err)
			pkgID, err := s.InsertPackage(ctx, createTestPackage(2))
			require.NoError(t, err)

			oldID, err := s.InsertPatientPackage(ctx, createTestPatientPackage(patientID, pkgID, 2))
			require.NoError(t, err)
			_, err = s.UpdatePatientPackage(ctx, oldID, PatientPackagePatch{
				SessionsUsed:      ptr(2),
				SessionsRemaining: ptr(0),
				IsActive:          ptr(false),
			})
			require.NoError(t, err)

			newID, err := s.InsertPatientPackage(ctx, createTestPatientPackage(patientID, pkgID, 2))
			require.NoError(t, err)

			active, err := s.FindPatientPackages(ctx, PatientPackageFilter{PatientID: patientID, ActiveOnly: true})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, newID, active[0].ID)

			exhausted, err := s.FindPatientPackages(ctx, PatientPackageFilter{Exhausted: true})
			require.NoError(t, err)
			require.Len(t, exhausted, 1)
			assert.Equal(t, oldID, exhausted[0].ID)
			assert.Equal(t, 2, exhausted[0].SessionsUsed)
			assert.False(t, exhausted[0].IsActive)
		})
	}
}

func TestMessages_FilterOrderAndTriggerData(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			patientID, err := s.InsertContact(ctx, createTestContact("m@example.com", crm.StatusClient))
			require.NoError(t, err)

			insert := func(typ crm.EmailType, status crm.MessageStatus, at time.Time, pkg int64) {
				_, err := s.InsertMessage(ctx, crm.AutomatedMessage{
					PatientID:   patientID,
					EmailType:   typ,
					SentAt:      at,
					Status:      status,
					Subject:     "subject",
					TriggerData: crm.TriggerData{"package_id": pkg},
				})
				require.NoError(t, err)
			}
			insert(crm.EmailLowSessionsWarning, crm.MessageSent, baseTime, 7)
			insert(crm.EmailLowSessionsWarning, crm.MessageFailed, baseTime.Add(time.Hour), 7)
			insert(crm.EmailPackageRenewal, crm.MessageSent, baseTime.Add(48*time.Hour), 8)

			all, err := s.FindMessages(ctx, MessageFilter{PatientID: patientID})
			require.NoError(t, err)
			require.Len(t, all, 3)
			pkg, ok := all[2].TriggerData.Int64("package_id")
			require.True(t, ok)
			assert.Equal(t, int64(8), pkg)

			sent, err := s.FindMessages(ctx, MessageFilter{
				PatientID: patientID,
				Types:     []crm.EmailType{crm.EmailLowSessionsWarning},
				Status:    crm.MessageSent,
			})
			require.NoError(t, err)
			assert.Len(t, sent, 1)

			recent, err := s.FindMessages(ctx, MessageFilter{SentSince: baseTime.Add(time.Minute)})
			require.NoError(t, err)
			assert.Len(t, recent, 2)

			newest, err := s.FindMessages(ctx, MessageFilter{NewestFirst: true, Limit: 2})
			require.NoError(t, err)
			require.Len(t, newest, 2)
			assert.Equal(t, crm.EmailPackageRenewal, newest[0].EmailType)
			assert.Equal(t, crm.MessageFailed, newest[1].Status)
		})
	}
}

func TestTasks_InsertFindUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			patientID, err := s.InsertContact(ctx, createTestContact("t@example.com", crm.StatusClient))
			require.NoError(t, err)

			id, err := s.InsertTask(ctx, crm.OnboardingTask{
				PatientID: patientID,
				TaskType:  crm.TaskCCOnFile,
				Status:    crm.TaskPending,
				CreatedAt: baseTime,
			})
			require.NoError(t, err)

			pending, err := s.FindTasks(ctx, TaskFilter{PatientID: patientID, TaskType: crm.TaskCCOnFile, Status: crm.TaskPending})
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Nil(t, pending[0].CompletedAt)

			done := baseTime.Add(time.Hour)
			task, err := s.UpdateTask(ctx, id, TaskPatch{
				Status:      ptr(crm.TaskCompleted),
				CompletedAt: &done,
				Notes:       ptr("card taken at desk"),
			})
			require.NoError(t, err)
			assert.Equal(t, crm.TaskCompleted, task.Status)
			require.NotNil(t, task.CompletedAt)
			assert.True(t, task.CompletedAt.Equal(done))
			assert.Equal(t, "card taken at desk", task.Notes)
		})
	}
}

func TestAppointments_Filter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			patientID, err := s.InsertContact(ctx, createTestContact("a@example.com", crm.StatusClient))
			require.NoError(t, err)

			for i, status := range []crm.AppointmentStatus{crm.AppointmentCompleted, crm.AppointmentCancelled, crm.AppointmentScheduled} {
				_, err := s.InsertAppointment(ctx, crm.Appointment{
					PatientID:   patientID,
					ScheduledAt: baseTime.AddDate(0, 0, i*10),
					Status:      status,
					CreatedAt:   baseTime,
				})
				require.NoError(t, err)
			}

			recent, err := s.FindAppointments(ctx, AppointmentFilter{
				PatientID:        patientID,
				Since:            baseTime.AddDate(0, 0, 5),
				ExcludeCancelled: true,
			})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, crm.AppointmentScheduled, recent[0].Status)
			assert.Nil(t, recent[0].PatientPackageID)
		})
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")

			err := s.WithTx(ctx, func(tx Records) error {
				if _, err := tx.InsertContact(ctx, createTestContact("tx@example.com", crm.StatusLead)); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			contacts, err := s.FindContacts(ctx, ContactFilter{})
			require.NoError(t, err)
			assert.Empty(t, contacts)
		})
	}
}

func TestWithTx_Commits(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.WithTx(ctx, func(tx Records) error {
				if _, err := tx.InsertContact(ctx, createTestContact("c1@example.com", crm.StatusLead)); err != nil {
					return err
				}
				_, err := tx.InsertContact(ctx, createTestContact("c2@example.com", crm.StatusLead))
				return err
			})
			require.NoError(t, err)

			contacts, err := s.FindContacts(ctx, ContactFilter{})
			require.NoError(t, err)
			assert.Len(t, contacts, 2)
		})
	}
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path)
		require.NoError(t, err, "iteration %d", i)
		s.Close()
	}

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	tables := []string{"contacts", "packages", "patient_packages", "automated_messages", "onboarding_tasks", "appointments"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/test.db")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseNilDB(t *testing.T) {
	s := &SQLiteStore{}
	assert.NoError(t, s.Close())
}

func TestSQLiteStore_Query(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.InsertContact(ctx, createTestContact("raw@example.com", crm.StatusClient))
	require.NoError(t, err)

	rows, err := s.Query(ctx, "SELECT email, intake_forms_sent FROM contacts WHERE status = ?", "Client")
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var email string
	var sent int64
	require.NoError(t, rows.Scan(&email, &sent))
	assert.Equal(t, "raw@example.com", email)
	assert.Zero(t, sent)
	assert.False(t, rows.Next())
	require.NoError(t, rows.Err())
}

func TestOpenJSON_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crm.json")

	s1, err := OpenJSON(path)
	require.NoError(t, err)
	id, err := s1.InsertContact(ctx, createTestContact("keep@example.com", crm.StatusClient))
	require.NoError(t, err)
	_, err = s1.InsertMessage(ctx, crm.AutomatedMessage{
		PatientID:   id,
		EmailType:   crm.EmailPackageRenewal,
		SentAt:      baseTime,
		Status:      crm.MessageSent,
		TriggerData: crm.TriggerData{"package_id": int64(3)},
	})
	require.NoError(t, err)

	s2, err := OpenJSON(path)
	require.NoError(t, err)
	c, err := s2.GetContact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "keep@example.com", c.Email)

	msgs, err := s2.FindMessages(ctx, MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	pkg, ok := msgs[0].TriggerData.Int64("package_id")
	require.True(t, ok)
	assert.Equal(t, int64(3), pkg)

	// ids keep counting after reopen
	id2, err := s2.InsertContact(ctx, createTestContact("next@example.com", crm.StatusLead))
	require.NoError(t, err)
	assert.Equal(t, id+1, id2)
}

func TestOpenJSON_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenJSON(path)
	assert.Error(t, err)
}

func TestOpenJSON_MemoryOnly(t *testing.T) {
	s, err := OpenJSON("")
	require.NoError(t, err)

	_, err = s.InsertPackage(context.Background(), createTestPackage(6))
	require.NoError(t, err)

	pkgs, err := s.FindPackages(context.Background())
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)
}

func TestJSONStore_RejectsBrokenLedgerCounts(t *testing.T) {
	s, err := OpenJSON("")
	require.NoError(t, err)
	ctx := context.Background()

	id, err := s.InsertPatientPackage(ctx, createTestPatientPackage(1, 1, 4))
	require.NoError(t, err)

	_, err = s.UpdatePatientPackage(ctx, id, PatientPackagePatch{SessionsRemaining: ptr(3)})
	assert.Error(t, err)

	pp, err := s.GetPatientPackage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, pp.SessionsRemaining)
}
