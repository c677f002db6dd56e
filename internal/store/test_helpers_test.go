package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/nudgecrm/internal/crm"
)

var baseTime = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// backends opens one store per implementation so contract tests run against both.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sq, err := OpenSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	js, err := OpenJSON(filepath.Join(dir, "test.json"))
	require.NoError(t, err)
	t.Cleanup(func() { js.Close() })

	return map[string]Store{"sqlite": sq, "json": js}
}

func createTestContact(email string, status crm.ContactStatus) crm.Contact {
	return crm.Contact{
		FirstName: "Test",
		LastName:  "Patient",
		Email:     email,
		Status:    status,
		CreatedAt: baseTime,
	}
}

func createTestPackage(sessions int) crm.Package {
	return crm.Package{
		Name:             "Course",
		NumberOfSessions: sessions,
		Price:            480,
		Description:      "test course",
	}
}

func createTestPatientPackage(patientID, packageID int64, total int) crm.PatientPackage {
	return crm.PatientPackage{
		PatientID:         patientID,
		PackageID:         packageID,
		PurchaseDate:      baseTime,
		TotalSessions:     total,
		SessionsRemaining: total,
		IsActive:          true,
	}
}

func ptr[T any](v T) *T { return &v }
