package store

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/nudgecrm/internal/crm"
)

var (
	// ErrNotFound is returned by Get and Update methods for unknown ids.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("duplicate record")
)

// Records is the per-collection read/write contract.
type Records interface {
	InsertContact(ctx context.Context, c crm.Contact) (int64, error)
	GetContact(ctx context.Context, id int64) (crm.Contact, error)
	FindContacts(ctx context.Context, f ContactFilter) ([]crm.Contact, error)
	UpdateContact(ctx context.Context, id int64, p ContactPatch) (crm.Contact, error)

	InsertPackage(ctx context.Context, p crm.Package) (int64, error)
	GetPackage(ctx context.Context, id int64) (crm.Package, error)
	FindPackages(ctx context.Context) ([]crm.Package, error)

	InsertPatientPackage(ctx context.Context, pp crm.PatientPackage) (int64, error)
	GetPatientPackage(ctx context.Context, id int64) (crm.PatientPackage, error)
	FindPatientPackages(ctx context.Context, f PatientPackageFilter) ([]crm.PatientPackage, error)
	UpdatePatientPackage(ctx context.Context, id int64, p PatientPackagePatch) (crm.PatientPackage, error)

	InsertMessage(ctx context.Context, m crm.AutomatedMessage) (int64, error)
	FindMessages(ctx context.Context, f MessageFilter) ([]crm.AutomatedMessage, error)

	InsertTask(ctx context.Context, t crm.OnboardingTask) (int64, error)
	GetTask(ctx context.Context, id int64) (crm.OnboardingTask, error)
	FindTasks(ctx context.Context, f TaskFilter) ([]crm.OnboardingTask, error)
	UpdateTask(ctx context.Context, id int64, p TaskPatch) (crm.OnboardingTask, error)

	InsertAppointment(ctx context.Context, a crm.Appointment) (int64, error)
	FindAppointments(ctx context.Context, f AppointmentFilter) ([]crm.Appointment, error)
}

// Store is a Records implementation with transactions and a lifecycle.
type Store interface {
	Records

	// WithTx runs fn against a transactional view. If fn returns an error,
	// nothing fn wrote is kept and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Records) error) error

	Close() error
}

// ContactFilter selects contacts. Zero fields match everything.
type ContactFilter struct {
	Status crm.ContactStatus
	Email  string
}

// PatientPackageFilter selects patient packages.
type PatientPackageFilter struct {
	PatientID  int64
	ActiveOnly bool

	// Exhausted selects packages with sessions_remaining == 0.
	Exhausted bool
}

// MessageFilter selects automated messages.
type MessageFilter struct {
	PatientID int64
	Types     []crm.EmailType
	Status    crm.MessageStatus

	// SentSince keeps messages with sent_at >= SentSince when non-zero.
	SentSince time.Time

	// NewestFirst orders by sent_at descending, then id descending.
	NewestFirst bool

	// Limit caps the result size when positive.
	Limit int
}

// TaskFilter selects onboarding tasks.
type TaskFilter struct {
	PatientID int64
	TaskType  crm.TaskType
	Status    crm.TaskStatus
}

// AppointmentFilter selects appointments.
type AppointmentFilter struct {
	PatientID int64

	// Since keeps appointments scheduled at or after Since when non-zero.
	Since time.Time

	ExcludeCancelled bool
}

// ContactPatch lists the mutable contact fields. Nil fields are left alone.
type ContactPatch struct {
	Status         *crm.ContactStatus
	PreVisitStatus *crm.PreVisitStatus
}

// PatientPackagePatch lists the mutable ledger fields.
type PatientPackagePatch struct {
	SessionsUsed      *int
	SessionsRemaining *int
	IsActive          *bool
}

// TaskPatch lists the mutable task fields.
type TaskPatch struct {
	Status      *crm.TaskStatus
	CompletedAt *time.Time
	Notes       *string
}

func (f MessageFilter) hasType(t crm.EmailType) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, want := range f.Types {
		if want == t {
			return true
		}
	}
	return false
}
