// Package ledger tracks purchased session credits per patient.
//
// Invariants kept by every operation:
//   - at most one active PatientPackage per patient
//   - sessions_used + sessions_remaining == total_sessions
//   - sessions_remaining == 0 implies is_active == false
//
// Multi-record changes run inside store.WithTx, so a failure leaves no
// partial state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/store"
)

// Ledger implements the package-session operations.
type Ledger struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for purchase and booking timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over s.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		clock:  clock.System{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Eligibility answers whether a patient can book another appointment.
type Eligibility struct {
	CanBook           bool `json:"can_book"`
	SessionsRemaining int  `json:"sessions_remaining"`
}

// CreatePackage adds a catalog package.
func (l *Ledger) CreatePackage(ctx context.Context, p crm.Package) (crm.Package, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return crm.Package{}, crm.NewInvalidError("package name is required")
	}
	if p.NumberOfSessions <= 0 {
		return crm.Package{}, crm.NewInvalidError("number_of_sessions must be positive, got %d", p.NumberOfSessions)
	}
	if p.Price < 0 {
		return crm.Package{}, crm.NewInvalidError("price must not be negative")
	}

	id, err := l.store.InsertPackage(ctx, p)
	if err != nil {
		return crm.Package{}, fmt.Errorf("create package: %w", err)
	}
	p.ID = id
	return p, nil
}

// ListPackages returns the catalog ordered by id.
func (l *Ledger) ListPackages(ctx context.Context) ([]crm.Package, error) {
	pkgs, err := l.store.FindPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return pkgs, nil
}

// Purchase sells a package to a patient. Every active package the patient
// holds is deactivated in the same transaction that inserts the new one.
//
// Returns a NotFound error, before any write, for an unknown patient or package.
func (l *Ledger) Purchase(ctx context.Context, patientID, packageID int64) (crm.PatientPackage, error) {
	if _, err := l.store.GetContact(ctx, patientID); err != nil {
		return crm.PatientPackage{}, notFound(err, "patient", patientID)
	}
	pkg, err := l.store.GetPackage(ctx, packageID)
	if err != nil {
		return crm.PatientPackage{}, notFound(err, "package", packageID)
	}

	var out crm.PatientPackage
	err = l.store.WithTx(ctx, func(tx store.Records) error {
		active, err := tx.FindPatientPackages(ctx, store.PatientPackageFilter{PatientID: patientID, ActiveOnly: true})
		if err != nil {
			return err
		}
		for _, pp := range active {
			if _, err := tx.UpdatePatientPackage(ctx, pp.ID, store.PatientPackagePatch{IsActive: ptr(false)}); err != nil {
				return err
			}
		}

		out = crm.PatientPackage{
			PatientID:         patientID,
			PackageID:         pkg.ID,
			PurchaseDate:      l.clock.Now(),
			TotalSessions:     pkg.NumberOfSessions,
			SessionsUsed:      0,
			SessionsRemaining: pkg.NumberOfSessions,
			IsActive:          true,
		}
		out.ID, err = tx.InsertPatientPackage(ctx, out)
		return err
	})
	if err != nil {
		return crm.PatientPackage{}, fmt.Errorf("purchase package %d for patient %d: %w", packageID, patientID, err)
	}

	l.logger.InfoContext(ctx, "package purchased",
		"patient_id", patientID,
		"package_id", packageID,
		"patient_package_id", out.ID,
		"sessions", out.TotalSessions,
	)
	return out, nil
}

// ConsumeSession uses one session of a patient package. Reaching zero
// deactivates the package in the same update.
//
// Returns NotFound for an unknown id and Exhausted, with nothing changed,
// when no sessions remain.
func (l *Ledger) ConsumeSession(ctx context.Context, patientPackageID int64) (crm.PatientPackage, error) {
	var out crm.PatientPackage
	err := l.store.WithTx(ctx, func(tx store.Records) error {
		var err error
		out, err = consume(ctx, tx, patientPackageID)
		return err
	})
	if err != nil {
		return crm.PatientPackage{}, err
	}

	l.logger.DebugContext(ctx, "session consumed",
		"patient_id", out.PatientID,
		"patient_package_id", out.ID,
		"sessions_remaining", out.SessionsRemaining,
	)
	return out, nil
}

func consume(ctx context.Context, rec store.Records, patientPackageID int64) (crm.PatientPackage, error) {
	pp, err := rec.GetPatientPackage(ctx, patientPackageID)
	if err != nil {
		return crm.PatientPackage{}, notFound(err, "patient_package", patientPackageID)
	}
	if pp.SessionsRemaining <= 0 {
		return crm.PatientPackage{}, crm.NewExhaustedError(patientPackageID)
	}

	patch := store.PatientPackagePatch{
		SessionsUsed:      ptr(pp.SessionsUsed + 1),
		SessionsRemaining: ptr(pp.SessionsRemaining - 1),
	}
	if *patch.SessionsRemaining == 0 {
		patch.IsActive = ptr(false)
	}
	updated, err := rec.UpdatePatientPackage(ctx, patientPackageID, patch)
	if err != nil {
		return crm.PatientPackage{}, fmt.Errorf("consume session of patient package %d: %w", patientPackageID, err)
	}
	return updated, nil
}

// ActivePackageFor returns the patient's active package, if any.
//
// More than one active package is reported as an IntegrityError rather than
// resolved by picking one.
func (l *Ledger) ActivePackageFor(ctx context.Context, patientID int64) (crm.PatientPackage, bool, error) {
	return ActivePackage(ctx, l.store, patientID)
}

// ActivePackage is ActivePackageFor over any Records view, so callers can
// use it inside a transaction.
func ActivePackage(ctx context.Context, rec store.Records, patientID int64) (crm.PatientPackage, bool, error) {
	active, err := rec.FindPatientPackages(ctx, store.PatientPackageFilter{PatientID: patientID, ActiveOnly: true})
	if err != nil {
		return crm.PatientPackage{}, false, fmt.Errorf("find active package for patient %d: %w", patientID, err)
	}
	switch len(active) {
	case 0:
		return crm.PatientPackage{}, false, nil
	case 1:
		return active[0], true, nil
	default:
		ids := make([]string, len(active))
		for i, pp := range active {
			ids[i] = fmt.Sprint(pp.ID)
		}
		return crm.PatientPackage{}, false, crm.NewIntegrityError(patientID,
			fmt.Sprintf("%d active packages (%s)", len(active), strings.Join(ids, ", ")))
	}
}

// CanBookAppointment reports whether the patient has an active package with
// sessions left.
func (l *Ledger) CanBookAppointment(ctx context.Context, patientID int64) (Eligibility, error) {
	if _, err := l.store.GetContact(ctx, patientID); err != nil {
		return Eligibility{}, notFound(err, "patient", patientID)
	}
	pp, ok, err := l.ActivePackageFor(ctx, patientID)
	if err != nil {
		return Eligibility{}, err
	}
	if !ok {
		return Eligibility{}, nil
	}
	return Eligibility{
		CanBook:           pp.SessionsRemaining > 0,
		SessionsRemaining: pp.SessionsRemaining,
	}, nil
}

// PackagesFor lists every package a patient has bought, oldest first.
func (l *Ledger) PackagesFor(ctx context.Context, patientID int64) ([]crm.PatientPackage, error) {
	if _, err := l.store.GetContact(ctx, patientID); err != nil {
		return nil, notFound(err, "patient", patientID)
	}
	pps, err := l.store.FindPatientPackages(ctx, store.PatientPackageFilter{PatientID: patientID})
	if err != nil {
		return nil, fmt.Errorf("list packages for patient %d: %w", patientID, err)
	}
	return pps, nil
}

// BookAppointment schedules a visit paid from the active package. The
// session is consumed and the appointment inserted in one transaction.
func (l *Ledger) BookAppointment(ctx context.Context, patientID int64, at time.Time, notes string) (crm.Appointment, error) {
	if at.IsZero() {
		return crm.Appointment{}, crm.NewInvalidError("appointment time is required")
	}
	if _, err := l.store.GetContact(ctx, patientID); err != nil {
		return crm.Appointment{}, notFound(err, "patient", patientID)
	}

	var appt crm.Appointment
	err := l.store.WithTx(ctx, func(tx store.Records) error {
		pp, ok, err := ActivePackage(ctx, tx, patientID)
		if err != nil {
			return err
		}
		if !ok || pp.SessionsRemaining <= 0 {
			return crm.NewNoActivePackageError(patientID)
		}
		if _, err := consume(ctx, tx, pp.ID); err != nil {
			return err
		}

		appt = crm.Appointment{
			PatientID:        patientID,
			PatientPackageID: ptr(pp.ID),
			ScheduledAt:      at.UTC(),
			Status:           crm.AppointmentScheduled,
			Notes:            notes,
			CreatedAt:        l.clock.Now(),
		}
		appt.ID, err = tx.InsertAppointment(ctx, appt)
		return err
	})
	if err != nil {
		return crm.Appointment{}, err
	}

	l.logger.InfoContext(ctx, "appointment booked",
		"patient_id", patientID,
		"appointment_id", appt.ID,
		"scheduled_at", appt.ScheduledAt,
	)
	return appt, nil
}

// notFound maps store.ErrNotFound to a domain NotFound error.
func notFound(err error, entity string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return crm.NewNotFoundError(entity, id)
	}
	return err
}

func ptr[T any](v T) *T { return &v }
