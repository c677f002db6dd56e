// Package onboarding runs the pre-visit checklist for new clients.
//
// TriggerPreVisitAutomation is the event-fired counterpart of the daily
// checks. Each step is guarded by a pre_visit_status flag, so calling it
// again only does what is still missing:
//
//	intake_forms_sent == false            send the intake email, then set the flag
//	cc_on_file == false                   open a cc_on_file task unless one is pending
//	first_appointment_scheduled == false  open a first_appointment_scheduled task unless one is pending
//
// Task flags are only set when the task is completed (CompleteTask).
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"sync"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/notify"
	"github.com/roach88/nudgecrm/internal/store"
)

// Service owns contact status changes and the pre-visit checklist.
type Service struct {
	store      store.Store
	dispatcher *notify.Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	// mu serializes triggers so two callers cannot both pass a flag check.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock for task timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service.
func New(s store.Store, d *notify.Dispatcher, opts ...Option) *Service {
	svc := &Service{
		store:      s,
		dispatcher: d,
		clock:      clock.System{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Result describes what one trigger did.
type Result struct {
	PatientID       int64                `json:"patient_id"`
	IntakeEmailSent bool                 `json:"intake_email_sent"`
	TasksCreated    []crm.OnboardingTask `json:"tasks_created"`
	Skipped         []string             `json:"skipped"`
}

// TriggerPreVisitAutomation runs the missing pre-visit steps for a patient.
//
// Returns NotFound for an unknown patient. A failed intake email does not
// stop task creation: the result is complete and the DeliveryError is
// returned with it, and the email is retried on the next trigger.
func (s *Service) TriggerPreVisitAutomation(ctx context.Context, patientID int64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.GetContact(ctx, patientID)
	if err != nil {
		return Result{}, notFound(err, "patient", patientID)
	}

	res := Result{PatientID: patientID, TasksCreated: []crm.OnboardingTask{}, Skipped: []string{}}
	logger := s.logger.With("patient_id", patientID)

	var deliveryErr error
	if c.PreVisitStatus.IntakeFormsSent {
		res.Skipped = append(res.Skipped, string(crm.EmailIntakeForms)+": already sent")
	} else {
		sent, err := s.sendIntake(ctx, c)
		switch {
		case crm.IsDelivery(err):
			deliveryErr = err
		case err != nil:
			return res, err
		}
		res.IntakeEmailSent = sent
	}

	steps := []struct {
		typ  crm.TaskType
		done bool
	}{
		{crm.TaskCCOnFile, c.PreVisitStatus.CCOnFile},
		{crm.TaskFirstAppointmentScheduled, c.PreVisitStatus.FirstAppointmentScheduled},
	}
	for _, step := range steps {
		if step.done {
			res.Skipped = append(res.Skipped, string(step.typ)+": already done")
			continue
		}
		task, created, err := s.openTask(ctx, patientID, step.typ)
		if err != nil {
			return res, err
		}
		if !created {
			res.Skipped = append(res.Skipped, string(step.typ)+": task pending")
			continue
		}
		res.TasksCreated = append(res.TasksCreated, task)
	}

	logger.InfoContext(ctx, "pre-visit automation",
		"intake_email_sent", res.IntakeEmailSent,
		"tasks_created", len(res.TasksCreated),
	)
	return res, deliveryErr
}

// sendIntake sends the intake email and sets the flag only on success.
func (s *Service) sendIntake(ctx context.Context, c crm.Contact) (bool, error) {
	msg, err := s.dispatcher.Deliver(ctx, s.store, notify.Nudge{
		Contact: c,
		Type:    crm.EmailIntakeForms,
		Trigger: crm.TriggerData{"trigger": "pre_visit"},
	})
	if err != nil || msg.Status != crm.MessageSent {
		return false, err
	}

	err = s.store.WithTx(ctx, func(tx store.Records) error {
		fresh, err := tx.GetContact(ctx, c.ID)
		if err != nil {
			return err
		}
		pv := fresh.PreVisitStatus
		pv.IntakeFormsSent = true
		_, err = tx.UpdateContact(ctx, c.ID, store.ContactPatch{PreVisitStatus: &pv})
		return err
	})
	if err != nil {
		return true, fmt.Errorf("set intake_forms_sent for patient %d: %w", c.ID, err)
	}
	return true, nil
}

// openTask inserts a pending task unless one of that type is outstanding.
func (s *Service) openTask(ctx context.Context, patientID int64, typ crm.TaskType) (crm.OnboardingTask, bool, error) {
	pending, err := s.store.FindTasks(ctx, store.TaskFilter{PatientID: patientID, TaskType: typ, Status: crm.TaskPending})
	if err != nil {
		return crm.OnboardingTask{}, false, fmt.Errorf("find %s tasks for patient %d: %w", typ, patientID, err)
	}
	if len(pending) > 0 {
		return pending[0], false, nil
	}

	task := crm.OnboardingTask{
		PatientID: patientID,
		TaskType:  typ,
		Status:    crm.TaskPending,
		CreatedAt: s.clock.Now(),
	}
	task.ID, err = s.store.InsertTask(ctx, task)
	if err != nil {
		return crm.OnboardingTask{}, false, fmt.Errorf("create %s task for patient %d: %w", typ, patientID, err)
	}
	return task, true, nil
}

// CreateContact validates and inserts a contact. Status defaults to Lead; a
// contact created directly as Client gets the pre-visit automation.
func (s *Service) CreateContact(ctx context.Context, c crm.Contact) (crm.Contact, *Result, error) {
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.FirstName == "" {
		return crm.Contact{}, nil, crm.NewInvalidError("first_name is required")
	}
	if addr, err := mail.ParseAddress(c.Email); err != nil || addr.Address != c.Email {
		return crm.Contact{}, nil, crm.NewInvalidError("invalid email %q", c.Email)
	}
	if c.Status == "" {
		c.Status = crm.StatusLead
	}
	if !c.Status.Valid() {
		return crm.Contact{}, nil, crm.NewInvalidError("invalid status %q", c.Status)
	}
	c.ID = 0
	c.PreVisitStatus = crm.PreVisitStatus{}
	c.CreatedAt = s.clock.Now()

	id, err := s.store.InsertContact(ctx, c)
	if errors.Is(err, store.ErrDuplicate) {
		return crm.Contact{}, nil, crm.NewInvalidError("a contact with email %s already exists", c.Email)
	}
	if err != nil {
		return crm.Contact{}, nil, fmt.Errorf("create contact: %w", err)
	}
	c.ID = id

	if c.Status != crm.StatusClient {
		return c, nil, nil
	}
	res, err := s.TriggerPreVisitAutomation(ctx, id)
	return c, &res, err
}

// SetStatus changes a contact's status. Moving into Client from any other
// status fires the pre-visit automation once for that transition.
func (s *Service) SetStatus(ctx context.Context, patientID int64, status crm.ContactStatus) (crm.Contact, *Result, error) {
	if !status.Valid() {
		return crm.Contact{}, nil, crm.NewInvalidError("invalid status %q", status)
	}
	c, err := s.store.GetContact(ctx, patientID)
	if err != nil {
		return crm.Contact{}, nil, notFound(err, "patient", patientID)
	}
	if c.Status == status {
		return c, nil, nil
	}

	updated, err := s.store.UpdateContact(ctx, patientID, store.ContactPatch{Status: &status})
	if err != nil {
		return crm.Contact{}, nil, fmt.Errorf("set status of patient %d: %w", patientID, err)
	}
	s.logger.InfoContext(ctx, "status changed", "patient_id", patientID, "from", c.Status, "to", status)

	if status != crm.StatusClient {
		return updated, nil, nil
	}
	res, err := s.TriggerPreVisitAutomation(ctx, patientID)
	if err != nil && !crm.IsDelivery(err) {
		return updated, nil, err
	}
	// re-read so the returned contact carries the flags the trigger set
	if fresh, getErr := s.store.GetContact(ctx, patientID); getErr == nil {
		updated = fresh
	}
	return updated, &res, err
}

// CompleteTask marks a task completed and sets the matching
// pre_visit_status flag in the same transaction. Completing an already
// completed task changes nothing.
func (s *Service) CompleteTask(ctx context.Context, taskID int64, notes string) (crm.OnboardingTask, error) {
	var out crm.OnboardingTask
	err := s.store.WithTx(ctx, func(tx store.Records) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return notFound(err, "task", taskID)
		}
		if task.Status == crm.TaskCompleted {
			out = task
			return nil
		}

		now := s.clock.Now()
		completed := crm.TaskCompleted
		patch := store.TaskPatch{Status: &completed, CompletedAt: &now}
		if notes != "" {
			patch.Notes = &notes
		}
		if out, err = tx.UpdateTask(ctx, taskID, patch); err != nil {
			return err
		}

		c, err := tx.GetContact(ctx, task.PatientID)
		if err != nil {
			return notFound(err, "patient", task.PatientID)
		}
		pv := c.PreVisitStatus
		switch task.TaskType {
		case crm.TaskCCOnFile:
			pv.CCOnFile = true
		case crm.TaskFirstAppointmentScheduled:
			pv.FirstAppointmentScheduled = true
		default:
			return crm.NewInvalidError("unknown task type %q", task.TaskType)
		}
		_, err = tx.UpdateContact(ctx, c.ID, store.ContactPatch{PreVisitStatus: &pv})
		return err
	})
	if err != nil {
		return crm.OnboardingTask{}, err
	}
	return out, nil
}

// MarkIntakeCompleted records that the patient returned the intake forms.
func (s *Service) MarkIntakeCompleted(ctx context.Context, patientID int64) (crm.Contact, error) {
	var out crm.Contact
	err := s.store.WithTx(ctx, func(tx store.Records) error {
		c, err := tx.GetContact(ctx, patientID)
		if err != nil {
			return notFound(err, "patient", patientID)
		}
		pv := c.PreVisitStatus
		pv.IntakeFormsCompleted = true
		out, err = tx.UpdateContact(ctx, patientID, store.ContactPatch{PreVisitStatus: &pv})
		return err
	})
	if err != nil {
		return crm.Contact{}, err
	}
	return out, nil
}

// Tasks lists a patient's onboarding tasks. An empty status lists all.
func (s *Service) Tasks(ctx context.Context, patientID int64, status crm.TaskStatus) ([]crm.OnboardingTask, error) {
	if _, err := s.store.GetContact(ctx, patientID); err != nil {
		return nil, notFound(err, "patient", patientID)
	}
	tasks, err := s.store.FindTasks(ctx, store.TaskFilter{PatientID: patientID, Status: status})
	if err != nil {
		return nil, fmt.Errorf("list tasks for patient %d: %w", patientID, err)
	}
	if tasks == nil {
		tasks = []crm.OnboardingTask{}
	}
	return tasks, nil
}

func notFound(err error, entity string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return crm.NewNotFoundError(entity, id)
	}
	return err
}
