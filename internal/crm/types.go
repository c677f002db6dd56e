package crm

import (
	"encoding/json"
	"time"
)

// ContactStatus is the lifecycle stage of a contact.
type ContactStatus string

const (
	StatusLead       ContactStatus = "Lead"
	StatusClient     ContactStatus = "Client"
	StatusPastClient ContactStatus = "Past Client"
	StatusDormant    ContactStatus = "Dormant"
)

// Valid reports whether s is one of the known statuses.
func (s ContactStatus) Valid() bool {
	switch s {
	case StatusLead, StatusClient, StatusPastClient, StatusDormant:
		return true
	}
	return false
}

// PreVisitStatus tracks the onboarding checklist of a new client.
type PreVisitStatus struct {
	IntakeFormsSent           bool `json:"intake_forms_sent"`
	IntakeFormsCompleted      bool `json:"intake_forms_completed"`
	CCOnFile                  bool `json:"cc_on_file"`
	FirstAppointmentScheduled bool `json:"first_appointment_scheduled"`
}

// Contact is a lead or patient.
type Contact struct {
	ID             int64          `json:"id"`
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	Email          string         `json:"email"`
	Status         ContactStatus  `json:"status"`
	PreVisitStatus PreVisitStatus `json:"pre_visit_status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// FullName joins first and last name.
func (c Contact) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Package is a purchasable bundle of treatment sessions.
type Package struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	NumberOfSessions int     `json:"number_of_sessions"`
	Price            float64 `json:"price"`
	Description      string  `json:"description"`
}

// PatientPackage is one purchase of a Package and its consumption.
//
// Invariants: SessionsUsed+SessionsRemaining == TotalSessions, and
// SessionsRemaining == 0 implies !IsActive.
type PatientPackage struct {
	ID                int64     `json:"id"`
	PatientID         int64     `json:"patient_id"`
	PackageID         int64     `json:"package_id"`
	PurchaseDate      time.Time `json:"purchase_date"`
	TotalSessions     int       `json:"total_sessions"`
	SessionsUsed      int       `json:"sessions_used"`
	SessionsRemaining int       `json:"sessions_remaining"`
	IsActive          bool      `json:"is_active"`
}

// EmailType identifies which automation produced a message.
type EmailType string

const (
	EmailIntakeForms         EmailType = "intake_forms"
	EmailLowSessionsWarning  EmailType = "low_sessions_warning"
	EmailPackageRenewal      EmailType = "package_renewal"
	EmailDormantReactivation EmailType = "dormant_reactivation"
	EmailFeedbackRequest     EmailType = "feedback_request"
)

// AutomationEmailTypes lists every type produced by the automations, in the
// order they are documented to operators.
var AutomationEmailTypes = []EmailType{
	EmailIntakeForms,
	EmailLowSessionsWarning,
	EmailPackageRenewal,
	EmailDormantReactivation,
	EmailFeedbackRequest,
}

// MessageStatus is the delivery outcome recorded for a message.
type MessageStatus string

const (
	MessageSent   MessageStatus = "sent"
	MessageFailed MessageStatus = "failed"
)

// AutomatedMessage is both the delivery log and the deduplication record the
// rule engine consults before sending again.
type AutomatedMessage struct {
	ID           int64         `json:"id"`
	PatientID    int64         `json:"patient_id"`
	EmailType    EmailType     `json:"email_type"`
	SentAt       time.Time     `json:"sent_at"`
	Status       MessageStatus `json:"status"`
	Subject      string        `json:"subject"`
	EmailContent string        `json:"email_content"`
	DeliveryID   string        `json:"delivery_id,omitempty"`
	Error        string        `json:"error,omitempty"`
	TriggerData  TriggerData   `json:"trigger_data"`
}

// TriggerData is the free-form context a message was sent for.
type TriggerData map[string]any

// Int64 returns the value at key as an int64. Values decoded from JSON arrive
// as float64 or json.Number, so both are accepted.
func (d TriggerData) Int64(key string) (int64, bool) {
	switch v := d[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), v == float64(int64(v))
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// TaskType names an onboarding checklist item.
type TaskType string

const (
	TaskCCOnFile                  TaskType = "cc_on_file"
	TaskFirstAppointmentScheduled TaskType = "first_appointment_scheduled"
)

// TaskStatus is the state of an onboarding task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// OnboardingTask is a manual step the front desk completes for a new client.
type OnboardingTask struct {
	ID          int64      `json:"id"`
	PatientID   int64      `json:"patient_id"`
	TaskType    TaskType   `json:"task_type"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Notes       string     `json:"notes"`
}

// AppointmentStatus is the state of a booked visit.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Valid reports whether s is one of the known appointment statuses.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

// Appointment is a visit, optionally paid for from a patient package.
type Appointment struct {
	ID               int64             `json:"id"`
	PatientID        int64             `json:"patient_id"`
	PatientPackageID *int64            `json:"patient_package_id"`
	ScheduledAt      time.Time         `json:"scheduled_at"`
	Status           AppointmentStatus `json:"status"`
	Notes            string            `json:"notes"`
	CreatedAt        time.Time         `json:"created_at"`
}
