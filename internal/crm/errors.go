package crm

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes domain errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates an unknown patient, package or record id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeExhausted indicates a session was requested from a package with none left.
	ErrCodeExhausted ErrorCode = "EXHAUSTED"

	// ErrCodeDeliveryFailed indicates the notification gateway rejected a message.
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"

	// ErrCodeIntegrity indicates stored data violates a ledger invariant.
	ErrCodeIntegrity ErrorCode = "INTEGRITY"

	// ErrCodeInvalid indicates caller input failed validation.
	ErrCodeInvalid ErrorCode = "INVALID"
)

// Error is a domain error with structured fields for callers and logs.
type Error struct {
	Code    ErrorCode
	Message string

	// Entity and ID identify the affected record, when there is one.
	Entity string
	ID     int64

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entity != "" {
		msg = fmt.Sprintf("%s (%s=%d)", msg, e.Entity, e.ID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsNotFound(err error) bool  { return CodeOf(err) == ErrCodeNotFound }
func IsExhausted(err error) bool { return CodeOf(err) == ErrCodeExhausted }
func IsDelivery(err error) bool  { return CodeOf(err) == ErrCodeDeliveryFailed }
func IsIntegrity(err error) bool { return CodeOf(err) == ErrCodeIntegrity }
func IsInvalid(err error) bool   { return CodeOf(err) == ErrCodeInvalid }

// NewNotFoundError reports an unknown record.
func NewNotFoundError(entity string, id int64) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: entity + " not found",
		Entity:  entity,
		ID:      id,
	}
}

// NewExhaustedError reports a patient package with no sessions left.
func NewExhaustedError(patientPackageID int64) *Error {
	return &Error{
		Code:    ErrCodeExhausted,
		Message: "no sessions remaining",
		Entity:  "patient_package",
		ID:      patientPackageID,
	}
}

// NewDeliveryError wraps a gateway failure for the given recipient.
func NewDeliveryError(patientID int64, to string, err error) *Error {
	return &Error{
		Code:    ErrCodeDeliveryFailed,
		Message: fmt.Sprintf("send to %s failed", to),
		Entity:  "patient",
		ID:      patientID,
		Err:     err,
	}
}

// NewIntegrityError reports a violated ledger invariant for a patient.
func NewIntegrityError(patientID int64, message string) *Error {
	return &Error{
		Code:    ErrCodeIntegrity,
		Message: message,
		Entity:  "patient",
		ID:      patientID,
	}
}

// NewInvalidError reports rejected input.
func NewInvalidError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeInvalid,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewNoActivePackageError reports a patient with nothing left to book against.
func NewNoActivePackageError(patientID int64) *Error {
	return &Error{
		Code:    ErrCodeExhausted,
		Message: "no active package with sessions remaining",
		Entity:  "patient",
		ID:      patientID,
	}
}
