package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/nudgecrm/internal/crm"
)

// Rule names a daily check.
type Rule string

const (
	RuleLowSessions Rule = "low_sessions"
	RuleRenewal     Rule = "renewal"
	RuleDormant     Rule = "dormant"
)

// CheckError is one per-patient failure collected during a run.
type CheckError struct {
	Rule      Rule          `json:"rule"`
	PatientID int64         `json:"patient_id"`
	Code      crm.ErrorCode `json:"code,omitempty"`
	Message   string        `json:"message"`

	Err error `json:"-"`
}

func newCheckError(rule Rule, patientID int64, err error) CheckError {
	return CheckError{
		Rule:      rule,
		PatientID: patientID,
		Code:      crm.CodeOf(err),
		Message:   err.Error(),
		Err:       err,
	}
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return fmt.Sprintf("%s: patient %d: %s", e.Rule, e.PatientID, e.Message)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// IsCheckError returns true if err wraps a CheckError.
func IsCheckError(err error) bool {
	var ce *CheckError
	return errors.As(err, &ce)
}
