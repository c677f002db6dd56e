package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContactStatus_Valid(t *testing.T) {
	for _, s := range []ContactStatus{StatusLead, StatusClient, StatusPastClient, StatusDormant} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, ContactStatus("client").Valid())
	assert.False(t, ContactStatus("").Valid())
}

func TestAppointmentStatus_Valid(t *testing.T) {
	assert.True(t, AppointmentNoShow.Valid())
	assert.False(t, AppointmentStatus("rescheduled").Valid())
}

func TestContact_FullName(t *testing.T) {
	assert.Equal(t, "Ann Lee", Contact{FirstName: "Ann", LastName: "Lee"}.FullName())
	assert.Equal(t, "Ann", Contact{FirstName: "Ann"}.FullName())
}

func TestTriggerData_Int64(t *testing.T) {
	var decoded TriggerData
	require.NoError(t, json.Unmarshal([]byte(`{"package_id": 7, "ratio": 1.5, "name": "x"}`), &decoded))

	tests := []struct {
		name   string
		data   TriggerData
		key    string
		want   int64
		wantOK bool
	}{
		{"int", TriggerData{"n": 3}, "n", 3, true},
		{"int64", TriggerData{"n": int64(9)}, "n", 9, true},
		{"decoded json", decoded, "package_id", 7, true},
		{"fractional float", decoded, "ratio", 0, false},
		{"string", decoded, "name", 0, false},
		{"missing", decoded, "nope", 0, false},
		{"json number", TriggerData{"n": json.Number("12")}, "n", 12, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.data.Int64(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("purchase: %w", NewNotFoundError("package", 4))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsExhausted(wrapped))
	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))

	assert.True(t, IsExhausted(NewExhaustedError(1)))
	assert.True(t, IsExhausted(NewNoActivePackageError(1)))
	assert.True(t, IsIntegrity(NewIntegrityError(1, "2 active packages")))
	assert.True(t, IsInvalid(NewInvalidError("bad %s", "input")))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
}

func TestDeliveryError_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDeliveryError(5, "ann@example.com", cause)

	assert.True(t, IsDelivery(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "DELIVERY_FAILED: send to ann@example.com failed (patient=5): connection refused", err.Error())
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: package not found (package=4)", NewNotFoundError("package", 4).Error())
	assert.Equal(t, "INVALID: bad input", NewInvalidError("bad input").Error())
}
