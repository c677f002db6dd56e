package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/store"
)

// Guard answers the two cooldown questions against message history.
// Only messages with status "sent" count.
type Guard struct {
	records store.Records
	clock   clock.Clock
}

// NewGuard creates a guard over rec.
func NewGuard(rec store.Records, c clock.Clock) *Guard {
	return &Guard{records: rec, clock: c}
}

// HasRecentMessage reports whether a message of typ was sent to the patient
// within the given window ending now.
func (g *Guard) HasRecentMessage(ctx context.Context, patientID int64, typ crm.EmailType, within time.Duration) (bool, error) {
	msgs, err := g.records.FindMessages(ctx, store.MessageFilter{
		PatientID: patientID,
		Types:     []crm.EmailType{typ},
		Status:    crm.MessageSent,
		SentSince: g.clock.Now().Add(-within),
		Limit:     1,
	})
	if err != nil {
		return false, fmt.Errorf("check recent %s for patient %d: %w", typ, patientID, err)
	}
	return len(msgs) > 0, nil
}

// HasMessageWithTriggerKey reports whether a message of typ was ever sent to
// the patient with trigger_data[key] == value.
func (g *Guard) HasMessageWithTriggerKey(ctx context.Context, patientID int64, typ crm.EmailType, key string, value int64) (bool, error) {
	msgs, err := g.records.FindMessages(ctx, store.MessageFilter{
		PatientID: patientID,
		Types:     []crm.EmailType{typ},
		Status:    crm.MessageSent,
	})
	if err != nil {
		return false, fmt.Errorf("check %s %s=%d for patient %d: %w", typ, key, value, patientID, err)
	}
	for _, m := range msgs {
		if v, ok := m.TriggerData.Int64(key); ok && v == value {
			return true, nil
		}
	}
	return false, nil
}
