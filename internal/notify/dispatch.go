package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/metrics"
	"github.com/roach88/nudgecrm/internal/store"
)

// Nudge is one message the automations decided to send.
type Nudge struct {
	Contact crm.Contact
	Type    crm.EmailType
	Data    EmailData
	Trigger crm.TriggerData
}

// Dispatcher renders, sends and records nudges.
//
// Ordering: the gateway call always returns before the AutomatedMessage is
// written, so a "sent" record never exists for a send still in flight.
type Dispatcher struct {
	gateway   Gateway
	templates *Templates
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock sets the clock used for sent_at.
func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger for delivery outcomes.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics counts every recorded message.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over a gateway and templates.
func NewDispatcher(gateway Gateway, templates *Templates, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		gateway:   gateway,
		templates: templates,
		clock:     clock.System{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver sends n and records the outcome in rec.
//
// A gateway failure is recorded with status "failed" and returned as a
// DeliveryError alongside the recorded message. Render failures return
// before anything is sent or written.
func (d *Dispatcher) Deliver(ctx context.Context, rec store.Records, n Nudge) (crm.AutomatedMessage, error) {
	if n.Data.FirstName == "" {
		n.Data.FirstName = n.Contact.FirstName
	}
	subject, body, err := d.templates.Render(n.Type, n.Data)
	if err != nil {
		return crm.AutomatedMessage{}, err
	}

	deliveryID, sendErr := d.gateway.Send(ctx, Message{To: n.Contact.Email, Subject: subject, Body: body})

	msg := crm.AutomatedMessage{
		PatientID:    n.Contact.ID,
		EmailType:    n.Type,
		SentAt:       d.clock.Now(),
		Status:       crm.MessageSent,
		Subject:      subject,
		EmailContent: body,
		DeliveryID:   deliveryID,
		TriggerData:  n.Trigger,
	}
	if sendErr != nil {
		msg.Status = crm.MessageFailed
		msg.DeliveryID = ""
		msg.Error = sendErr.Error()
	}

	id, err := rec.InsertMessage(ctx, msg)
	if err != nil {
		return crm.AutomatedMessage{}, fmt.Errorf("record %s message for patient %d: %w", n.Type, n.Contact.ID, err)
	}
	msg.ID = id
	d.metrics.ObserveNudge(msg.EmailType, msg.Status)

	if sendErr != nil {
		d.logger.WarnContext(ctx, "delivery failed",
			"patient_id", n.Contact.ID,
			"email_type", n.Type,
			"error", sendErr,
		)
		return msg, crm.NewDeliveryError(n.Contact.ID, n.Contact.Email, sendErr)
	}

	d.logger.DebugContext(ctx, "delivered",
		"patient_id", n.Contact.ID,
		"email_type", n.Type,
		"delivery_id", deliveryID,
	)
	return msg, nil
}
