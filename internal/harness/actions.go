package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/nudgecrm/internal/crm"
)

type actionFunc func(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error)

var actions = map[string]actionFunc{
	"contact.create":           contactCreate,
	"contact.set_status":       contactSetStatus,
	"contact.intake_completed": contactIntakeCompleted,
	"previsit.trigger":         previsitTrigger,
	"task.complete":            taskComplete,
	"package.create":           packageCreate,
	"package.purchase":         packagePurchase,
	"session.consume":          sessionConsume,
	"booking.check":            bookingCheck,
	"appointment.book":         appointmentBook,
	"checks.run":               checksRun,
	"clock.advance":            clockAdvance,
	"gateway.fail":             gatewayFail,
	"gateway.recover":          gatewayRecover,
}

func contactCreate(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	c, res, err := h.onboarding.CreateContact(ctx, crm.Contact{
		FirstName: stringArg(args, "first_name"),
		LastName:  stringArg(args, "last_name"),
		Email:     stringArg(args, "email"),
		Status:    crm.ContactStatus(stringArg(args, "status")),
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{"id": c.ID, "status": string(c.Status)}
	if res != nil {
		out["intake_email_sent"] = res.IntakeEmailSent
		out["tasks_created"] = len(res.TasksCreated)
	}
	return out, nil
}

func contactSetStatus(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	id, err := intArg(args, "patient")
	if err != nil {
		return nil, err
	}
	c, res, err := h.onboarding.SetStatus(ctx, id, crm.ContactStatus(stringArg(args, "status")))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"status": string(c.Status), "triggered": res != nil}
	if res != nil {
		out["intake_email_sent"] = res.IntakeEmailSent
		out["tasks_created"] = len(res.TasksCreated)
	}
	return out, nil
}

func contactIntakeCompleted(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	id, err := intArg(args, "patient")
	if err != nil {
		return nil, err
	}
	c, err := h.onboarding.MarkIntakeCompleted(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"intake_forms_completed": c.PreVisitStatus.IntakeFormsCompleted}, nil
}

func previsitTrigger(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	id, err := intArg(args, "patient")
	if err != nil {
		return nil, err
	}
	res, err := h.onboarding.TriggerPreVisitAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"intake_email_sent": res.IntakeEmailSent,
		"tasks_created":     len(res.TasksCreated),
		"skipped":           len(res.Skipped),
	}, nil
}

func taskComplete(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	id, err := intArg(args, "task")
	if err != nil {
		return nil, err
	}
	task, err := h.onboarding.CompleteTask(ctx, id, stringArg(args, "notes"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_type": string(task.TaskType), "status": string(task.Status)}, nil
}

func packageCreate(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	sessions, err := intArg(args, "sessions")
	if err != nil {
		return nil, err
	}
	price, err := floatArg(args, "price")
	if err != nil {
		return nil, err
	}
	p, err := h.ledger.CreatePackage(ctx, crm.Package{
		Name:             stringArg(args, "name"),
		NumberOfSessions: int(sessions),
		Price:            price,
		Description:      stringArg(args, "description"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": p.ID}, nil
}

func packagePurchase(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	patient, err := intArg(args, "patient")
	if err != nil {
		return nil, err
	}
	pkg, err := intArg(args, "package")
	if err != nil {
		return nil, err
	}
	pp, err := h.ledger.Purchase(ctx, patient, pkg)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":                 pp.ID,
		"total_sessions":     pp.TotalSessions,
		"sessions_remaining": pp.SessionsRemaining,
		"is_active":          pp.IsActive,
	}, nil
}

func sessionConsume(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	id, err := intArg(args, "patient_package")
	if err != nil {
		return nil, err
	}
	pp, err := h.ledger.ConsumeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessions_used":      pp.SessionsUsed,
		"sessions_remaining": pp.SessionsRemaining,
		"is_active":          pp.IsActive,
	}, nil
}

func bookingCheck(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	id, err := intArg(args, "patient")
	if err != nil {
		return nil, err
	}
	e, err := h.ledger.CanBookAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"can_book": e.CanBook, "sessions_remaining": e.SessionsRemaining}, nil
}

func appointmentBook(ctx context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	id, err := intArg(args, "patient")
	if err != nil {
		return nil, err
	}
	offset, err := durationArgs(args)
	if err != nil {
		return nil, err
	}
	appt, err := h.ledger.BookAppointment(ctx, id, h.clock.Now().Add(offset), stringArg(args, "notes"))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"id": appt.ID}
	if appt.PatientPackageID != nil {
		out["patient_package"] = *appt.PatientPackageID
	}
	return out, nil
}

func checksRun(ctx context.Context, h *Harness, _ map[string]any) (map[string]any, error) {
	s, err := h.engine.RunDailyChecks(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"run_id":       s.RunID,
		"low_sessions": s.LowSessions,
		"renewals":     s.Renewals,
		"dormant":      s.Dormant,
		"errors":       len(s.Errors),
	}, nil
}

func clockAdvance(_ context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	d, err := durationArgs(args)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, crm.NewInvalidError("clock.advance needs positive days or hours")
	}
	h.clock.Advance(d)
	return map[string]any{"now": h.clock.Now().Format(time.RFC3339)}, nil
}

func gatewayFail(_ context.Context, h *Harness, args map[string]any) (map[string]any, error) {
	if to := stringArg(args, "to"); to != "" {
		h.gateway.FailFor(to)
	} else {
		h.gateway.FailAll(true)
	}
	return map[string]any{}, nil
}

func gatewayRecover(_ context.Context, h *Harness, _ map[string]any) (map[string]any, error) {
	h.gateway.Recover()
	return map[string]any{}, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// intArg reads a required integer. YAML yields int; JSON-ish sources may
// yield float64.
func intArg(args map[string]any, key string) (int64, error) {
	n, ok, err := optionalInt(args, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, crm.NewInvalidError("missing argument %q", key)
	}
	return n, nil
}

func optionalInt(args map[string]any, key string) (int64, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	if n, ok := toInt64(v); ok {
		return n, true, nil
	}
	return 0, false, crm.NewInvalidError("argument %q must be an integer, got %v", key, v)
}

func floatArg(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, crm.NewInvalidError("argument %q must be a number, got %v", key, args[key])
}

func durationArgs(args map[string]any) (time.Duration, error) {
	days, _, err := optionalInt(args, "in_days")
	if err != nil {
		return 0, err
	}
	if d, ok, err := optionalInt(args, "days"); err != nil {
		return 0, err
	} else if ok {
		days += d
	}
	hours, _, err := optionalInt(args, "in_hours")
	if err != nil {
		return 0, err
	}
	if hr, ok, err := optionalInt(args, "hours"); err != nil {
		return 0, err
	} else if ok {
		hours += hr
	}
	return time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour, nil
}
