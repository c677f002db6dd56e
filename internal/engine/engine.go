package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/crm"
	"github.com/roach88/nudgecrm/internal/metrics"
	"github.com/roach88/nudgecrm/internal/notify"
	"github.com/roach88/nudgecrm/internal/store"
)

const day = 24 * time.Hour

// Rules holds the thresholds the checks use.
type Rules struct {
	// LowSessionsThreshold: Rule A fires while 0 < remaining < threshold.
	LowSessionsThreshold int
	LowSessionsCooldown  time.Duration

	// DormantAfter is how long since the last visit before Rule C fires.
	DormantAfter    time.Duration
	DormantCooldown time.Duration
}

// DefaultRules returns the standard thresholds.
func DefaultRules() Rules {
	return Rules{
		LowSessionsThreshold: 3,
		LowSessionsCooldown:  7 * day,
		DormantAfter:         45 * day,
		DormantCooldown:      30 * day,
	}
}

// Summary is the result of one check run. Counts are messages recorded,
// sent or failed.
type Summary struct {
	RunID       string       `json:"run_id"`
	LowSessions int          `json:"low_sessions"`
	Renewals    int          `json:"renewals"`
	Dormant     int          `json:"dormant"`
	Timestamp   time.Time    `json:"timestamp"`
	Errors      []CheckError `json:"errors"`
}

// Engine runs the daily checks.
//
// Thread-safety: RunDailyChecks and NudgeHistory are safe from any goroutine.
// Runs are serialized by the run lock.
type Engine struct {
	store      store.Store
	dispatcher *notify.Dispatcher
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	rules      Rules
	runIDs     RunIDGenerator

	runMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock the rules evaluate against.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRules overrides DefaultRules.
func WithRules(r Rules) Option {
	return func(e *Engine) { e.rules = r }
}

// WithRunIDGenerator sets the run id source. Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// New creates an Engine over s that sends through d.
func New(s store.Store, d *notify.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		dispatcher: d,
		clock:      clock.System{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		rules:      DefaultRules(),
		runIDs:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the state of one RunDailyChecks call.
type run struct {
	*Engine
	id       string
	now      time.Time
	guard    *Guard
	summary  *Summary
	contacts map[int64]crm.Contact

	// active holds each patient's active packages; more than one is an
	// integrity violation reported once per run.
	active    map[int64][]crm.PatientPackage
	integrity map[int64]bool
	pkgNames  map[int64]string
}

// RunDailyChecks evaluates rules A, B and C and sends whatever is due.
//
// Safe to call repeatedly: the guards make a re-run a no-op for patients
// already notified. Concurrent calls wait on the run lock.
func (e *Engine) RunDailyChecks(ctx context.Context) (Summary, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	began := time.Now()
	r := &run{
		Engine:    e,
		id:        e.runIDs.Generate(),
		now:       e.clock.Now(),
		guard:     NewGuard(e.store, e.clock),
		integrity: make(map[int64]bool),
		pkgNames:  make(map[int64]string),
	}
	r.summary = &Summary{RunID: r.id, Timestamp: r.now, Errors: []CheckError{}}

	logger := e.logger.With("run_id", r.id)
	logger.InfoContext(ctx, "daily checks started")

	if err := r.load(ctx); err != nil {
		return Summary{}, fmt.Errorf("daily checks %s: %w", r.id, err)
	}

	r.summary.LowSessions = r.lowSessions(ctx)
	renewals, err := r.renewals(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("daily checks %s: %w", r.id, err)
	}
	r.summary.Renewals = renewals
	r.summary.Dormant = r.dormant(ctx)

	e.metrics.ObserveRun(e.clock.Now(), time.Since(began), len(r.summary.Errors))
	logger.InfoContext(ctx, "daily checks finished",
		"low_sessions", r.summary.LowSessions,
		"renewals", r.summary.Renewals,
		"dormant", r.summary.Dormant,
		"errors", len(r.summary.Errors),
	)
	return *r.summary, nil
}

// load reads the contacts and active packages every rule needs.
func (r *run) load(ctx context.Context) error {
	contacts, err := r.store.FindContacts(ctx, store.ContactFilter{})
	if err != nil {
		return err
	}
	r.contacts = make(map[int64]crm.Contact, len(contacts))
	for _, c := range contacts {
		r.contacts[c.ID] = c
	}

	active, err := r.store.FindPatientPackages(ctx, store.PatientPackageFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	r.active = make(map[int64][]crm.PatientPackage)
	for _, pp := range active {
		r.active[pp.PatientID] = append(r.active[pp.PatientID], pp)
	}
	return nil
}

func (r *run) fail(ctx context.Context, rule Rule, patientID int64, err error) {
	r.logger.WarnContext(ctx, "check failed",
		"run_id", r.id,
		"rule", rule,
		"patient_id", patientID,
		"error", err,
	)
	r.summary.Errors = append(r.summary.Errors, newCheckError(rule, patientID, err))
}

// activePackage returns the single active package of a patient. An
// integrity violation is reported the first time it is seen in a run.
func (r *run) activePackage(ctx context.Context, rule Rule, patientID int64) (crm.PatientPackage, bool, error) {
	pps := r.active[patientID]
	switch len(pps) {
	case 0:
		return crm.PatientPackage{}, false, nil
	case 1:
		return pps[0], true, nil
	}
	err := crm.NewIntegrityError(patientID, fmt.Sprintf("%d active packages", len(pps)))
	if !r.integrity[patientID] {
		r.integrity[patientID] = true
		r.fail(ctx, rule, patientID, err)
	}
	return crm.PatientPackage{}, false, err
}

func (r *run) contact(patientID int64) (crm.Contact, error) {
	c, ok := r.contacts[patientID]
	if !ok {
		return crm.Contact{}, crm.NewNotFoundError("patient", patientID)
	}
	return c, nil
}

func (r *run) packageName(ctx context.Context, packageID int64) (string, error) {
	if name, ok := r.pkgNames[packageID]; ok {
		return name, nil
	}
	pkg, err := r.store.GetPackage(ctx, packageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", crm.NewNotFoundError("package", packageID)
	}
	if err != nil {
		return "", err
	}
	r.pkgNames[packageID] = pkg.Name
	return pkg.Name, nil
}

// deliver sends a nudge and reports whether a message was recorded. A
// delivery failure is recorded and also collected as an error.
func (r *run) deliver(ctx context.Context, rule Rule, n notify.Nudge) (crm.AutomatedMessage, bool) {
	n.Trigger["run_id"] = r.id
	msg, err := r.dispatcher.Deliver(ctx, r.store, n)
	if err != nil {
		r.fail(ctx, rule, n.Contact.ID, err)
		return msg, msg.ID != 0
	}
	return msg, true
}

// lowSessions is Rule A.
func (r *run) lowSessions(ctx context.Context) int {
	count := 0
	for _, patientID := range sortedPatients(r.active) {
		pp, ok, err := r.activePackage(ctx, RuleLowSessions, patientID)
		if err != nil || !ok {
			continue
		}
		if pp.SessionsRemaining <= 0 || pp.SessionsRemaining >= r.rules.LowSessionsThreshold {
			continue
		}

		c, err := r.contact(patientID)
		if err != nil {
			r.fail(ctx, RuleLowSessions, patientID, err)
			continue
		}
		recent, err := r.guard.HasRecentMessage(ctx, patientID, crm.EmailLowSessionsWarning, r.rules.LowSessionsCooldown)
		if err != nil {
			r.fail(ctx, RuleLowSessions, patientID, err)
			continue
		}
		if recent {
			continue
		}
		name, err := r.packageName(ctx, pp.PackageID)
		if err != nil {
			r.fail(ctx, RuleLowSessions, patientID, err)
			continue
		}

		_, recorded := r.deliver(ctx, RuleLowSessions, notify.Nudge{
			Contact: c,
			Type:    crm.EmailLowSessionsWarning,
			Data: notify.EmailData{
				PackageName:       name,
				SessionsRemaining: pp.SessionsRemaining,
				TotalSessions:     pp.TotalSessions,
			},
			Trigger: crm.TriggerData{
				"sessions_remaining": pp.SessionsRemaining,
				"package_id":         pp.ID,
			},
		})
		if recorded {
			count++
		}
	}
	return count
}

// renewals is Rule B. Exhausted packages are notified once per package id,
// active or not, and deactivated afterwards if still active.
func (r *run) renewals(ctx context.Context) (int, error) {
	exhausted, err := r.store.FindPatientPackages(ctx, store.PatientPackageFilter{Exhausted: true})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, pp := range exhausted {
		if r.renewal(ctx, pp) {
			count++
		}
		if pp.IsActive {
			if _, err := r.store.UpdatePatientPackage(ctx, pp.ID, store.PatientPackagePatch{IsActive: ptr(false)}); err != nil {
				r.fail(ctx, RuleRenewal, pp.PatientID, fmt.Errorf("deactivate patient package %d: %w", pp.ID, err))
			}
		}
	}
	return count, nil
}

func (r *run) renewal(ctx context.Context, pp crm.PatientPackage) bool {
	c, err := r.contact(pp.PatientID)
	if err != nil {
		r.fail(ctx, RuleRenewal, pp.PatientID, err)
		return false
	}
	notified, err := r.guard.HasMessageWithTriggerKey(ctx, pp.PatientID, crm.EmailPackageRenewal, "package_id", pp.ID)
	if err != nil {
		r.fail(ctx, RuleRenewal, pp.PatientID, err)
		return false
	}
	if notified {
		return false
	}
	name, err := r.packageName(ctx, pp.PackageID)
	if err != nil {
		r.fail(ctx, RuleRenewal, pp.PatientID, err)
		return false
	}

	_, recorded := r.deliver(ctx, RuleRenewal, notify.Nudge{
		Contact: c,
		Type:    crm.EmailPackageRenewal,
		Data: notify.EmailData{
			PackageName:   name,
			TotalSessions: pp.TotalSessions,
		},
		Trigger: crm.TriggerData{
			"package_id":         pp.ID,
			"sessions_remaining": pp.SessionsRemaining,
		},
	})
	return recorded
}

// dormant is Rule C. Status moves to Dormant only after a successful send,
// so a failed attempt is retried on the next run.
func (r *run) dormant(ctx context.Context) int {
	cutoff := r.now.Add(-r.rules.DormantAfter)

	count := 0
	for _, id := range sortedPatients(r.contacts) {
		c := r.contacts[id]
		if c.Status != crm.StatusClient {
			continue
		}
		if _, ok, err := r.activePackage(ctx, RuleDormant, c.ID); err != nil || ok {
			continue
		}

		last, err := r.lastVisit(ctx, c)
		if err != nil {
			r.fail(ctx, RuleDormant, c.ID, err)
			continue
		}
		if !last.Before(cutoff) {
			continue
		}

		recent, err := r.guard.HasRecentMessage(ctx, c.ID, crm.EmailDormantReactivation, r.rules.DormantCooldown)
		if err != nil {
			r.fail(ctx, RuleDormant, c.ID, err)
			continue
		}
		if recent {
			continue
		}

		msg, recorded := r.deliver(ctx, RuleDormant, notify.Nudge{
			Contact: c,
			Type:    crm.EmailDormantReactivation,
			Trigger: crm.TriggerData{
				"last_visit": last.Format(time.RFC3339),
			},
		})
		if recorded {
			count++
		}
		if msg.Status != crm.MessageSent {
			continue
		}
		if _, err := r.store.UpdateContact(ctx, c.ID, store.ContactPatch{Status: ptr(crm.StatusDormant)}); err != nil {
			r.fail(ctx, RuleDormant, c.ID, fmt.Errorf("mark dormant: %w", err))
		}
	}
	return count
}

// lastVisit is the latest non-cancelled appointment time, future ones
// included, or the contact's creation time when there has never been one.
func (r *run) lastVisit(ctx context.Context, c crm.Contact) (time.Time, error) {
	appts, err := r.store.FindAppointments(ctx, store.AppointmentFilter{PatientID: c.ID, ExcludeCancelled: true})
	if err != nil {
		return time.Time{}, fmt.Errorf("find appointments: %w", err)
	}
	last := c.CreatedAt
	if len(appts) > 0 {
		last = appts[0].ScheduledAt
		for _, a := range appts[1:] {
			if a.ScheduledAt.After(last) {
				last = a.ScheduledAt
			}
		}
	}
	return last, nil
}

// HistoryFilter narrows NudgeHistory. Zero values mean all patients and no
// limit.
type HistoryFilter struct {
	PatientID int64
	Limit     int
}

// NudgeHistory returns automation messages, newest first.
func (e *Engine) NudgeHistory(ctx context.Context, f HistoryFilter) ([]crm.AutomatedMessage, error) {
	msgs, err := e.store.FindMessages(ctx, store.MessageFilter{
		PatientID:   f.PatientID,
		Types:       crm.AutomationEmailTypes,
		NewestFirst: true,
		Limit:       f.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("nudge history: %w", err)
	}
	if msgs == nil {
		msgs = []crm.AutomatedMessage{}
	}
	return msgs, nil
}

func sortedPatients[V any](m map[int64]V) []int64 {
	return slices.Sorted(maps.Keys(m))
}

func ptr[T any](v T) *T { return &v }
