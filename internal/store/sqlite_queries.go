package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/nudgecrm/internal/crm"
)

// timeLayout is fixed width so stored text sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Records against a dbtx.
type queries struct {
	db dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

func (q *queries) insert(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, ErrDuplicate)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: last insert id: %w", op, err)
	}
	return id, nil
}

// ---------- contacts ----------

const contactColumns = `id, first_name, last_name, email, status,
	intake_forms_sent, intake_forms_completed, cc_on_file, first_appointment_scheduled, created_at`

func scanContact(row scanner) (crm.Contact, error) {
	var c crm.Contact
	var status, createdAt string
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &status,
		&c.PreVisitStatus.IntakeFormsSent, &c.PreVisitStatus.IntakeFormsCompleted,
		&c.PreVisitStatus.CCOnFile, &c.PreVisitStatus.FirstAppointmentScheduled, &createdAt)
	if err != nil {
		return crm.Contact{}, err
	}
	c.Status = crm.ContactStatus(status)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return crm.Contact{}, err
	}
	return c, nil
}

func (q *queries) InsertContact(ctx context.Context, c crm.Contact) (int64, error) {
	pv := c.PreVisitStatus
	return q.insert(ctx, "insert contact", `
		INSERT INTO contacts
		(first_name, last_name, email, status, intake_forms_sent, intake_forms_completed,
		 cc_on_file, first_appointment_scheduled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.FirstName, c.LastName, c.Email, string(c.Status),
		pv.IntakeFormsSent, pv.IntakeFormsCompleted, pv.CCOnFile, pv.FirstAppointmentScheduled,
		formatTime(c.CreatedAt),
	)
}

func (q *queries) GetContact(ctx context.Context, id int64) (crm.Contact, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Contact{}, fmt.Errorf("get contact %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return crm.Contact{}, fmt.Errorf("get contact %d: %w", id, err)
	}
	return c, nil
}

func (q *queries) FindContacts(ctx context.Context, f ContactFilter) ([]crm.Contact, error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Email != "" {
		w.add("email = ?", f.Email)
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts`+w.String()+` ORDER BY id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	defer rows.Close()

	var out []crm.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("find contacts: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) UpdateContact(ctx context.Context, id int64, p ContactPatch) (crm.Contact, error) {
	var sets []string
	var args []any
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if pv := p.PreVisitStatus; pv != nil {
		sets = append(sets,
			"intake_forms_sent = ?", "intake_forms_completed = ?",
			"cc_on_file = ?", "first_appointment_scheduled = ?")
		args = append(args, pv.IntakeFormsSent, pv.IntakeFormsCompleted, pv.CCOnFile, pv.FirstAppointmentScheduled)
	}
	if err := q.update(ctx, "contacts", id, sets, args); err != nil {
		return crm.Contact{}, fmt.Errorf("update contact %d: %w", id, err)
	}
	return q.GetContact(ctx, id)
}

// update applies SET clauses to one row and reports ErrNotFound when no row
// has the id.
func (q *queries) update(ctx context.Context, table string, id int64, sets []string, args []any) error {
	if len(sets) == 0 {
		var exists int
		err := q.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	args = append(args, id)
	res, err := q.db.ExecContext(ctx, `UPDATE `+table+` SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- packages ----------

func scanPackage(row scanner) (crm.Package, error) {
	var p crm.Package
	err := row.Scan(&p.ID, &p.Name, &p.NumberOfSessions, &p.Price, &p.Description)
	return p, err
}

func (q *queries) InsertPackage(ctx context.Context, p crm.Package) (int64, error) {
	return q.insert(ctx, "insert package", `
		INSERT INTO packages (name, number_of_sessions, price, description)
		VALUES (?, ?, ?, ?)
	`, p.Name, p.NumberOfSessions, p.Price, p.Description)
}

func (q *queries) GetPackage(ctx context.Context, id int64) (crm.Package, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, number_of_sessions, price, description FROM packages WHERE id = ?
	`, id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Package{}, fmt.Errorf("get package %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return crm.Package{}, fmt.Errorf("get package %d: %w", id, err)
	}
	return p, nil
}

func (q *queries) FindPackages(ctx context.Context) ([]crm.Package, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, number_of_sessions, price, description FROM packages ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("find packages: %w", err)
	}
	defer rows.Close()

	var out []crm.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("find packages: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------- patient packages ----------

const patientPackageColumns = `id, patient_id, package_id, purchase_date,
	total_sessions, sessions_used, sessions_remaining, is_active`

func scanPatientPackage(row scanner) (crm.PatientPackage, error) {
	var pp crm.PatientPackage
	var purchased string
	err := row.Scan(&pp.ID, &pp.PatientID, &pp.PackageID, &purchased,
		&pp.TotalSessions, &pp.SessionsUsed, &pp.SessionsRemaining, &pp.IsActive)
	if err != nil {
		return crm.PatientPackage{}, err
	}
	if pp.PurchaseDate, err = parseTime(purchased); err != nil {
		return crm.PatientPackage{}, err
	}
	return pp, nil
}

func (q *queries) InsertPatientPackage(ctx context.Context, pp crm.PatientPackage) (int64, error) {
	return q.insert(ctx, "insert patient package", `
		INSERT INTO patient_packages
		(patient_id, package_id, purchase_date, total_sessions, sessions_used, sessions_remaining, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		pp.PatientID, pp.PackageID, formatTime(pp.PurchaseDate),
		pp.TotalSessions, pp.SessionsUsed, pp.SessionsRemaining, pp.IsActive,
	)
}

func (q *queries) GetPatientPackage(ctx context.Context, id int64) (crm.PatientPackage, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+patientPackageColumns+` FROM patient_packages WHERE id = ?`, id)
	pp, err := scanPatientPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.PatientPackage{}, fmt.Errorf("get patient package %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return crm.PatientPackage{}, fmt.Errorf("get patient package %d: %w", id, err)
	}
	return pp, nil
}

func (q *queries) FindPatientPackages(ctx context.Context, f PatientPackageFilter) ([]crm.PatientPackage, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = ?", f.PatientID)
	}
	if f.ActiveOnly {
		w.add("is_active = 1")
	}
	if f.Exhausted {
		w.add("sessions_remaining = 0")
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+patientPackageColumns+` FROM patient_packages`+w.String()+` ORDER BY id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find patient packages: %w", err)
	}
	defer rows.Close()

	var out []crm.PatientPackage
	for rows.Next() {
		pp, err := scanPatientPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("find patient packages: scan: %w", err)
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

func (q *queries) UpdatePatientPackage(ctx context.Context, id int64, p PatientPackagePatch) (crm.PatientPackage, error) {
	var sets []string
	var args []any
	if p.SessionsUsed != nil {
		sets = append(sets, "sessions_used = ?")
		args = append(args, *p.SessionsUsed)
	}
	if p.SessionsRemaining != nil {
		sets = append(sets, "sessions_remaining = ?")
		args = append(args, *p.SessionsRemaining)
	}
	if p.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *p.IsActive)
	}
	if err := q.update(ctx, "patient_packages", id, sets, args); err != nil {
		return crm.PatientPackage{}, fmt.Errorf("update patient package %d: %w", id, err)
	}
	return q.GetPatientPackage(ctx, id)
}

// ---------- automated messages ----------

func (q *queries) InsertMessage(ctx context.Context, m crm.AutomatedMessage) (int64, error) {
	data := m.TriggerData
	if data == nil {
		data = crm.TriggerData{}
	}
	triggerJSON, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("insert message: marshal trigger data: %w", err)
	}
	return q.insert(ctx, "insert message", `
		INSERT INTO automated_messages
		(patient_id, email_type, sent_at, status, subject, email_content, delivery_id, error, trigger_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.PatientID, string(m.EmailType), formatTime(m.SentAt), string(m.Status),
		m.Subject, m.EmailContent, m.DeliveryID, m.Error, string(triggerJSON),
	)
}

func (q *queries) FindMessages(ctx context.Context, f MessageFilter) ([]crm.AutomatedMessage, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = ?", f.PatientID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		args := make([]any, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args[i] = string(t)
		}
		w.add("email_type IN ("+strings.Join(marks, ", ")+")", args...)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if !f.SentSince.IsZero() {
		w.add("sent_at >= ?", formatTime(f.SentSince))
	}

	query := `SELECT id, patient_id, email_type, sent_at, status, subject, email_content,
		delivery_id, error, trigger_data FROM automated_messages` + w.String()
	if f.NewestFirst {
		query += ` ORDER BY sent_at DESC, id DESC`
	} else {
		query += ` ORDER BY id ASC`
	}
	args := w.args
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	var out []crm.AutomatedMessage
	for rows.Next() {
		var m crm.AutomatedMessage
		var emailType, sentAt, status, triggerJSON string
		if err := rows.Scan(&m.ID, &m.PatientID, &emailType, &sentAt, &status, &m.Subject,
			&m.EmailContent, &m.DeliveryID, &m.Error, &triggerJSON); err != nil {
			return nil, fmt.Errorf("find messages: scan: %w", err)
		}
		m.EmailType = crm.EmailType(emailType)
		m.Status = crm.MessageStatus(status)
		if m.SentAt, err = parseTime(sentAt); err != nil {
			return nil, fmt.Errorf("find messages: %w", err)
		}
		if err := json.Unmarshal([]byte(triggerJSON), &m.TriggerData); err != nil {
			return nil, fmt.Errorf("find messages: unmarshal trigger data: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------- onboarding tasks ----------

func scanTask(row scanner) (crm.OnboardingTask, error) {
	var t crm.OnboardingTask
	var taskType, status, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.PatientID, &taskType, &status, &createdAt, &completedAt, &t.Notes)
	if err != nil {
		return crm.OnboardingTask{}, err
	}
	t.TaskType = crm.TaskType(taskType)
	t.Status = crm.TaskStatus(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return crm.OnboardingTask{}, err
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return crm.OnboardingTask{}, err
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func (q *queries) InsertTask(ctx context.Context, t crm.OnboardingTask) (int64, error) {
	return q.insert(ctx, "insert task", `
		INSERT INTO onboarding_tasks (patient_id, task_type, status, created_at, completed_at, notes)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		t.PatientID, string(t.TaskType), string(t.Status), formatTime(t.CreatedAt),
		nullTime(t.CompletedAt), t.Notes,
	)
}

func (q *queries) GetTask(ctx context.Context, id int64) (crm.OnboardingTask, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, patient_id, task_type, status, created_at, completed_at, notes
		FROM onboarding_tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.OnboardingTask{}, fmt.Errorf("get task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return crm.OnboardingTask{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

func (q *queries) FindTasks(ctx context.Context, f TaskFilter) ([]crm.OnboardingTask, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = ?", f.PatientID)
	}
	if f.TaskType != "" {
		w.add("task_type = ?", string(f.TaskType))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, patient_id, task_type, status, created_at, completed_at, notes
		FROM onboarding_tasks`+w.String()+` ORDER BY id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	defer rows.Close()

	var out []crm.OnboardingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("find tasks: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) UpdateTask(ctx context.Context, id int64, p TaskPatch) (crm.OnboardingTask, error) {
	var sets []string
	var args []any
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*p.CompletedAt))
	}
	if p.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *p.Notes)
	}
	if err := q.update(ctx, "onboarding_tasks", id, sets, args); err != nil {
		return crm.OnboardingTask{}, fmt.Errorf("update task %d: %w", id, err)
	}
	return q.GetTask(ctx, id)
}

// ---------- appointments ----------

func (q *queries) InsertAppointment(ctx context.Context, a crm.Appointment) (int64, error) {
	var ppID sql.NullInt64
	if a.PatientPackageID != nil {
		ppID = sql.NullInt64{Int64: *a.PatientPackageID, Valid: true}
	}
	return q.insert(ctx, "insert appointment", `
		INSERT INTO appointments (patient_id, patient_package_id, scheduled_at, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		a.PatientID, ppID, formatTime(a.ScheduledAt), string(a.Status), a.Notes, formatTime(a.CreatedAt),
	)
}

func (q *queries) FindAppointments(ctx context.Context, f AppointmentFilter) ([]crm.Appointment, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = ?", f.PatientID)
	}
	if !f.Since.IsZero() {
		w.add("scheduled_at >= ?", formatTime(f.Since))
	}
	if f.ExcludeCancelled {
		w.add("status <> ?", string(crm.AppointmentCancelled))
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, patient_id, patient_package_id, scheduled_at, status, notes, created_at
		FROM appointments`+w.String()+` ORDER BY id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find appointments: %w", err)
	}
	defer rows.Close()

	var out []crm.Appointment
	for rows.Next() {
		var a crm.Appointment
		var ppID sql.NullInt64
		var scheduledAt, status, createdAt string
		if err := rows.Scan(&a.ID, &a.PatientID, &ppID, &scheduledAt, &status, &a.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("find appointments: scan: %w", err)
		}
		if ppID.Valid {
			id := ppID.Int64
			a.PatientPackageID = &id
		}
		a.Status = crm.AppointmentStatus(status)
		if a.ScheduledAt, err = parseTime(scheduledAt); err != nil {
			return nil, fmt.Errorf("find appointments: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("find appointments: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
