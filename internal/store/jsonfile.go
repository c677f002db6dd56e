package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/roach88/nudgecrm/internal/crm"
)

// fileData is the on-disk document. Each collection is a map keyed by id with
// its own id sequence in NextIDs.
type fileData struct {
	NextIDs         map[string]int64                 `json:"next_ids"`
	Contacts        map[int64]crm.Contact            `json:"contacts"`
	Packages        map[int64]crm.Package            `json:"packages"`
	PatientPackages map[int64]crm.PatientPackage     `json:"patient_packages"`
	Messages        map[int64]crm.AutomatedMessage   `json:"automated_messages"`
	Tasks           map[int64]crm.OnboardingTask     `json:"onboarding_tasks"`
	Appointments    map[int64]crm.Appointment        `json:"appointments"`
}

func newFileData() *fileData {
	return &fileData{
		NextIDs:         map[string]int64{},
		Contacts:        map[int64]crm.Contact{},
		Packages:        map[int64]crm.Package{},
		PatientPackages: map[int64]crm.PatientPackage{},
		Messages:        map[int64]crm.AutomatedMessage{},
		Tasks:           map[int64]crm.OnboardingTask{},
		Appointments:    map[int64]crm.Appointment{},
	}
}

// fill replaces nil maps left by older or hand-edited files.
func (d *fileData) fill() {
	empty := newFileData()
	if d.NextIDs == nil {
		d.NextIDs = empty.NextIDs
	}
	if d.Contacts == nil {
		d.Contacts = empty.Contacts
	}
	if d.Packages == nil {
		d.Packages = empty.Packages
	}
	if d.PatientPackages == nil {
		d.PatientPackages = empty.PatientPackages
	}
	if d.Messages == nil {
		d.Messages = empty.Messages
	}
	if d.Tasks == nil {
		d.Tasks = empty.Tasks
	}
	if d.Appointments == nil {
		d.Appointments = empty.Appointments
	}
}

// clone deep-copies the document. Records are values except for the
// pointer and map fields handled here.
func (d *fileData) clone() *fileData {
	c := newFileData()
	for k, v := range d.NextIDs {
		c.NextIDs[k] = v
	}
	for k, v := range d.Contacts {
		c.Contacts[k] = v
	}
	for k, v := range d.Packages {
		c.Packages[k] = v
	}
	for k, v := range d.PatientPackages {
		c.PatientPackages[k] = v
	}
	for k, v := range d.Messages {
		v.TriggerData = cloneTriggerData(v.TriggerData)
		c.Messages[k] = v
	}
	for k, v := range d.Tasks {
		if v.CompletedAt != nil {
			ts := *v.CompletedAt
			v.CompletedAt = &ts
		}
		c.Tasks[k] = v
	}
	for k, v := range d.Appointments {
		if v.PatientPackageID != nil {
			id := *v.PatientPackageID
			v.PatientPackageID = &id
		}
		c.Appointments[k] = v
	}
	return c
}

func cloneTriggerData(td crm.TriggerData) crm.TriggerData {
	if td == nil {
		return nil
	}
	out := make(crm.TriggerData, len(td))
	for k, v := range td {
		out[k] = v
	}
	return out
}

func (d *fileData) nextID(collection string) int64 {
	d.NextIDs[collection]++
	return d.NextIDs[collection]
}

// JSONStore keeps every collection in one JSON file.
//
// Thread-safety: all methods are safe for concurrent use. Reads share a
// snapshot under a read lock; writes are serialized.
type JSONStore struct {
	mu   sync.RWMutex
	path string
	data *fileData
}

var _ Store = (*JSONStore)(nil)

// OpenJSON loads the document at path, creating an empty one if the file does
// not exist. An empty path keeps the data in memory only.
func OpenJSON(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, data: newFileData()}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeFileAtomic(path, s.data); err != nil {
			return nil, fmt.Errorf("failed to create data file: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var d fileData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to parse data file %s: %w", path, err)
	}
	d.fill()
	s.data = &d
	return s, nil
}

// Close is a no-op; every write is already flushed.
func (s *JSONStore) Close() error {
	return nil
}

// WithTx applies fn to a private copy and keeps it only if fn and the flush
// both succeed.
func (s *JSONStore) WithTx(ctx context.Context, fn func(tx Records) error) error {
	return s.mutate(func(d *fileData) error {
		return fn(&fileRecords{d: d})
	})
}

func (s *JSONStore) mutate(fn func(d *fileData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	if err := fn(next); err != nil {
		return err
	}
	if s.path != "" {
		if err := writeFileAtomic(s.path, next); err != nil {
			return fmt.Errorf("flush data file: %w", err)
		}
	}
	s.data = next
	return nil
}

func (s *JSONStore) read() *fileRecords {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &fileRecords{d: s.data}
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path so readers never see a partial document.
func writeFileAtomic(path string, d *fileData) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // No-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// The snapshot returned by read is never mutated: mutate swaps in a fresh
// clone, so reads can proceed without holding the lock.

func (s *JSONStore) InsertContact(ctx context.Context, c crm.Contact) (id int64, err error) {
	err = s.mutate(func(d *fileData) error {
		id, err = (&fileRecords{d: d}).InsertContact(ctx, c)
		return err
	})
	return id, err
}

func (s *JSONStore) GetContact(ctx context.Context, id int64) (crm.Contact, error) {
	return s.read().GetContact(ctx, id)
}

func (s *JSONStore) FindContacts(ctx context.Context, f ContactFilter) ([]crm.Contact, error) {
	return s.read().FindContacts(ctx, f)
}

func (s *JSONStore) UpdateContact(ctx context.Context, id int64, p ContactPatch) (c crm.Contact, err error) {
	err = s.mutate(func(d *fileData) error {
		c, err = (&fileRecords{d: d}).UpdateContact(ctx, id, p)
		return err
	})
	return c, err
}

func (s *JSONStore) InsertPackage(ctx context.Context, p crm.Package) (id int64, err error) {
	err = s.mutate(func(d *fileData) error {
		id, err = (&fileRecords{d: d}).InsertPackage(ctx, p)
		return err
	})
	return id, err
}

func (s *JSONStore) GetPackage(ctx context.Context, id int64) (crm.Package, error) {
	return s.read().GetPackage(ctx, id)
}

func (s *JSONStore) FindPackages(ctx context.Context) ([]crm.Package, error) {
	return s.read().FindPackages(ctx)
}

func (s *JSONStore) InsertPatientPackage(ctx context.Context, pp crm.PatientPackage) (id int64, err error) {
	err = s.mutate(func(d *fileData) error {
		id, err = (&fileRecords{d: d}).InsertPatientPackage(ctx, pp)
		return err
	})
	return id, err
}

func (s *JSONStore) GetPatientPackage(ctx context.Context, id int64) (crm.PatientPackage, error) {
	return s.read().GetPatientPackage(ctx, id)
}

func (s *JSONStore) FindPatientPackages(ctx context.Context, f PatientPackageFilter) ([]crm.PatientPackage, error) {
	return s.read().FindPatientPackages(ctx, f)
}

func (s *JSONStore) UpdatePatientPackage(ctx context.Context, id int64, p PatientPackagePatch) (pp crm.PatientPackage, err error) {
	err = s.mutate(func(d *fileData) error {
		pp, err = (&fileRecords{d: d}).UpdatePatientPackage(ctx, id, p)
		return err
	})
	return pp, err
}

func (s *JSONStore) InsertMessage(ctx context.Context, m crm.AutomatedMessage) (id int64, err error) {
	err = s.mutate(func(d *fileData) error {
		id, err = (&fileRecords{d: d}).InsertMessage(ctx, m)
		return err
	})
	return id, err
}

func (s *JSONStore) FindMessages(ctx context.Context, f MessageFilter) ([]crm.AutomatedMessage, error) {
	return s.read().FindMessages(ctx, f)
}

func (s *JSONStore) InsertTask(ctx context.Context, t crm.OnboardingTask) (id int64, err error) {
	err = s.mutate(func(d *fileData) error {
		id, err = (&fileRecords{d: d}).InsertTask(ctx, t)
		return err
	})
	return id, err
}

func (s *JSONStore) GetTask(ctx context.Context, id int64) (crm.OnboardingTask, error) {
	return s.read().GetTask(ctx, id)
}

func (s *JSONStore) FindTasks(ctx context.Context, f TaskFilter) ([]crm.OnboardingTask, error) {
	return s.read().FindTasks(ctx, f)
}

func (s *JSONStore) UpdateTask(ctx context.Context, id int64, p TaskPatch) (t crm.OnboardingTask, err error) {
	err = s.mutate(func(d *fileData) error {
		t, err = (&fileRecords{d: d}).UpdateTask(ctx, id, p)
		return err
	})
	return t, err
}

func (s *JSONStore) InsertAppointment(ctx context.Context, a crm.Appointment) (id int64, err error) {
	err = s.mutate(func(d *fileData) error {
		id, err = (&fileRecords{d: d}).InsertAppointment(ctx, a)
		return err
	})
	return id, err
}

func (s *JSONStore) FindAppointments(ctx context.Context, f AppointmentFilter) ([]crm.Appointment, error) {
	return s.read().FindAppointments(ctx, f)
}

// fileRecords implements Records directly on a document. Callers own the
// locking and flushing.
type fileRecords struct {
	d *fileData
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (r *fileRecords) InsertContact(_ context.Context, c crm.Contact) (int64, error) {
	for _, existing := range r.d.Contacts {
		if existing.Email == c.Email {
			return 0, fmt.Errorf("insert contact: %w", ErrDuplicate)
		}
	}
	c.ID = r.d.nextID("contacts")
	r.d.Contacts[c.ID] = c
	return c.ID, nil
}

func (r *fileRecords) GetContact(_ context.Context, id int64) (crm.Contact, error) {
	c, ok := r.d.Contacts[id]
	if !ok {
		return crm.Contact{}, fmt.Errorf("get contact %d: %w", id, ErrNotFound)
	}
	return c, nil
}

func (r *fileRecords) FindContacts(_ context.Context, f ContactFilter) ([]crm.Contact, error) {
	var out []crm.Contact
	for _, id := range sortedKeys(r.d.Contacts) {
		c := r.d.Contacts[id]
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Email != "" && c.Email != f.Email {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *fileRecords) UpdateContact(_ context.Context, id int64, p ContactPatch) (crm.Contact, error) {
	c, ok := r.d.Contacts[id]
	if !ok {
		return crm.Contact{}, fmt.Errorf("update contact %d: %w", id, ErrNotFound)
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.PreVisitStatus != nil {
		c.PreVisitStatus = *p.PreVisitStatus
	}
	r.d.Contacts[id] = c
	return c, nil
}

func (r *fileRecords) InsertPackage(_ context.Context, p crm.Package) (int64, error) {
	p.ID = r.d.nextID("packages")
	r.d.Packages[p.ID] = p
	return p.ID, nil
}

func (r *fileRecords) GetPackage(_ context.Context, id int64) (crm.Package, error) {
	p, ok := r.d.Packages[id]
	if !ok {
		return crm.Package{}, fmt.Errorf("get package %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (r *fileRecords) FindPackages(_ context.Context) ([]crm.Package, error) {
	var out []crm.Package
	for _, id := range sortedKeys(r.d.Packages) {
		out = append(out, r.d.Packages[id])
	}
	return out, nil
}

func (r *fileRecords) InsertPatientPackage(_ context.Context, pp crm.PatientPackage) (int64, error) {
	pp.ID = r.d.nextID("patient_packages")
	r.d.PatientPackages[pp.ID] = pp
	return pp.ID, nil
}

func (r *fileRecords) GetPatientPackage(_ context.Context, id int64) (crm.PatientPackage, error) {
	pp, ok := r.d.PatientPackages[id]
	if !ok {
		return crm.PatientPackage{}, fmt.Errorf("get patient package %d: %w", id, ErrNotFound)
	}
	return pp, nil
}

func (r *fileRecords) FindPatientPackages(_ context.Context, f PatientPackageFilter) ([]crm.PatientPackage, error) {
	var out []crm.PatientPackage
	for _, id := range sortedKeys(r.d.PatientPackages) {
		pp := r.d.PatientPackages[id]
		if f.PatientID != 0 && pp.PatientID != f.PatientID {
			continue
		}
		if f.ActiveOnly && !pp.IsActive {
			continue
		}
		if f.Exhausted && pp.SessionsRemaining != 0 {
			continue
		}
		out = append(out, pp)
	}
	return out, nil
}

func (r *fileRecords) UpdatePatientPackage(_ context.Context, id int64, p PatientPackagePatch) (crm.PatientPackage, error) {
	pp, ok := r.d.PatientPackages[id]
	if !ok {
		return crm.PatientPackage{}, fmt.Errorf("update patient package %d: %w", id, ErrNotFound)
	}
	if p.SessionsUsed != nil {
		pp.SessionsUsed = *p.SessionsUsed
	}
	if p.SessionsRemaining != nil {
		pp.SessionsRemaining = *p.SessionsRemaining
	}
	if p.IsActive != nil {
		pp.IsActive = *p.IsActive
	}
	if pp.SessionsUsed < 0 || pp.SessionsRemaining < 0 || pp.SessionsUsed+pp.SessionsRemaining != pp.TotalSessions {
		return crm.PatientPackage{}, fmt.Errorf("update patient package %d: session counts %d+%d do not add up to %d",
			id, pp.SessionsUsed, pp.SessionsRemaining, pp.TotalSessions)
	}
	r.d.PatientPackages[id] = pp
	return pp, nil
}

func (r *fileRecords) InsertMessage(_ context.Context, m crm.AutomatedMessage) (int64, error) {
	m.ID = r.d.nextID("automated_messages")
	m.TriggerData = cloneTriggerData(m.TriggerData)
	if m.TriggerData == nil {
		m.TriggerData = crm.TriggerData{}
	}
	r.d.Messages[m.ID] = m
	return m.ID, nil
}

func (r *fileRecords) FindMessages(_ context.Context, f MessageFilter) ([]crm.AutomatedMessage, error) {
	var out []crm.AutomatedMessage
	for _, id := range sortedKeys(r.d.Messages) {
		m := r.d.Messages[id]
		if f.PatientID != 0 && m.PatientID != f.PatientID {
			continue
		}
		if !f.hasType(m.EmailType) {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if !f.SentSince.IsZero() && m.SentAt.Before(f.SentSince) {
			continue
		}
		m.TriggerData = cloneTriggerData(m.TriggerData)
		out = append(out, m)
	}
	if f.NewestFirst {
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].SentAt.Equal(out[j].SentAt) {
				return out[i].SentAt.After(out[j].SentAt)
			}
			return out[i].ID > out[j].ID
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fileRecords) InsertTask(_ context.Context, t crm.OnboardingTask) (int64, error) {
	t.ID = r.d.nextID("onboarding_tasks")
	r.d.Tasks[t.ID] = t
	return t.ID, nil
}

func (r *fileRecords) GetTask(_ context.Context, id int64) (crm.OnboardingTask, error) {
	t, ok := r.d.Tasks[id]
	if !ok {
		return crm.OnboardingTask{}, fmt.Errorf("get task %d: %w", id, ErrNotFound)
	}
	return t, nil
}

func (r *fileRecords) FindTasks(_ context.Context, f TaskFilter) ([]crm.OnboardingTask, error) {
	var out []crm.OnboardingTask
	for _, id := range sortedKeys(r.d.Tasks) {
		t := r.d.Tasks[id]
		if f.PatientID != 0 && t.PatientID != f.PatientID {
			continue
		}
		if f.TaskType != "" && t.TaskType != f.TaskType {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *fileRecords) UpdateTask(_ context.Context, id int64, p TaskPatch) (crm.OnboardingTask, error) {
	t, ok := r.d.Tasks[id]
	if !ok {
		return crm.OnboardingTask{}, fmt.Errorf("update task %d: %w", id, ErrNotFound)
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		t.CompletedAt = &ts
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	r.d.Tasks[id] = t
	return t, nil
}

func (r *fileRecords) InsertAppointment(_ context.Context, a crm.Appointment) (int64, error) {
	a.ID = r.d.nextID("appointments")
	r.d.Appointments[a.ID] = a
	return a.ID, nil
}

func (r *fileRecords) FindAppointments(_ context.Context, f AppointmentFilter) ([]crm.Appointment, error) {
	var out []crm.Appointment
	for _, id := range sortedKeys(r.d.Appointments) {
		a := r.d.Appointments[id]
		if f.PatientID != 0 && a.PatientID != f.PatientID {
			continue
		}
		if !f.Since.IsZero() && a.ScheduledAt.Before(f.Since) {
			continue
		}
		if f.ExcludeCancelled && a.Status == crm.AppointmentCancelled {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
