package escalation

import (
	"context"
	"errors"
	"sync"

	"wisefido-medication/internal/models"
)

type fakeDirectory struct {
	mu       sync.Mutex
	contacts map[string][]models.Contact
	err      error
	calls    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{contacts: make(map[string][]models.Contact)}
}

func (f *fakeDirectory) ListContacts(_ context.Context, patientID string) ([]models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Contact(nil), f.contacts[patientID]...), nil
}

func (f *fakeDirectory) set(patientID string, contacts ...models.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[patientID] = contacts
}

func (f *fakeDirectory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type dispatchCall struct {
	ContactID string
	Message   string
	Urgency   models.Urgency
	Details   models.MedicationDetails
}

type fakeDelivery struct {
	mu      sync.Mutex
	calls   []dispatchCall
	failFor map[string]bool
	panicOn map[string]bool
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{failFor: map[string]bool{}, panicOn: map[string]bool{}}
}

func (f *fakeDelivery) Dispatch(_ context.Context, contact models.Contact, message string, urgency models.Urgency, details models.MedicationDetails) error {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{ContactID: contact.ID, Message: message, Urgency: urgency, Details: details})
	fail := f.failFor[contact.ID]
	panics := f.panicOn[contact.ID]
	f.mu.Unlock()

	if panics {
		panic("gateway exploded")
	}
	if fail {
		return errors.New("gateway unavailable")
	}
	return nil
}

func (f *fakeDelivery) snapshot() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

func (f *fakeDelivery) contactIDs() []string {
	var ids []string
	for _, c := range f.snapshot() {
		ids = append(ids, c.ContactID)
	}
	return ids
}

type fakeLocal struct {
	mu     sync.Mutex
	alerts []LocalAlert
	err    error
	hook   func(alert LocalAlert)
}

func (f *fakeLocal) Notify(_ context.Context, _ string, alert LocalAlert) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, alert)
	err := f.err
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(alert)
	}
	return err
}

func (f *fakeLocal) snapshot() []LocalAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LocalAlert(nil), f.alerts...)
}

func (f *fakeLocal) levels() []int {
	var levels []int
	for _, a := range f.snapshot() {
		levels = append(levels, a.Level)
	}
	return levels
}

type fakeAlertLog struct {
	mu      sync.Mutex
	records []models.AlertRecord
	err     error
}

func (f *fakeAlertLog) Record(_ context.Context, record models.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return f.err
}

func (f *fakeAlertLog) levels() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var levels []int
	for _, r := range f.records {
		levels = append(levels, r.Level)
	}
	return levels
}

type fakeObserver struct {
	mu     sync.Mutex
	levels []int
	closed []models.MissedDose
}

func (f *fakeObserver) OnLevel(_ context.Context, dose models.MissedDose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, dose.CurrentLevel)
	return nil
}

func (f *fakeObserver) OnClosed(_ context.Context, dose models.MissedDose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, dose)
	return nil
}

// snapshotObserver 模拟 Redis 快照：OnLevel 写入，OnClosed 删除
type snapshotObserver struct {
	mu        sync.Mutex
	snapshots map[string]models.MissedDose
}

func newSnapshotObserver() *snapshotObserver {
	return &snapshotObserver{snapshots: make(map[string]models.MissedDose)}
}

func (o *snapshotObserver) OnLevel(_ context.Context, dose models.MissedDose) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshots[dose.DoseID] = dose
	return nil
}

func (o *snapshotObserver) OnClosed(_ context.Context, dose models.MissedDose) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.snapshots, dose.DoseID)
	return nil
}

func (o *snapshotObserver) get(doseID string) (models.MissedDose, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dose, ok := o.snapshots[doseID]
	return dose, ok
}

type fakeMetrics struct {
	mu        sync.Mutex
	fallbacks []models.LocalAction
	onActive  func(n int)
}

func (m *fakeMetrics) LevelExecuted(int)        {}
func (m *fakeMetrics) DispatchResult(int, bool) {}
func (m *fakeMetrics) QuietHoursSkipped(int)    {}

func (m *fakeMetrics) LocalFallback(action models.LocalAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, action)
}

func (m *fakeMetrics) ActiveEscalations(n int) {
	m.mu.Lock()
	hook := m.onActive
	m.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

func (m *fakeMetrics) fallbackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fallbacks)
}
