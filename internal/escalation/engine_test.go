package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-medication/internal/clock"
	"wisefido-medication/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const patientID = "resident-1"

type harness struct {
	clock     *clock.Manual
	directory *fakeDirectory
	delivery  *fakeDelivery
	local     *fakeLocal
	fallback  *fakeLocal
	alerts    *fakeAlertLog
	observer  *fakeObserver
	engine    *Engine
}

func newHarness(t *testing.T, ladder models.Ladder) *harness {
	t.Helper()

	h := &harness{
		// 08:30 UTC
		clock:     clock.NewManual(time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)),
		directory: newFakeDirectory(),
		delivery:  newFakeDelivery(),
		local:     &fakeLocal{},
		fallback:  &fakeLocal{},
		alerts:    &fakeAlertLog{},
		observer:  &fakeObserver{},
	}

	engine, err := NewEngine(ladder, Dependencies{
		Clock:    h.clock,
		Contacts: h.directory,
		Delivery: h.delivery,
		Local:    h.local,
		Fallback: h.fallback,
		Alerts:   h.alerts,
		Observer: h.observer,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	h.engine = engine
	return h
}

func heartPill(doseID string) models.DoseReport {
	return models.DoseReport{
		DoseID:         doseID,
		PatientID:      patientID,
		MedicationID:   "med-heart",
		MedicationName: "Heart Pill",
		Dosage:         "5mg",
		ScheduledTime:  "08:00",
	}
}

func familyContacts() []models.Contact {
	return []models.Contact{
		{ID: "c-primary", Name: "Alice", Relationship: "Child", Slot: "A", IsEmergencyContact: true},
		{ID: "c-second", Name: "Bob", Relationship: "Spouse", Slot: "B", IsEmergencyContact: true},
		{ID: "c-friend", Name: "Carol", Relationship: "Friend", Slot: "C"},
	}
}

func TestNewEngine_InvalidLadder(t *testing.T) {
	_, err := NewEngine(nil, Dependencies{
		Contacts: newFakeDirectory(),
		Delivery: newFakeDelivery(),
		Local:    &fakeLocal{},
	}, zap.NewNop())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidLadder))
}

func TestNewEngine_MissingDependencies(t *testing.T) {
	_, err := NewEngine(DefaultLadder(time.Minute), Dependencies{
		Contacts: newFakeDirectory(),
		Local:    &fakeLocal{},
	}, zap.NewNop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery channel is required")
}

func TestReportMissed_ExecutesLevelOneImmediately(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))

	dose, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	assert.Equal(t, 1, dose.CurrentLevel)
	assert.Equal(t, models.StateEscalating, dose.State)
	assert.Equal(t, h.clock.Now(), dose.DetectedMissedAt)
	require.NotNil(t, dose.NextLevelAt)
	assert.Equal(t, h.clock.Now().Add(30*time.Minute), *dose.NextLevelAt)

	alerts := h.local.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.ActionSoft, alerts[0].Action)
	assert.Empty(t, h.delivery.snapshot())
	assert.Equal(t, 0, h.directory.callCount())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestReportMissed_LadderProgressesInOrder(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	h.directory.set(patientID, familyContacts()...)

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.clock.Advance(4 * time.Hour)

	assert.Equal(t, []int{1, 2, 3, 4}, h.local.levels())
	assert.Equal(t, []int{1, 2, 3, 4}, h.alerts.levels())
	assert.Equal(t, []int{1, 2, 3}, h.observer.levels)
	require.Len(t, h.observer.closed, 1)
	assert.Equal(t, models.StateExhausted, h.observer.closed[0].State)

	_, live := h.engine.Get("d1")
	assert.False(t, live)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestReportMissed_DelayMeasuredFromPreviousLevel(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.clock.Advance(29 * time.Minute)
	assert.Equal(t, []int{1}, h.local.levels())

	h.clock.Advance(time.Minute)
	assert.Equal(t, []int{1, 2}, h.local.levels())

	// level 3 在 level 2 之后 60 分钟，而不是漏服之后 60 分钟
	h.clock.Advance(59 * time.Minute)
	assert.Equal(t, []int{1, 2}, h.local.levels())

	h.clock.Advance(time.Minute)
	assert.Equal(t, []int{1, 2, 3}, h.local.levels())
}

func TestConcreteScenario_CancelAfterPrimaryContact(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	h.directory.set(patientID, familyContacts()...)
	ctx := context.Background()

	_, err := h.engine.ReportMissed(ctx, heartPill("d1"))
	require.NoError(t, err)
	alerts := h.local.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.ActionSoft, alerts[0].Action)
	assert.Empty(t, h.delivery.snapshot())

	h.clock.Advance(30 * time.Minute)
	alerts = h.local.snapshot()
	require.Len(t, alerts, 2)
	assert.Equal(t, models.ActionFirm, alerts[1].Action)
	assert.True(t, alerts[1].RequireAck)
	assert.Empty(t, h.delivery.snapshot())

	h.clock.Advance(60 * time.Minute)
	calls := h.delivery.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "c-primary", calls[0].ContactID)
	assert.Equal(t, models.UrgencyHigh, calls[0].Urgency)
	assert.Equal(t, 3, calls[0].Details.Attempt)

	h.clock.Advance(5 * time.Minute)
	assert.True(t, h.engine.Cancel(ctx, "d1"))

	h.clock.Advance(3 * time.Hour)
	assert.Equal(t, []int{1, 2, 3}, h.local.levels())
	assert.Len(t, h.delivery.snapshot(), 1)
	require.Len(t, h.observer.closed, 1)
	assert.Equal(t, models.StateResolved, h.observer.closed[0].State)
}

func TestCancel_StopsFutureLevels(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	assert.True(t, h.engine.Cancel(context.Background(), "d1"))
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(10 * time.Hour)
	assert.Equal(t, []int{1, 2}, h.local.levels())
}

func TestCancel_Idempotent(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	ctx := context.Background()

	_, err := h.engine.ReportMissed(ctx, heartPill("d1"))
	require.NoError(t, err)

	assert.True(t, h.engine.Cancel(ctx, "d1"))
	assert.NotPanics(t, func() {
		assert.False(t, h.engine.Cancel(ctx, "d1"))
		assert.False(t, h.engine.Cancel(ctx, "unknown"))
	})
	assert.Len(t, h.observer.closed, 1)
}

func TestCancel_DuringLevelOneActionsSuppressesLevelTwo(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	h.local.hook = func(alert LocalAlert) {
		if alert.Level == 1 {
			h.engine.Cancel(context.Background(), alert.DoseID)
		}
	}

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.clock.Advance(5 * time.Hour)
	assert.Equal(t, []int{1}, h.local.levels())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestReportMissed_DuplicateIsRejected(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	ctx := context.Background()

	_, err := h.engine.ReportMissed(ctx, heartPill("d1"))
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)

	dose, err := h.engine.ReportMissed(ctx, heartPill("d1"))
	assert.True(t, errors.Is(err, ErrAlreadyEscalating))
	assert.Equal(t, 2, dose.CurrentLevel)
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, []int{1, 2}, h.local.levels())
}

func TestReportMissed_DuplicateLogsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	engine, err := NewEngine(DefaultLadder(time.Minute), Dependencies{
		Clock:    clock.NewManual(time.Unix(0, 0)),
		Contacts: newFakeDirectory(),
		Delivery: newFakeDelivery(),
		Local:    &fakeLocal{},
	}, zap.New(core))
	require.NoError(t, err)
	defer engine.Stop()

	_, _ = engine.ReportMissed(context.Background(), heartPill("d1"))
	_, _ = engine.ReportMissed(context.Background(), heartPill("d1"))

	assert.Equal(t, 1, logs.FilterMessage("Ignoring duplicate missed-dose report").Len())
}

func TestReportMissed_FreshEscalationAfterCancel(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	ctx := context.Background()

	_, err := h.engine.ReportMissed(ctx, heartPill("d1"))
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)
	h.engine.Cancel(ctx, "d1")

	dose, err := h.engine.ReportMissed(ctx, heartPill("d1"))
	require.NoError(t, err)
	assert.Equal(t, 1, dose.CurrentLevel)
	assert.Equal(t, h.clock.Now(), dose.DetectedMissedAt)

	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, []int{1, 2, 1, 2}, h.local.levels())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestReportMissed_RequiresDoseID(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))

	_, err := h.engine.ReportMissed(context.Background(), models.DoseReport{PatientID: patientID})
	assert.Error(t, err)
}

func TestQuietHours_SuppressDeliveryButNotLocalActions(t *testing.T) {
	ladder := models.Ladder{
		{Level: 1, Name: "Everyone", LocalActions: []models.LocalAction{models.ActionEmergency}, Scope: models.ScopeAll},
	}
	h := newHarness(t, ladder)

	sleeping := models.Contact{
		ID: "c-sleeping", Name: "Dana", IsEmergencyContact: true,
		Preferences: models.NotificationPreferences{
			// 08:30 UTC 落在 06:00-09:00 内
			QuietHours: &models.QuietHours{Start: "06:00", End: "09:00", Timezone: "UTC"},
		},
	}
	awake := models.Contact{ID: "c-awake", Name: "Eve"}
	h.directory.set(patientID, sleeping, awake)

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"c-awake"}, h.delivery.contactIDs())
	assert.Len(t, h.local.snapshot(), 1)
}

func TestAllContacts_DispatchesOncePerDistinctContact(t *testing.T) {
	ladder := models.Ladder{
		{Level: 1, Name: "Emergency", Scope: models.ScopeEmergency},
		{Level: 2, Name: "Everyone", Delay: time.Minute, Scope: models.ScopeAll},
	}
	h := newHarness(t, ladder)

	contacts := familyContacts()
	contacts = append(contacts, contacts[0]) // 重复记录
	h.directory.set(patientID, contacts...)

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c-primary", "c-second"}, h.delivery.contactIDs())

	h.clock.Advance(time.Minute)
	assert.Equal(t,
		[]string{"c-primary", "c-second", "c-primary", "c-second", "c-friend"},
		h.delivery.contactIDs(),
	)
}

func TestDispatchFailure_IsolatedPerRecipient(t *testing.T) {
	ladder := models.Ladder{
		{Level: 1, Name: "Everyone", Scope: models.ScopeAll},
		{Level: 2, Name: "Everyone again", Delay: time.Minute, Scope: models.ScopeAll},
	}
	h := newHarness(t, ladder)
	h.directory.set(patientID, familyContacts()...)
	h.delivery.failFor["c-primary"] = true
	h.delivery.panicOn["c-second"] = true

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"c-primary", "c-second", "c-friend"}, h.delivery.contactIDs())
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Len(t, h.delivery.snapshot(), 6)
	assert.Equal(t, []int{1, 2}, h.alerts.levels())
}

func TestContactsRefetchedAtEachLevel(t *testing.T) {
	ladder := models.Ladder{
		{Level: 1, Name: "Primary", Scope: models.ScopePrimary},
		{Level: 2, Name: "Primary again", Delay: time.Minute, Scope: models.ScopePrimary},
	}
	h := newHarness(t, ladder)
	h.directory.set(patientID, models.Contact{ID: "old", Slot: "A", IsEmergencyContact: true})

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.directory.set(patientID, models.Contact{ID: "new", Slot: "A", IsEmergencyContact: true})
	h.clock.Advance(time.Minute)

	assert.Equal(t, []string{"old", "new"}, h.delivery.contactIDs())
	assert.Equal(t, 2, h.directory.callCount())
}

func TestDirectoryFailure_DoesNotStopEscalation(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	h.directory.err = errors.New("db down")

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.clock.Advance(4 * time.Hour)
	assert.Equal(t, []int{1, 2, 3, 4}, h.local.levels())
	assert.Empty(t, h.delivery.snapshot())
}

func TestNoContacts_IsNotAnError(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.clock.Advance(4 * time.Hour)
	assert.Equal(t, 2, h.directory.callCount())
	assert.Empty(t, h.delivery.snapshot())
	assert.Equal(t, []int{1, 2, 3, 4}, h.alerts.levels())
}

func TestLocalNotifierFailure_UsesFallback(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	h.local.err = errors.New("device offline")

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	fallback := h.fallback.snapshot()
	require.Len(t, fallback, 1)
	assert.Equal(t, models.ActionSoft, fallback[0].Action)
	assert.Equal(t, "d1", fallback[0].DoseID)
}

func TestAlertLogFailure_IsNonFatal(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	h.alerts.err = errors.New("insert failed")

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, []int{1, 2}, h.local.levels())
}

func TestAlertRecord_Contents(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	require.Len(t, h.alerts.records, 1)
	record := h.alerts.records[0]
	assert.Equal(t, "med-heart", record.MedicationID)
	assert.Equal(t, models.SeverityInformational, record.Severity)
	assert.Equal(t, 1, record.Level)
	assert.Contains(t, record.Message, "Heart Pill")
}

func TestIndependentDosesInterleave(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	ctx := context.Background()

	_, err := h.engine.ReportMissed(ctx, heartPill("d1"))
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)
	_, err = h.engine.ReportMissed(ctx, heartPill("d2"))
	require.NoError(t, err)

	assert.Len(t, h.engine.Active(), 2)
	assert.Equal(t, "d1", h.engine.Active()[0].DoseID)

	h.engine.Cancel(ctx, "d1")
	h.clock.Advance(30 * time.Minute)

	dose, ok := h.engine.Get("d2")
	require.True(t, ok)
	assert.Equal(t, 2, dose.CurrentLevel)
	_, ok = h.engine.Get("d1")
	assert.False(t, ok)
}

func TestStop_ClearsTimersAndRejectsReports(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	h.engine.Stop()
	assert.Equal(t, 0, h.clock.Pending())
	assert.Empty(t, h.engine.Active())

	_, err = h.engine.ReportMissed(context.Background(), heartPill("d2"))
	assert.True(t, errors.Is(err, ErrEngineStopped))
}

func TestEngine_RealClockMillisecondLadder(t *testing.T) {
	ladder := DefaultLadder(time.Millisecond)
	local := &fakeLocal{}
	engine, err := NewEngine(ladder, Dependencies{
		Contacts: newFakeDirectory(),
		Delivery: newFakeDelivery(),
		Local:    local,
	}, zap.NewNop())
	require.NoError(t, err)
	defer engine.Stop()

	for _, id := range []string{"a", "b", "c"} {
		_, err := engine.ReportMissed(context.Background(), heartPill(id))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(local.snapshot()) == 12 && len(engine.Active()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	perDose := map[string][]int{}
	for _, a := range local.snapshot() {
		perDose[a.DoseID] = append(perDose[a.DoseID], a.Level)
	}
	for _, levels := range perDose {
		assert.Equal(t, []int{1, 2, 3, 4}, levels)
	}
}

func TestCancel_BeforeSnapshotWriteLeavesNoSnapshot(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC))
	obs := newSnapshotObserver()
	metrics := &fakeMetrics{}

	engine, err := NewEngine(DefaultLadder(time.Minute), Dependencies{
		Clock:    clk,
		Contacts: newFakeDirectory(),
		Delivery: newFakeDelivery(),
		Local:    &fakeLocal{},
		Observer: obs,
		Metrics:  metrics,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	// 第 1 级释放锁之后、写快照之前到达服药确认
	var once sync.Once
	var cancelled bool
	metrics.onActive = func(n int) {
		if n > 0 {
			once.Do(func() { cancelled = engine.Cancel(context.Background(), "d1") })
		}
	}

	_, err = engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)

	assert.True(t, cancelled)
	_, live := engine.Get("d1")
	assert.False(t, live)
	_, present := obs.get("d1")
	assert.False(t, present)
}

func TestObserveLevel_SkipsSupersededLevel(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	obs := newSnapshotObserver()
	h.engine.observer = obs

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)

	h.engine.mu.Lock()
	esc := h.engine.live["d1"]
	h.engine.mu.Unlock()
	require.NotNil(t, esc)

	stale := esc.dose
	stale.CurrentLevel = 1
	h.engine.observeLevel(context.Background(), esc, stale)

	got, ok := obs.get("d1")
	require.True(t, ok)
	assert.Equal(t, 2, got.CurrentLevel)
}

func TestLocalFallback_CountedOnlyWhenFallbackDelivers(t *testing.T) {
	h := newHarness(t, DefaultLadder(time.Minute))
	metrics := &fakeMetrics{}
	h.engine.metrics = metrics
	h.local.err = errors.New("device offline")
	h.fallback.err = errors.New("session closed")

	_, err := h.engine.ReportMissed(context.Background(), heartPill("d1"))
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.fallbackCount())

	h.fallback.mu.Lock()
	h.fallback.err = nil
	h.fallback.mu.Unlock()
	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, metrics.fallbackCount())

	h.engine.fallback = nil
	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, metrics.fallbackCount())
}
