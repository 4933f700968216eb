package journey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fabiol8/piucane-engine/internal/dispatch"
	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/segment"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// fakeMessenger records dispatches and optionally fails.
type fakeMessenger struct {
	mu    sync.Mutex
	sent  []string // template keys in dispatch order
	fail  bool
	users []string
}

func (f *fakeMessenger) Send(ctx context.Context, userID string, channels []string, templateKey string, personalization map[string]any) (*dispatch.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, templateKey)
	f.users = append(f.users, userID)
	if f.fail {
		return nil, errors.New("provider unavailable")
	}
	return &dispatch.DeliveryResult{Channel: "test", Accepted: true}, nil
}

// fakeExecutor records performed actions.
type fakeExecutor struct {
	mu      sync.Mutex
	actions []models.ActionType
	fail    bool
}

func (f *fakeExecutor) Perform(ctx context.Context, userID string, action models.ActionType, parameters map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if f.fail {
		return errors.New("executor unavailable")
	}
	return nil
}

// fakeProfiles serves canned profiles, with an optional transient error.
type fakeProfiles struct {
	profiles map[string]*models.CustomerProfile
	err      error
}

func (f *fakeProfiles) GetProfile(ctx context.Context, userID string) (*models.CustomerProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles[userID], nil
}

func (f *fakeProfiles) ListProfiles(ctx context.Context) ([]*models.CustomerProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*models.CustomerProfile, 0, len(f.profiles))
	for _, p := range f.profiles {
		out = append(out, p)
	}
	return out, nil
}

type engineFixture struct {
	st        *store.InMemoryStore
	engine    *Engine
	messenger *fakeMessenger
	executor  *fakeExecutor
	profiles  *fakeProfiles
	now       time.Time
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	f := &engineFixture{
		st:        st,
		messenger: &fakeMessenger{},
		executor:  &fakeExecutor{},
		profiles:  &fakeProfiles{profiles: map[string]*models.CustomerProfile{}},
		now:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(st, segment.NewEngine(st), f.messenger, f.executor, f.profiles)
	f.engine.nowFn = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) register(t *testing.T, j models.CustomerJourney) {
	t.Helper()
	r := NewRegistry(f.st)
	r.nowFn = f.engine.nowFn
	if err := r.RegisterJourney(j); err != nil {
		t.Fatalf("RegisterJourney failed: %v", err)
	}
}

func (f *engineFixture) activeParticipants(t *testing.T, journeyID string) []models.JourneyParticipant {
	t.Helper()
	ps, err := f.st.ListParticipants(journeyID, "", 0, 0)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	return ps
}

func TestProcessEventEnrollsOnEventTrigger(t *testing.T) {
	f := newFixture(t)
	f.register(t, welcomeJourney("j1"))

	evt := models.Event{UserID: "u1", EventType: "signup"}
	if err := f.engine.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	ps := f.activeParticipants(t, "j1")
	if len(ps) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(ps))
	}
	if ps[0].CurrentStepID != "welcome" {
		t.Errorf("participant should start at entry step, got %s", ps[0].CurrentStepID)
	}
	j, _ := f.st.GetJourney("j1")
	if j.Stats.TotalEntered != 1 {
		t.Errorf("expected totalEntered 1, got %d", j.Stats.TotalEntered)
	}
}

func TestProcessEventIgnoresNonMatchingEvent(t *testing.T) {
	f := newFixture(t)
	f.register(t, welcomeJourney("j1"))

	evt := models.Event{UserID: "u1", EventType: "page_view"}
	if err := f.engine.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if ps := f.activeParticipants(t, "j1"); len(ps) != 0 {
		t.Errorf("expected no enrollment, got %d", len(ps))
	}
}

func TestProcessEventEventDataCondition(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.TriggerConditions = []models.JourneyTrigger{
		{Type: models.TriggerEvent, Conditions: []models.SegmentCondition{
			{Field: "eventData.plan", Operator: models.OperatorEquals, Value: "premium"},
		}},
	}
	f.register(t, j)

	miss := models.Event{UserID: "u1", EventType: "signup", EventData: map[string]any{"plan": "free"}}
	f.engine.ProcessEvent(context.Background(), miss)
	if ps := f.activeParticipants(t, "j1"); len(ps) != 0 {
		t.Fatalf("free plan should not match, got %d participants", len(ps))
	}

	hit := models.Event{UserID: "u2", EventType: "signup", EventData: map[string]any{"plan": "premium"}}
	f.engine.ProcessEvent(context.Background(), hit)
	if ps := f.activeParticipants(t, "j1"); len(ps) != 1 {
		t.Errorf("premium plan should match, got %d participants", len(ps))
	}
}

func TestProcessEventSegmentEntryTrigger(t *testing.T) {
	f := newFixture(t)
	seg := models.Segment{ID: "vip", Name: "VIP", IsActive: true, Conditions: []models.SegmentCondition{
		{Field: "behavioral.totalSpent", Operator: models.OperatorGreaterThan, Value: 1000},
	}}
	if err := f.st.SaveSegment(seg); err != nil {
		t.Fatalf("SaveSegment failed: %v", err)
	}

	j := welcomeJourney("j1")
	j.TriggerConditions = []models.JourneyTrigger{
		{Type: models.TriggerSegmentEntry, Conditions: []models.SegmentCondition{
			{Field: "segment", Operator: models.OperatorEquals, Value: "vip"},
		}},
	}
	f.register(t, j)

	profile := &models.CustomerProfile{UserID: "u1"}
	profile.Behavioral.TotalSpent = 2000
	evt := models.Event{UserID: "u1", EventType: "profile_updated", Profile: profile}
	f.engine.ProcessEvent(context.Background(), evt)
	if ps := f.activeParticipants(t, "j1"); len(ps) != 1 {
		t.Fatalf("VIP profile should enroll, got %d", len(ps))
	}

	// No profile snapshot means the trigger cannot match.
	evt2 := models.Event{UserID: "u2", EventType: "profile_updated"}
	f.engine.ProcessEvent(context.Background(), evt2)
	if ps := f.activeParticipants(t, "j1"); len(ps) != 1 {
		t.Errorf("event without profile must not enroll, got %d", len(ps))
	}
}

func TestProcessEventUserPropertyTrigger(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.TriggerConditions = []models.JourneyTrigger{
		{Type: models.TriggerUserProperty, Conditions: []models.SegmentCondition{
			{Field: "lifecycle.stage", Operator: models.OperatorEquals, Value: "at_risk"},
		}},
	}
	f.register(t, j)

	profile := &models.CustomerProfile{UserID: "u1"}
	profile.Lifecycle.Stage = "at_risk"
	f.engine.ProcessEvent(context.Background(), models.Event{UserID: "u1", EventType: "profile_updated", Profile: profile})
	if ps := f.activeParticipants(t, "j1"); len(ps) != 1 {
		t.Errorf("at_risk profile should enroll, got %d", len(ps))
	}
}

func TestProcessEventOrderTriggerGating(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.TriggerConditions = []models.JourneyTrigger{
		{Type: models.TriggerOrder},
	}
	f.register(t, j)

	// Non-order events never match an order trigger, conditions or not.
	f.engine.ProcessEvent(context.Background(), models.Event{UserID: "u1", EventType: "signup"})
	if ps := f.activeParticipants(t, "j1"); len(ps) != 0 {
		t.Fatalf("signup must not match order trigger, got %d", len(ps))
	}

	f.engine.ProcessEvent(context.Background(), models.Event{UserID: "u1", EventType: "order_placed"})
	if ps := f.activeParticipants(t, "j1"); len(ps) != 1 {
		t.Errorf("order_placed should match condition-less order trigger, got %d", len(ps))
	}
}

func TestProcessEventSubscriptionTrigger(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.TriggerConditions = []models.JourneyTrigger{
		{Type: models.TriggerSubscription, Conditions: []models.SegmentCondition{
			{Field: "eventType", Operator: models.OperatorEquals, Value: "subscription_cancelled"},
		}},
	}
	f.register(t, j)

	f.engine.ProcessEvent(context.Background(), models.Event{UserID: "u1", EventType: "subscription_renewed"})
	if ps := f.activeParticipants(t, "j1"); len(ps) != 0 {
		t.Fatalf("renewal must not match cancellation condition, got %d", len(ps))
	}

	f.engine.ProcessEvent(context.Background(), models.Event{UserID: "u1", EventType: "subscription_cancelled"})
	if ps := f.activeParticipants(t, "j1"); len(ps) != 1 {
		t.Errorf("cancellation should match, got %d", len(ps))
	}
}

func TestDateTriggerHourRange(t *testing.T) {
	f := newFixture(t)
	conditions := []models.SegmentCondition{
		{Field: "hour", Operator: models.OperatorBetween, Value: []any{9, 17}},
	}

	f.now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !matchesDateConditions(conditions, f.now) {
		t.Error("10:00 should fall inside the 9-17 range")
	}
	f.now = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	if matchesDateConditions(conditions, f.now) {
		t.Error("20:00 should fall outside the 9-17 range")
	}
}

func TestDateTriggerDayOfWeekAndDate(t *testing.T) {
	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

	if !matchesDateConditions([]models.SegmentCondition{
		{Field: "dayOfWeek", Operator: models.OperatorEquals, Value: "monday"},
	}, monday) {
		t.Error("monday should match dayOfWeek=monday")
	}
	if matchesDateConditions([]models.SegmentCondition{
		{Field: "dayOfWeek", Operator: models.OperatorEquals, Value: "sunday"},
	}, monday) {
		t.Error("monday should not match dayOfWeek=sunday")
	}
	if !matchesDateConditions([]models.SegmentCondition{
		{Field: "date", Operator: models.OperatorEquals, Value: "2026-03-01"},
	}, monday) {
		t.Error("a past date should count as reached")
	}
	if matchesDateConditions([]models.SegmentCondition{
		{Field: "date", Operator: models.OperatorEquals, Value: "2026-04-01"},
	}, monday) {
		t.Error("a future date should not count as reached")
	}
}

func TestEnrollCooldown(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.TriggerConditions[0].CooldownHours = 24
	f.register(t, j)

	if _, err := f.engine.Enroll(context.Background(), "j1", "u1"); err != nil {
		t.Fatalf("first enrollment failed: %v", err)
	}

	// Inside the cooldown window every attempt is rejected.
	f.now = f.now.Add(12 * time.Hour)
	if _, err := f.engine.Enroll(context.Background(), "j1", "u1"); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("expected ErrCooldownActive, got %v", err)
	}
	if ps := f.activeParticipants(t, "j1"); len(ps) != 1 {
		t.Errorf("cooldown rejection must not create a record, got %d", len(ps))
	}

	// After the window a re-entry is allowed.
	f.now = f.now.Add(13 * time.Hour)
	if _, err := f.engine.Enroll(context.Background(), "j1", "u1"); err != nil {
		t.Errorf("re-entry after cooldown failed: %v", err)
	}

	j1, _ := f.st.GetJourney("j1")
	if j1.Stats.TotalEntered != 2 {
		t.Errorf("expected totalEntered 2, got %d", j1.Stats.TotalEntered)
	}
}

func TestEnrollCapacity(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.Settings.MaxParticipants = 2
	f.register(t, j)

	for _, u := range []string{"u1", "u2"} {
		if _, err := f.engine.Enroll(context.Background(), "j1", u); err != nil {
			t.Fatalf("enrollment of %s failed: %v", u, err)
		}
	}
	if _, err := f.engine.Enroll(context.Background(), "j1", "u3"); !errors.Is(err, ErrJourneyAtCapacity) {
		t.Errorf("expected ErrJourneyAtCapacity, got %v", err)
	}

	// Capacity counts active participants only; completion frees a slot.
	p, _ := f.st.GetLatestParticipant("j1", "u1")
	p.Status = models.ParticipantCompleted
	if err := f.st.SaveParticipant(*p); err != nil {
		t.Fatalf("SaveParticipant failed: %v", err)
	}
	if _, err := f.engine.Enroll(context.Background(), "j1", "u3"); err != nil {
		t.Errorf("enrollment after slot freed failed: %v", err)
	}
}

func TestEnrollRejectsInactiveAndUnknown(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.IsActive = false
	f.register(t, j)

	if _, err := f.engine.Enroll(context.Background(), "j1", "u1"); !errors.Is(err, ErrJourneyInactive) {
		t.Errorf("expected ErrJourneyInactive, got %v", err)
	}
	if _, err := f.engine.Enroll(context.Background(), "ghost", "u1"); !errors.Is(err, ErrJourneyNotFound) {
		t.Errorf("expected ErrJourneyNotFound, got %v", err)
	}
}

func TestProcessEventSkipsPausedJourneys(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.IsActive = false
	f.register(t, j)

	f.engine.ProcessEvent(context.Background(), models.Event{UserID: "u1", EventType: "signup"})
	if ps := f.activeParticipants(t, "j1"); len(ps) != 0 {
		t.Errorf("paused journey must not enroll, got %d", len(ps))
	}
}

func TestTickAdvancesPausedJourneyParticipants(t *testing.T) {
	// Pausing stops enrollment but in-flight participants keep moving.
	f := newFixture(t)
	f.register(t, welcomeJourney("j1"))
	if _, err := f.engine.Enroll(context.Background(), "j1", "u1"); err != nil {
		t.Fatalf("enrollment failed: %v", err)
	}

	r := NewRegistry(f.st)
	if err := r.PauseJourney("j1"); err != nil {
		t.Fatalf("PauseJourney failed: %v", err)
	}

	f.engine.Tick(context.Background())

	p, _ := f.st.GetLatestParticipant("j1", "u1")
	if p.CurrentStepID != "wait" {
		t.Errorf("participant should advance past the message step, got %s", p.CurrentStepID)
	}
	if len(f.messenger.sent) != 1 || f.messenger.sent[0] != "welcome" {
		t.Errorf("expected welcome dispatched, got %v", f.messenger.sent)
	}
}

func TestTickReleasesClaims(t *testing.T) {
	f := newFixture(t)
	f.register(t, welcomeJourney("j1"))
	if _, err := f.engine.Enroll(context.Background(), "j1", "u1"); err != nil {
		t.Fatalf("enrollment failed: %v", err)
	}

	f.engine.Tick(context.Background())

	p, _ := f.st.GetLatestParticipant("j1", "u1")
	if p.LockedAt != nil {
		t.Error("tick must release the claim after processing")
	}

	// Next tick can claim again and advance further.
	f.now = f.now.Add(25 * time.Hour)
	f.engine.Tick(context.Background())
	p, _ = f.st.GetLatestParticipant("j1", "u1")
	if p.CurrentStepID != "followup" {
		t.Errorf("expected followup after wait elapsed, got %s", p.CurrentStepID)
	}
}

func TestRecoverStaleClaims(t *testing.T) {
	f := newFixture(t)
	f.register(t, welcomeJourney("j1"))
	if _, err := f.engine.Enroll(context.Background(), "j1", "u1"); err != nil {
		t.Fatalf("enrollment failed: %v", err)
	}

	// Simulate a crashed tick holding a claim.
	if _, err := f.st.ClaimActiveParticipants("j1", f.now.Add(-time.Hour), 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := f.engine.RecoverStaleClaims(); err != nil {
		t.Fatalf("RecoverStaleClaims failed: %v", err)
	}
	p, _ := f.st.GetLatestParticipant("j1", "u1")
	if p.LockedAt != nil {
		t.Error("stale claim not cleared")
	}
}

func TestSweepDateTriggers(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.TriggerConditions = []models.JourneyTrigger{
		{Type: models.TriggerDate, Conditions: []models.SegmentCondition{
			{Field: "hour", Operator: models.OperatorBetween, Value: []any{9, 17}},
		}},
	}
	f.register(t, j)
	f.profiles.profiles["u1"] = &models.CustomerProfile{UserID: "u1"}
	f.profiles.profiles["u2"] = &models.CustomerProfile{UserID: "u2"}

	f.now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := f.engine.SweepDateTriggers(context.Background()); err != nil {
		t.Fatalf("SweepDateTriggers failed: %v", err)
	}
	if ps := f.activeParticipants(t, "j1"); len(ps) != 2 {
		t.Errorf("expected both profiles enrolled, got %d", len(ps))
	}

	// Outside the window nothing happens.
	f2 := newFixture(t)
	f2.register(t, j)
	f2.profiles.profiles["u1"] = &models.CustomerProfile{UserID: "u1"}
	f2.now = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	if err := f2.engine.SweepDateTriggers(context.Background()); err != nil {
		t.Fatalf("SweepDateTriggers failed: %v", err)
	}
	if ps := f2.activeParticipants(t, "j1"); len(ps) != 0 {
		t.Errorf("expected no enrollment outside the window, got %d", len(ps))
	}
}
