package journey

import (
	"context"
	"testing"
	"time"

	"github.com/fabiol8/piucane-engine/internal/models"
)

func enrollOne(t *testing.T, f *engineFixture, journeyID, userID string) {
	t.Helper()
	if _, err := f.engine.Enroll(context.Background(), journeyID, userID); err != nil {
		t.Fatalf("enrollment failed: %v", err)
	}
}

func participant(t *testing.T, f *engineFixture, journeyID, userID string) *models.JourneyParticipant {
	t.Helper()
	p, err := f.st.GetLatestParticipant(journeyID, userID)
	if err != nil {
		t.Fatalf("GetLatestParticipant failed: %v", err)
	}
	if p == nil {
		t.Fatalf("participant %s/%s not found", journeyID, userID)
	}
	return p
}

func TestWaitStepTiming(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.EntryStepID = "wait"
	j.Steps = []models.JourneyStep{
		{ID: "wait", Type: models.StepWait, Settings: models.StepSettings{
			Wait: &models.WaitSettings{Duration: 24, Unit: models.WaitHours},
		}, Connections: []string{"done"}},
		{ID: "done", Type: models.StepMessage, Settings: models.StepSettings{
			Message: &models.MessageSettings{TemplateKey: "done"},
		}},
	}
	f.register(t, j)
	enrollOne(t, f, "j1", "u1")

	// 23 hours in: still waiting.
	f.now = f.now.Add(23 * time.Hour)
	f.engine.Tick(context.Background())
	if p := participant(t, f, "j1", "u1"); p.CurrentStepID != "wait" {
		t.Errorf("expected still at wait after 23h, got %s", p.CurrentStepID)
	}

	// 25 hours in: the wait elapsed.
	f.now = f.now.Add(2 * time.Hour)
	f.engine.Tick(context.Background())
	if p := participant(t, f, "j1", "u1"); p.CurrentStepID != "done" {
		t.Errorf("expected advance to done after 25h, got %s", p.CurrentStepID)
	}
}

func TestMessageStepCompletesDespiteDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.messenger.fail = true
	f.register(t, welcomeJourney("j1"))
	enrollOne(t, f, "j1", "u1")

	f.engine.Tick(context.Background())

	p := participant(t, f, "j1", "u1")
	if p.CurrentStepID != "wait" {
		t.Errorf("delivery failure must not block advancement, got %s", p.CurrentStepID)
	}
	if p.Status != models.ParticipantActive {
		t.Errorf("participant should stay active, got %s", p.Status)
	}
	if len(f.messenger.sent) != 1 {
		t.Errorf("expected one dispatch attempt, got %d", len(f.messenger.sent))
	}
}

func TestTerminalMessageStepCompletesParticipant(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.EntryStepID = "only"
	j.Steps = []models.JourneyStep{
		{ID: "only", Type: models.StepMessage, Settings: models.StepSettings{
			Message: &models.MessageSettings{TemplateKey: "farewell"},
		}},
	}
	f.register(t, j)
	enrollOne(t, f, "j1", "u1")

	f.engine.Tick(context.Background())

	p := participant(t, f, "j1", "u1")
	if p.Status != models.ParticipantCompleted {
		t.Errorf("step with no connections is terminal, got status %s", p.Status)
	}
	if v := p.StepHistory[len(p.StepHistory)-1]; v.Status != models.StepVisitCompleted || v.CompletedAt == nil {
		t.Errorf("final visit not closed: %+v", v)
	}
	jr, _ := f.st.GetJourney("j1")
	if jr.Stats.TotalCompleted != 1 {
		t.Errorf("expected totalCompleted 1, got %d", jr.Stats.TotalCompleted)
	}
}

func conditionJourney(trueTemplate, falseTemplate string) models.CustomerJourney {
	return models.CustomerJourney{
		ID:          "jc",
		Name:        "Branching",
		EntryStepID: "branch",
		IsActive:    true,
		TriggerConditions: []models.JourneyTrigger{
			{Type: models.TriggerEvent, Conditions: []models.SegmentCondition{
				{Field: "eventType", Operator: models.OperatorEquals, Value: "signup"},
			}},
		},
		Steps: []models.JourneyStep{
			{ID: "branch", Type: models.StepCondition, Settings: models.StepSettings{
				Condition: &models.ConditionSettings{
					Conditions: []models.SegmentCondition{
						{Field: "behavioral.totalSpent", Operator: models.OperatorGreaterThan, Value: 1000},
					},
					TrueStepID:  "vip",
					FalseStepID: "standard",
				},
			}},
			{ID: "vip", Type: models.StepMessage, Settings: models.StepSettings{
				Message: &models.MessageSettings{TemplateKey: trueTemplate},
			}},
			{ID: "standard", Type: models.StepMessage, Settings: models.StepSettings{
				Message: &models.MessageSettings{TemplateKey: falseTemplate},
			}},
		},
	}
}

func TestConditionStepBranching(t *testing.T) {
	f := newFixture(t)
	f.register(t, conditionJourney("vip-offer", "standard-offer"))

	rich := &models.CustomerProfile{UserID: "rich"}
	rich.Behavioral.TotalSpent = 5000
	poor := &models.CustomerProfile{UserID: "poor"}
	poor.Behavioral.TotalSpent = 10
	f.profiles.profiles["rich"] = rich
	f.profiles.profiles["poor"] = poor

	enrollOne(t, f, "jc", "rich")
	enrollOne(t, f, "jc", "poor")

	f.engine.Tick(context.Background())

	if p := participant(t, f, "jc", "rich"); p.CurrentStepID != "vip" {
		t.Errorf("rich customer should take the true branch, got %s", p.CurrentStepID)
	}
	if p := participant(t, f, "jc", "poor"); p.CurrentStepID != "standard" {
		t.Errorf("poor customer should take the false branch, got %s", p.CurrentStepID)
	}
}

func TestConditionStepMissingProfileTakesFalseBranch(t *testing.T) {
	f := newFixture(t)
	f.register(t, conditionJourney("vip-offer", "standard-offer"))
	enrollOne(t, f, "jc", "unknown")

	f.engine.Tick(context.Background())

	if p := participant(t, f, "jc", "unknown"); p.CurrentStepID != "standard" {
		t.Errorf("missing profile must take the false branch, got %s", p.CurrentStepID)
	}
}

func TestConditionStepTransientErrorRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	f.register(t, conditionJourney("vip-offer", "standard-offer"))
	rich := &models.CustomerProfile{UserID: "rich"}
	rich.Behavioral.TotalSpent = 5000
	f.profiles.profiles["rich"] = rich
	enrollOne(t, f, "jc", "rich")

	f.profiles.err = context.DeadlineExceeded
	f.engine.Tick(context.Background())
	if p := participant(t, f, "jc", "rich"); p.CurrentStepID != "branch" {
		t.Errorf("transient error must leave participant in place, got %s", p.CurrentStepID)
	}

	f.profiles.err = nil
	f.engine.Tick(context.Background())
	if p := participant(t, f, "jc", "rich"); p.CurrentStepID != "vip" {
		t.Errorf("recovery should branch normally, got %s", p.CurrentStepID)
	}
}

func TestActionStepPerformsAndAdvances(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.EntryStepID = "tag"
	j.Steps = []models.JourneyStep{
		{ID: "tag", Type: models.StepAction, Settings: models.StepSettings{
			Action: &models.ActionSettings{Action: models.ActionAddTag, Parameters: map[string]any{"tag": "welcomed"}},
		}, Connections: []string{"done"}},
		{ID: "done", Type: models.StepMessage, Settings: models.StepSettings{
			Message: &models.MessageSettings{TemplateKey: "done"},
		}},
	}
	f.register(t, j)
	enrollOne(t, f, "j1", "u1")

	f.engine.Tick(context.Background())

	if len(f.executor.actions) != 1 || f.executor.actions[0] != models.ActionAddTag {
		t.Errorf("expected add_tag performed, got %v", f.executor.actions)
	}
	if p := participant(t, f, "j1", "u1"); p.CurrentStepID != "done" {
		t.Errorf("expected advance after action, got %s", p.CurrentStepID)
	}
}

func TestActionStepAdvancesDespiteExecutorFailure(t *testing.T) {
	f := newFixture(t)
	f.executor.fail = true
	j := welcomeJourney("j1")
	j.EntryStepID = "tag"
	j.Steps = []models.JourneyStep{
		{ID: "tag", Type: models.StepAction, Settings: models.StepSettings{
			Action: &models.ActionSettings{Action: models.ActionAddTag},
		}},
	}
	f.register(t, j)
	enrollOne(t, f, "j1", "u1")

	f.engine.Tick(context.Background())

	if p := participant(t, f, "j1", "u1"); p.Status != models.ParticipantCompleted {
		t.Errorf("executor failure must not block the participant, got %s", p.Status)
	}
}

func goalJourney(windowDays int) models.CustomerJourney {
	return models.CustomerJourney{
		ID:          "jg",
		Name:        "Conversion",
		EntryStepID: "goal",
		IsActive:    true,
		TriggerConditions: []models.JourneyTrigger{
			{Type: models.TriggerEvent, Conditions: []models.SegmentCondition{
				{Field: "eventType", Operator: models.OperatorEquals, Value: "signup"},
			}},
		},
		Steps: []models.JourneyStep{
			{ID: "goal", Type: models.StepGoal, Settings: models.StepSettings{
				Goal: &models.GoalSettings{
					Conditions: []models.SegmentCondition{
						{Field: "behavioral.totalOrders", Operator: models.OperatorGreaterThan, Value: 0},
					},
					ConversionWindowDays: windowDays,
				},
			}},
		},
	}
}

func TestGoalStepSatisfied(t *testing.T) {
	f := newFixture(t)
	f.register(t, goalJourney(7))
	enrollOne(t, f, "jg", "u1")

	// Not converted yet: the participant waits.
	f.profiles.profiles["u1"] = &models.CustomerProfile{UserID: "u1"}
	f.engine.Tick(context.Background())
	p := participant(t, f, "jg", "u1")
	if p.Status != models.ParticipantActive {
		t.Fatalf("unconverted participant should wait, got %s", p.Status)
	}

	// The customer converts inside the window.
	converted := &models.CustomerProfile{UserID: "u1"}
	converted.Behavioral.TotalOrders = 1
	f.profiles.profiles["u1"] = converted
	f.now = f.now.Add(3 * 24 * time.Hour)
	f.engine.Tick(context.Background())

	p = participant(t, f, "jg", "u1")
	if p.Status != models.ParticipantCompleted {
		t.Errorf("expected completed, got %s", p.Status)
	}
	if !p.GoalAchieved {
		t.Error("goalAchieved not set")
	}
	j, _ := f.st.GetJourney("jg")
	if j.Stats.TotalCompleted != 1 || j.Stats.TotalDropped != 0 {
		t.Errorf("unexpected stats: %+v", j.Stats)
	}
}

func TestGoalStepWindowBoundary(t *testing.T) {
	// Exactly at the boundary the window has not yet expired; conversion at
	// the boundary still counts.
	f := newFixture(t)
	f.register(t, goalJourney(7))
	enrollOne(t, f, "jg", "u1")

	converted := &models.CustomerProfile{UserID: "u1"}
	converted.Behavioral.TotalOrders = 1
	f.profiles.profiles["u1"] = converted

	f.now = f.now.Add(7 * 24 * time.Hour)
	f.engine.Tick(context.Background())

	p := participant(t, f, "jg", "u1")
	if p.Status != models.ParticipantCompleted || !p.GoalAchieved {
		t.Errorf("conversion at the window boundary should complete, got %s goal=%v", p.Status, p.GoalAchieved)
	}
}

func TestGoalStepWindowExpired(t *testing.T) {
	f := newFixture(t)
	f.register(t, goalJourney(7))
	enrollOne(t, f, "jg", "u1")
	f.profiles.profiles["u1"] = &models.CustomerProfile{UserID: "u1"}

	f.now = f.now.Add(8 * 24 * time.Hour)
	f.engine.Tick(context.Background())

	p := participant(t, f, "jg", "u1")
	if p.Status != models.ParticipantDropped {
		t.Errorf("expected dropped after window expiry, got %s", p.Status)
	}
	if p.GoalAchieved {
		t.Error("goalAchieved must stay false on expiry")
	}
	if p.DropReason == "" {
		t.Error("drop reason not recorded")
	}
	j, _ := f.st.GetJourney("jg")
	if j.Stats.TotalDropped != 1 || j.Stats.TotalCompleted != 0 {
		t.Errorf("unexpected stats: %+v", j.Stats)
	}
}

func TestDanglingRuntimeReferenceDropsParticipant(t *testing.T) {
	// Definition edits after enrollment can orphan a participant's current
	// step; processing degrades to a drop with a diagnostic reason.
	f := newFixture(t)
	f.register(t, welcomeJourney("j1"))
	enrollOne(t, f, "j1", "u1")

	j, _ := f.st.GetJourney("j1")
	j.Steps = j.Steps[1:] // remove the entry step out from under the participant
	j.EntryStepID = "wait"
	if err := f.st.SaveJourney(*j); err != nil {
		t.Fatalf("SaveJourney failed: %v", err)
	}

	f.engine.Tick(context.Background())

	p := participant(t, f, "j1", "u1")
	if p.Status != models.ParticipantDropped {
		t.Errorf("expected dropped, got %s", p.Status)
	}
	if p.DropReason == "" {
		t.Error("expected a diagnostic drop reason")
	}
}

func TestParticipantTerminatesInFiniteTicks(t *testing.T) {
	f := newFixture(t)
	f.register(t, welcomeJourney("j1"))
	enrollOne(t, f, "j1", "u1")

	for i := 0; i < 10; i++ {
		f.engine.Tick(context.Background())
		f.now = f.now.Add(25 * time.Hour)
		if p := participant(t, f, "j1", "u1"); p.Status.IsTerminal() {
			break
		}
	}

	p := participant(t, f, "j1", "u1")
	if !p.Status.IsTerminal() {
		t.Fatalf("participant did not terminate, stuck at %s", p.CurrentStepID)
	}
	if p.Status != models.ParticipantCompleted {
		t.Errorf("expected completed, got %s (%s)", p.Status, p.DropReason)
	}

	// Visits cover the whole path in order.
	var visited []string
	for _, v := range p.StepHistory {
		visited = append(visited, v.StepID)
	}
	want := []string{"welcome", "wait", "followup"}
	if len(visited) != len(want) {
		t.Fatalf("expected visits %v, got %v", want, visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visit %d: expected %s, got %s", i, want[i], visited[i])
		}
	}
}

func TestStatsIncrementedOncePerTerminalTransition(t *testing.T) {
	f := newFixture(t)
	j := welcomeJourney("j1")
	j.EntryStepID = "only"
	j.Steps = []models.JourneyStep{
		{ID: "only", Type: models.StepMessage, Settings: models.StepSettings{
			Message: &models.MessageSettings{TemplateKey: "once"},
		}},
	}
	f.register(t, j)
	enrollOne(t, f, "j1", "u1")

	// Extra ticks after completion must not touch the counters.
	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}

	jr, _ := f.st.GetJourney("j1")
	if jr.Stats.TotalEntered != 1 || jr.Stats.TotalCompleted != 1 || jr.Stats.TotalDropped != 0 {
		t.Errorf("counters must be monotonic and single-increment: %+v", jr.Stats)
	}
}
