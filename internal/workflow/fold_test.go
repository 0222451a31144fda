package workflow

import (
	"testing"
	"time"
)

type testState struct {
	Base
	Total int      `json:"total"`
	Log   []string `json:"log"`
}

func (s *testState) Clone() State {
	cp := &testState{Base: s.CopyBase(), Total: s.Total}
	cp.Log = append([]string(nil), s.Log...)
	return cp
}

type evStarted struct {
	Amount int `json:"amount"`
}

func (evStarted) EventType() string { return "test_started" }

type evBumped struct {
	Amount int `json:"amount"`
}

func (evBumped) EventType() string { return "test_bumped" }

type cmdNext struct {
	Note string `json:"note"`
}

func (cmdNext) CommandType() string { return "test_next" }

type evWait struct {
	ID   string    `json:"id"`
	When time.Time `json:"when"`
	Cron string    `json:"cron,omitempty"`
	TZ   string    `json:"tz,omitempty"`
}

func (evWait) EventType() string { return "test_wait" }

func (e evWait) Delay() DelaySpec {
	return DelaySpec{
		ID:             e.ID,
		Until:          e.When,
		NextCommand:    cmdNext{Note: "wake"},
		CronExpression: e.Cron,
		Timezone:       e.TZ,
	}
}

type testDef struct{}

func (testDef) Name() string       { return "testwf" }
func (testDef) SchemaVersion() int { return 1 }

func (testDef) Decide(state State, cmd Command) ([]Event, error) {
	return nil, nil
}

func (testDef) Evolve(state State, event Event) State {
	var s *testState
	if state == nil {
		s = &testState{Base: Base{StateMeta: Meta{Lifecycle: LifecycleActive}}}
	} else {
		s = state.(*testState)
	}
	switch e := event.(type) {
	case evStarted:
		s.Total = e.Amount
	case evBumped:
		s.Total += e.Amount
	}
	s.Log = append(s.Log, event.EventType())
	return s
}

func (testDef) EventToCommand(e ConsumedEvent) Command { return nil }
func (testDef) IsFinalEvent(e Event) bool              { return false }

func newTestState(t *testing.T, events ...Event) *testState {
	t.Helper()
	st, err := Fold(testDef{}, nil, events)
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	return st.(*testState)
}

func TestFoldDomainEvents(t *testing.T) {
	st := newTestState(t, evStarted{Amount: 10}, evBumped{Amount: 5}, evBumped{Amount: 1})
	if st.Total != 16 {
		t.Fatalf("Total = %d, want 16", st.Total)
	}
	if len(st.Log) != 3 {
		t.Fatalf("Log = %v, want 3 entries", st.Log)
	}
}

func TestFoldLifecycle(t *testing.T) {
	st := newTestState(t, evStarted{Amount: 1})

	paused, err := Fold(testDef{}, st, []Event{SystemPause{Reason: "ops"}})
	if err != nil {
		t.Fatalf("Fold pause failed: %v", err)
	}
	if got := paused.Meta().Lifecycle; got != LifecyclePaused {
		t.Fatalf("lifecycle after pause = %q, want %q", got, LifecyclePaused)
	}

	resumed, err := Fold(testDef{}, paused, []Event{SystemResume{}})
	if err != nil {
		t.Fatalf("Fold resume failed: %v", err)
	}
	if got := resumed.Meta().Lifecycle; got != LifecycleActive {
		t.Fatalf("lifecycle after resume = %q, want %q", got, LifecycleActive)
	}
}

func TestFoldCancelClearsSchedules(t *testing.T) {
	st := newTestState(t,
		evStarted{Amount: 1},
		ScheduleAdded{Schedule: Schedule{ID: "rpt", CronExpression: "0 9 * * *"}},
	)
	if len(st.Meta().Schedules) != 1 {
		t.Fatalf("expected one schedule before cancel, got %d", len(st.Meta().Schedules))
	}

	cancelled, err := Fold(testDef{}, st, []Event{SystemCancel{Reason: "done"}})
	if err != nil {
		t.Fatalf("Fold cancel failed: %v", err)
	}
	m := cancelled.Meta()
	if m.Lifecycle != LifecycleCancelled {
		t.Fatalf("lifecycle = %q, want %q", m.Lifecycle, LifecycleCancelled)
	}
	if len(m.Schedules) != 0 {
		t.Fatalf("schedules after cancel = %v, want none", m.Schedules)
	}
}

func TestFoldSubscriptions(t *testing.T) {
	subA := Sub{EventType: "payment_received", WorkflowID: "*"}
	subB := Sub{EventType: "*", WorkflowID: "order-1", Tags: []string{"prio"}}

	st := newTestState(t,
		evStarted{Amount: 1},
		SubscriptionAdded{Sub: subA},
		SubscriptionAdded{Sub: subB},
	)
	if len(st.Meta().Subscriptions) != 2 {
		t.Fatalf("subscriptions = %v, want 2", st.Meta().Subscriptions)
	}

	// Removal matches every field, tag filters included.
	missed, err := Fold(testDef{}, st, []Event{
		SubscriptionRemoved{Sub: Sub{EventType: "*", WorkflowID: "order-1"}},
	})
	if err != nil {
		t.Fatalf("Fold remove failed: %v", err)
	}
	if got := len(missed.Meta().Subscriptions); got != 2 {
		t.Fatalf("removal without tags matched anyway: %d subs left", got)
	}

	removed, err := Fold(testDef{}, st, []Event{SubscriptionRemoved{Sub: subB}})
	if err != nil {
		t.Fatalf("Fold remove failed: %v", err)
	}
	subs := removed.Meta().Subscriptions
	if len(subs) != 1 || !subs[0].Equal(subA) {
		t.Fatalf("subscriptions after removal = %v, want only %v", subs, subA)
	}
}

func TestFoldExternalSubscriptions(t *testing.T) {
	st := newTestState(t,
		evStarted{Amount: 1},
		ExternalSubscriptionAdded{Sub: ExternalSub{Topic: "prices"}},
		ExternalSubscriptionAdded{Sub: ExternalSub{Topic: "news"}},
		ExternalSubscriptionRemoved{Topic: "prices"},
	)
	ext := st.Meta().ExternalSubscriptions
	if len(ext) != 1 || ext[0].Topic != "news" {
		t.Fatalf("external subscriptions = %v, want [news]", ext)
	}
}

func TestFoldScheduleUpsert(t *testing.T) {
	st := newTestState(t,
		evStarted{Amount: 1},
		ScheduleAdded{Schedule: Schedule{ID: "rpt", CronExpression: "0 9 * * *"}},
		ScheduleAdded{Schedule: Schedule{ID: "rpt", CronExpression: "30 9 * * *"}},
	)
	scheds := st.Meta().Schedules
	if len(scheds) != 1 {
		t.Fatalf("schedules = %v, want one after upsert", scheds)
	}
	if scheds[0].CronExpression != "30 9 * * *" {
		t.Fatalf("cron = %q, want the replacing expression", scheds[0].CronExpression)
	}

	dropped, err := Fold(testDef{}, st, []Event{ScheduleRemoved{DelayID: "rpt"}})
	if err != nil {
		t.Fatalf("Fold remove failed: %v", err)
	}
	if got := len(dropped.Meta().Schedules); got != 0 {
		t.Fatalf("schedules after removal = %d, want 0", got)
	}
}

func TestFoldCronDelayBecomesSchedule(t *testing.T) {
	st := newTestState(t,
		evStarted{Amount: 1},
		evWait{ID: "daily", Cron: "0 9 * * *", TZ: "UTC"},
	)
	scheds := st.Meta().Schedules
	if len(scheds) != 1 {
		t.Fatalf("schedules = %v, want one from cron delay", scheds)
	}
	s := scheds[0]
	if s.ID != "daily" || s.CronExpression != "0 9 * * *" || s.Timezone != "UTC" {
		t.Fatalf("schedule = %+v", s)
	}
	if s.NextCommandType != "test_next" || len(s.NextCommand) == 0 {
		t.Fatalf("schedule command = %q %s, want encoded test_next", s.NextCommandType, s.NextCommand)
	}
	// Cron delays are folded by the engine; the domain log never sees them.
	for _, entry := range st.Log {
		if entry == "test_wait" {
			t.Fatalf("cron delay leaked into domain evolve: %v", st.Log)
		}
	}

	gone, err := Fold(testDef{}, st, []Event{CancelSchedule{DelayID: "daily"}})
	if err != nil {
		t.Fatalf("Fold cancel schedule failed: %v", err)
	}
	if got := len(gone.Meta().Schedules); got != 0 {
		t.Fatalf("schedules after cancel = %d, want 0", got)
	}
}

func TestFoldOneShotDelayReachesEvolve(t *testing.T) {
	st := newTestState(t,
		evStarted{Amount: 1},
		evWait{ID: "once", When: time.Now().Add(time.Minute)},
	)
	if len(st.Meta().Schedules) != 0 {
		t.Fatalf("one-shot delay created a schedule: %v", st.Meta().Schedules)
	}
	if len(st.Log) != 2 || st.Log[1] != "test_wait" {
		t.Fatalf("domain evolve did not see the delay: %v", st.Log)
	}
}

func TestFoldDoesNotMutateInput(t *testing.T) {
	st := newTestState(t, evStarted{Amount: 10},
		SubscriptionAdded{Sub: Sub{EventType: "x", WorkflowID: "*"}})

	_, err := Fold(testDef{}, st, []Event{
		evBumped{Amount: 5},
		SystemPause{},
		SubscriptionAdded{Sub: Sub{EventType: "y", WorkflowID: "*"}},
	})
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if st.Total != 10 {
		t.Fatalf("input Total mutated to %d", st.Total)
	}
	if st.Meta().Lifecycle == LifecyclePaused {
		t.Fatalf("input lifecycle mutated")
	}
	if len(st.Meta().Subscriptions) != 1 {
		t.Fatalf("input subscriptions mutated: %v", st.Meta().Subscriptions)
	}
}

func TestFoldSystemEventsOnEmptyState(t *testing.T) {
	st, err := Fold(testDef{}, nil, []Event{SystemPause{}})
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if _, ok := st.(*BaseState); !ok {
		t.Fatalf("state = %T, want *BaseState", st)
	}
	if st.Meta().Lifecycle != LifecyclePaused {
		t.Fatalf("lifecycle = %q, want paused", st.Meta().Lifecycle)
	}
}
