package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/cache"
	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/enginetest"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Test workflow: a counter that can arm timers and watch other workflows.
// It exists to drive every repository path, not to model anything.

type counterState struct {
	workflow.Base
	Count int `json:"count"`
}

func (s *counterState) Clone() workflow.State {
	return &counterState{Base: s.CopyBase(), Count: s.Count}
}

type openCounter struct{}

func (openCounter) CommandType() string { return "open_counter" }

type bump struct {
	By int `json:"by"`
}

func (bump) CommandType() string { return "bump" }

// touch decides nothing; it exercises the zero-event no-op path.
type touch struct{}

func (touch) CommandType() string { return "touch" }

type closeCounter struct{}

func (closeCounter) CommandType() string { return "close_counter" }

type watch struct {
	EventType string `json:"event_type"`
	Source    string `json:"source"`
}

func (watch) CommandType() string { return "watch" }

type unwatch struct {
	EventType string `json:"event_type"`
	Source    string `json:"source"`
}

func (unwatch) CommandType() string { return "unwatch" }

type armTimer struct {
	ID   string    `json:"id"`
	At   time.Time `json:"at,omitempty"`
	Cron string    `json:"cron,omitempty"`
	By   int       `json:"by"`
}

func (armTimer) CommandType() string { return "arm_timer" }

type dropTimer struct {
	ID string `json:"id"`
}

func (dropTimer) CommandType() string { return "drop_timer" }

type counterOpened struct{}

func (counterOpened) EventType() string { return "counter_opened" }

type bumped struct {
	By int `json:"by"`
}

func (bumped) EventType() string { return "bumped" }

type counterClosed struct{}

func (counterClosed) EventType() string { return "counter_closed" }

type timerArmed struct {
	ID   string    `json:"id"`
	At   time.Time `json:"at,omitempty"`
	Cron string    `json:"cron,omitempty"`
	By   int       `json:"by"`
}

func (timerArmed) EventType() string { return "timer_armed" }

func (e timerArmed) Delay() workflow.DelaySpec {
	return workflow.DelaySpec{
		ID:             e.ID,
		Until:          e.At,
		NextCommand:    bump{By: e.By},
		CronExpression: e.Cron,
	}
}

type counterDef struct{}

func (counterDef) Name() string       { return "counter" }
func (counterDef) SchemaVersion() int { return 1 }

func (counterDef) Decide(state workflow.State, cmd workflow.Command) ([]workflow.Event, error) {
	if state == nil {
		switch cmd.(type) {
		case openCounter:
			return []workflow.Event{counterOpened{}}, nil
		case touch:
			return nil, nil
		}
		return nil, workflow.ErrNotFound
	}
	switch c := cmd.(type) {
	case openCounter:
		return nil, workflow.Reject("already exists")
	case bump:
		return []workflow.Event{bumped{By: c.By}}, nil
	case touch:
		return nil, nil
	case closeCounter:
		return []workflow.Event{counterClosed{}}, nil
	case watch:
		sub := workflow.Sub{EventType: c.EventType, WorkflowID: c.Source}
		return []workflow.Event{workflow.SubscriptionAdded{Sub: sub}}, nil
	case unwatch:
		sub := workflow.Sub{EventType: c.EventType, WorkflowID: c.Source}
		return []workflow.Event{workflow.SubscriptionRemoved{Sub: sub}}, nil
	case armTimer:
		return []workflow.Event{timerArmed{ID: c.ID, At: c.At, Cron: c.Cron, By: c.By}}, nil
	case dropTimer:
		return []workflow.Event{workflow.CancelSchedule{DelayID: c.ID}}, nil
	}
	return nil, workflow.Reject("unknown command")
}

func (counterDef) Evolve(state workflow.State, e workflow.Event) workflow.State {
	s, ok := state.(*counterState)
	if !ok {
		s = &counterState{}
		if state != nil {
			s.StateMeta = *state.Meta()
		} else {
			s.StateMeta = workflow.Meta{Lifecycle: workflow.LifecycleActive}
		}
	}
	if b, ok := e.(bumped); ok {
		s.Count += b.By
	}
	return s
}

func (counterDef) EventToCommand(workflow.ConsumedEvent) workflow.Command { return nil }

func (counterDef) IsFinalEvent(e workflow.Event) bool {
	_, ok := e.(counterClosed)
	return ok
}

func (counterDef) Tags(state workflow.State) []string {
	if state.(*counterState).Count%2 == 0 {
		return []string{"parity:even"}
	}
	return []string{"parity:odd"}
}

var fixtureStart = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func newCounterCodec(t *testing.T) *codec.Codec {
	t.Helper()
	reg := codec.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow(counterDef{}, &counterState{},
		counterOpened{}, bumped{}, counterClosed{}, timerArmed{}))
	require.NoError(t, reg.RegisterCommand(
		openCounter{}, bump{}, touch{}, closeCounter{}, watch{}, unwatch{}, armTimer{}, dropTimer{}))
	cdc, err := codec.New(reg, codec.Options{})
	require.NoError(t, err)
	return cdc
}

type fixture struct {
	st  *enginetest.MemStore
	clk *testclock.Clock
	rep *Repository
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clk := testclock.NewClock(fixtureStart)
	st := enginetest.NewMemStore()
	st.Now = clk.Now
	opts.Clock = clk
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = -1
	}
	rep := NewWithOptions(st, newCounterCodec(t), counterDef{}, zap.NewNop(), opts)
	return &fixture{st: st, clk: clk, rep: rep}
}

func (f *fixture) open(t *testing.T, id string) {
	t.Helper()
	_, err := f.rep.CreateNew(context.Background(), id, openCounter{})
	require.NoError(t, err)
}

// rawAppend writes an event behind the repository's back, as a concurrent
// process would.
func (f *fixture) rawAppend(t *testing.T, id string, version int, eventType string, body []byte) {
	t.Helper()
	_, err := f.st.Append(context.Background(), store.AppendRequest{
		WorkflowType:         "counter",
		WorkflowID:           id,
		ExpectedPriorVersion: version - 1,
		Events: []store.StoredEvent{{
			WorkflowVersion: version,
			EventType:       eventType,
			SchemaVersion:   1,
			Body:            body,
		}},
	})
	require.NoError(t, err)
}

func versionsOf(st *enginetest.MemStore, id string) []int {
	var out []int
	for _, e := range st.AllEvents() {
		if e.WorkflowID == id {
			out = append(out, e.WorkflowVersion)
		}
	}
	return out
}

func TestCreateNew(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.rep.CreateNew(ctx, "c-1", openCounter{})
	require.NoError(t, err)
	assert.Equal(t, "c-1", res.ID)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, 0, res.State.(*counterState).Count)
	require.Len(t, res.Events, 1)

	// Racing creations of one id surface as ErrAlreadyExists, which counts
	// as a rejection.
	_, err = f.rep.CreateNew(ctx, "c-1", openCounter{})
	require.ErrorIs(t, err, workflow.ErrAlreadyExists)
	assert.True(t, IsExpectedRefusal(err))

	// Commands that need existing state cannot create.
	_, err = f.rep.CreateNew(ctx, "c-2", bump{By: 1})
	require.ErrorIs(t, err, workflow.ErrNotFound)

	// A command that decides no events cannot create either.
	_, err = f.rep.CreateNew(ctx, "c-3", touch{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decided no events")
}

func TestProcessCommandUnknownWorkflow(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.rep.ProcessCommand(context.Background(), "ghost", bump{By: 1})
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestConcurrentWritersStayDense(t *testing.T) {
	// Conflicting appends must redo, never drop or duplicate a version.
	f := newFixture(t, Options{MaxRetries: 50})
	ctx := context.Background()
	f.open(t, "c-1")

	const writers = 4
	const perWriter = 5
	errs := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent bump failed: %v", err)
	}

	st, err := f.rep.GetCurrentState(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1+writers*perWriter, st.Version)
	assert.Equal(t, writers*perWriter, st.State.(*counterState).Count)

	vs := versionsOf(f.st, "c-1")
	require.Len(t, vs, 1+writers*perWriter)
	seen := make(map[int]bool, len(vs))
	for _, v := range vs {
		assert.False(t, seen[v], "version %d appended twice", v)
		seen[v] = true
	}
	for v := 1; v <= 1+writers*perWriter; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}
}

func TestNoopDecisionLeavesLogUntouched(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")

	res, err := f.rep.ProcessCommand(ctx, "c-1", touch{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Empty(t, res.Events)
	assert.Len(t, versionsOf(f.st, "c-1"), 1)
}

func TestPauseBlocksCommandsUntilResume(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")

	require.NoError(t, f.rep.PauseWorkflow(ctx, "c-1", "audit"))
	_, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.ErrorIs(t, err, workflow.ErrWorkflowPaused)
	assert.True(t, IsExpectedRefusal(err))

	// Pausing twice records nothing new.
	require.NoError(t, f.rep.PauseWorkflow(ctx, "c-1", "again"))
	assert.Len(t, versionsOf(f.st, "c-1"), 2)

	require.NoError(t, f.rep.ResumeWorkflow(ctx, "c-1"))
	res, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Version)
	assert.Equal(t, 1, res.State.(*counterState).Count)

	// Resuming an active workflow is a no-op.
	require.NoError(t, f.rep.ResumeWorkflow(ctx, "c-1"))
	assert.Len(t, versionsOf(f.st, "c-1"), 4)
}

func TestCancelStopsTheWorkflow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")

	_, err := f.rep.ProcessCommand(ctx, "c-1", armTimer{ID: "t-1", At: fixtureStart.Add(time.Hour), By: 1})
	require.NoError(t, err)
	rows, err := f.st.ListSchedules(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, f.st.UpsertActivity(ctx, store.ActivityRow{
		WorkflowID:  "c-1",
		EventNumber: 2,
		Status:      store.ActivityRunning,
	}))

	require.NoError(t, f.rep.CancelWorkflow(ctx, "c-1", "obsolete"))

	_, err = f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.ErrorIs(t, err, workflow.ErrWorkflowCancelled)
	require.ErrorIs(t, f.rep.PauseWorkflow(ctx, "c-1", "nope"), workflow.ErrWorkflowCancelled)

	// The pending timer died in the same transaction, the activity record
	// right after it.
	rows, err = f.st.ListSchedules(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	act, err := f.st.GetActivity(ctx, "c-1", 2)
	require.NoError(t, err)
	assert.Equal(t, store.ActivityCancelled, act.Status)

	// Cancelling twice records nothing new.
	require.NoError(t, f.rep.CancelWorkflow(ctx, "c-1", "again"))
	assert.Len(t, versionsOf(f.st, "c-1"), 3)

	// Resume reactivates even a cancelled workflow.
	require.NoError(t, f.rep.ResumeWorkflow(ctx, "c-1"))
	res, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Version)
}

func TestContinueAsNewRestartsTheLog(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")
	for i := 0; i < 3; i++ {
		_, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
		require.NoError(t, err)
	}

	require.NoError(t, f.rep.ContinueAsNew(ctx, "c-1", "history compaction"))

	// Only the marker survives; state rides the snapshot.
	assert.Equal(t, []int{5}, versionsOf(f.st, "c-1"))
	snap, err := f.st.LatestSnapshot(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Version)

	st, err := f.rep.LoadState(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Version)
	assert.Equal(t, 3, st.State.(*counterState).Count)

	res, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Version)
	assert.Equal(t, 4, res.State.(*counterState).Count)
}

func TestSnapshotsFollowTheInterval(t *testing.T) {
	f := newFixture(t, Options{SnapshotInterval: 2})
	ctx := context.Background()
	f.open(t, "c-1")

	_, err := f.st.LatestSnapshot(ctx, "c-1", 0)
	require.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	snap, err := f.st.LatestSnapshot(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)

	_, err = f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	snap, err = f.st.LatestSnapshot(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version, "no snapshot between multiples")

	_, err = f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	snap, err = f.st.LatestSnapshot(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Version)

	// Final events never snapshot; v4 stays the newest.
	_, err = f.rep.ProcessCommand(ctx, "c-1", closeCounter{})
	require.NoError(t, err)
	snap, err = f.st.LatestSnapshot(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Version)
}

func TestLoadStateAtVersion(t *testing.T) {
	f := newFixture(t, Options{SnapshotInterval: 2})
	ctx := context.Background()
	f.open(t, "c-1")
	for i := 0; i < 2; i++ {
		_, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
		require.NoError(t, err)
	}

	// Latest: snapshot v2 plus the v3 event.
	st, err := f.rep.LoadState(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Version)
	assert.Equal(t, 2, st.State.(*counterState).Count)

	// Historical: the snapshot alone.
	st, err = f.rep.LoadState(ctx, "c-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Version)
	assert.Equal(t, 1, st.State.(*counterState).Count)

	st, err = f.rep.LoadState(ctx, "c-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Version)
	assert.Equal(t, 0, st.State.(*counterState).Count)
}

func TestStaleSchemaSnapshotIsReplayedOver(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")
	_, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 2})
	require.NoError(t, err)

	// A snapshot from schema 0 cannot be trusted after an upcast; loading
	// must fall back to full replay.
	require.NoError(t, f.st.UpsertSnapshot(ctx, store.SnapshotRow{
		WorkflowID:    "c-1",
		WorkflowType:  "counter",
		Version:       2,
		SchemaVersion: 0,
		State:         []byte(`{"count":999}`),
	}))

	st, err := f.rep.LoadState(ctx, "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Version)
	assert.Equal(t, 2, st.State.(*counterState).Count)
}

func TestStaleCacheEntryIsIgnored(t *testing.T) {
	f := newFixture(t, Options{Cache: cache.NewMemory(8, time.Minute)})
	ctx := context.Background()
	f.open(t, "c-1")

	// Another process appends behind our back; the cached v1 is now stale.
	f.rawAppend(t, "c-1", 2, "bumped", []byte(`{"by":5}`))

	st, err := f.rep.GetCurrentState(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Version)
	assert.Equal(t, 5, st.State.(*counterState).Count)
}

func TestFinalEventEvictsCache(t *testing.T) {
	f := newFixture(t, Options{Cache: cache.NewMemory(8, time.Minute)})
	ctx := context.Background()
	f.open(t, "c-1")
	_, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	_, err = f.rep.GetCurrentState(ctx, "c-1")
	require.NoError(t, err)

	_, err = f.rep.ProcessCommand(ctx, "c-1", closeCounter{})
	require.NoError(t, err)

	// Were the entry still cached, the completed state would come back here.
	_, err = f.rep.GetCurrentState(ctx, "c-1")
	require.ErrorIs(t, err, workflow.ErrNotFound)
	_, err = f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.ErrorIs(t, err, workflow.ErrNotFound)

	// History before the final event stays readable.
	st, err := f.rep.LoadState(ctx, "c-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Version)
	assert.Equal(t, 1, st.State.(*counterState).Count)
}

// conflictStore fails every append with a version conflict.
type conflictStore struct {
	store.Store
}

func (conflictStore) Append(context.Context, store.AppendRequest) (store.AppendResult, error) {
	return store.AppendResult{}, workflow.ErrVersionConflict
}

func TestGiveUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t, Options{})
	f.rawAppend(t, "c-1", 1, "counter_opened", []byte(`{}`))

	rep := NewWithOptions(conflictStore{f.st}, newCounterCodec(t), counterDef{}, zap.NewNop(), Options{
		MaxRetries: 2,
		Clock:      f.clk,
	})
	_, err := rep.ProcessCommand(context.Background(), "c-1", bump{By: 1})
	require.ErrorIs(t, err, workflow.ErrVersionConflict)
	assert.Contains(t, err.Error(), "gave up after 3 version conflicts")
	assert.False(t, IsExpectedRefusal(err))
}

func TestRepublishEventsClearsPushed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")
	_, err := f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)

	var ids []int64
	for _, e := range f.st.AllEvents() {
		ids = append(ids, e.GlobalID)
	}
	require.NoError(t, f.st.MarkPushed(ctx, "counter", ids))
	n, err := f.st.UnpushedCount(ctx, "counter")
	require.NoError(t, err)
	require.Zero(t, n)

	marked, err := f.rep.RepublishEvents(ctx, "c-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)
	n, err = f.st.UnpushedCount(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOneShotTimerRowsFollowEvents(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")

	at := fixtureStart.Add(time.Hour)
	_, err := f.rep.ProcessCommand(ctx, "c-1", armTimer{ID: "t-1", At: at, By: 2})
	require.NoError(t, err)

	rows, err := f.st.ListSchedules(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t-1", rows[0].DelayID)
	assert.Equal(t, at, rows[0].DelayUntil.UTC())
	assert.Equal(t, 2, rows[0].EventVersion)
	assert.Equal(t, "bump", rows[0].NextCommandType)
	assert.JSONEq(t, `{"by":2}`, string(rows[0].NextCommand))

	_, err = f.rep.ProcessCommand(ctx, "c-1", dropTimer{ID: "t-1"})
	require.NoError(t, err)
	rows, err = f.st.ListSchedules(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCronScheduleRowsFollowMeta(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")

	// The clock reads 08:00 UTC, so a daily 09:00 schedule fires today.
	_, err := f.rep.ProcessCommand(ctx, "c-1", armTimer{ID: "daily", Cron: "0 9 * * *", By: 1})
	require.NoError(t, err)

	st, err := f.rep.GetCurrentState(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, st.State.Meta().Schedules, 1)
	assert.Equal(t, "daily", st.State.Meta().Schedules[0].ID)

	rows, err := f.st.ListSchedules(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0 9 * * *", rows[0].CronExpression)
	assert.Equal(t, fixtureStart.Add(time.Hour), rows[0].DelayUntil.UTC())
	assert.Equal(t, 2, rows[0].EventVersion)

	_, err = f.rep.ProcessCommand(ctx, "c-1", dropTimer{ID: "daily"})
	require.NoError(t, err)
	st, err = f.rep.GetCurrentState(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, st.State.Meta().Schedules)
	rows, err = f.st.ListSchedules(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSubscriptionRowsFollowMeta(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")

	_, err := f.rep.ProcessCommand(ctx, "c-1", watch{EventType: "order_placed", Source: "*"})
	require.NoError(t, err)
	subs, err := f.st.SubscribersOf(ctx, "counter", "order_placed", "ord-9")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "c-1", subs[0].WorkflowID)

	_, err = f.rep.ProcessCommand(ctx, "c-1", unwatch{EventType: "order_placed", Source: "*"})
	require.NoError(t, err)
	subs, err = f.st.SubscribersOf(ctx, "counter", "order_placed", "ord-9")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestTagsTrackState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.open(t, "c-1")

	tags, err := f.st.WorkflowTags(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"parity:even"}, tags)

	_, err = f.rep.ProcessCommand(ctx, "c-1", bump{By: 1})
	require.NoError(t, err)
	tags, err = f.st.WorkflowTags(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"parity:odd"}, tags)

	ids, err := f.st.WorkflowIDsByTag(ctx, "counter", "parity:odd")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1"}, ids)
}

func TestIsExpectedRefusal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rejection", workflow.Reject("no"), true},
		{"wrapped not found", fmt.Errorf("load: %w", workflow.ErrNotFound), true},
		{"already exists", workflow.ErrAlreadyExists, true},
		{"paused", workflow.ErrWorkflowPaused, true},
		{"cancelled", workflow.ErrWorkflowCancelled, true},
		{"version conflict", workflow.ErrVersionConflict, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsExpectedRefusal(tc.err))
		})
	}
}
