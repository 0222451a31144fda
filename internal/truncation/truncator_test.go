package truncation

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/enginetest"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Test workflow: a running tally of integer entries.

type tallyState struct {
	workflow.Base
	Total int `json:"total"`
}

func (s *tallyState) Clone() workflow.State {
	return &tallyState{Base: s.CopyBase(), Total: s.Total}
}

type openTally struct{}

func (openTally) CommandType() string { return "open_tally" }

type addEntry struct {
	Amount int `json:"amount"`
}

func (addEntry) CommandType() string { return "add_entry" }

type tallyOpened struct{}

func (tallyOpened) EventType() string { return "tally_opened" }

type entryAdded struct {
	Amount int `json:"amount"`
}

func (entryAdded) EventType() string { return "entry_added" }

type tallyDef struct{}

func (tallyDef) Name() string       { return "tally" }
func (tallyDef) SchemaVersion() int { return 1 }

func (tallyDef) Decide(state workflow.State, cmd workflow.Command) ([]workflow.Event, error) {
	if state == nil {
		if _, ok := cmd.(openTally); ok {
			return []workflow.Event{tallyOpened{}}, nil
		}
		return nil, workflow.ErrNotFound
	}
	switch c := cmd.(type) {
	case openTally:
		return nil, workflow.Reject("already exists")
	case addEntry:
		return []workflow.Event{entryAdded{Amount: c.Amount}}, nil
	}
	return nil, workflow.Reject("unknown command")
}

func (tallyDef) Evolve(state workflow.State, e workflow.Event) workflow.State {
	s, ok := state.(*tallyState)
	if !ok {
		s = &tallyState{}
		if state != nil {
			s.StateMeta = *state.Meta()
		} else {
			s.StateMeta = workflow.Meta{Lifecycle: workflow.LifecycleActive}
		}
	}
	if a, ok := e.(entryAdded); ok {
		s.Total += a.Amount
	}
	return s
}

func (tallyDef) EventToCommand(workflow.ConsumedEvent) workflow.Command { return nil }
func (tallyDef) IsFinalEvent(workflow.Event) bool                      { return false }

func newTruncator(t *testing.T, st *enginetest.MemStore, clk *testclock.Clock, opts Options) *Truncator {
	t.Helper()
	opts.Clock = clk
	tr, err := New("tally", st, opts)
	require.NoError(t, err)
	return tr
}

// seedEvents appends n bare events to one workflow at the clock's current
// time, bypassing the repository.
func seedEvents(t *testing.T, st *enginetest.MemStore, workflowID string, n int) {
	t.Helper()
	for v := 1; v <= n; v++ {
		_, err := st.Append(context.Background(), store.AppendRequest{
			WorkflowType:         "tally",
			WorkflowID:           workflowID,
			ExpectedPriorVersion: v - 1,
			Events: []store.StoredEvent{{
				WorkflowVersion: v,
				EventType:       "entry_added",
				SchemaVersion:   1,
				Body:            []byte(`{}`),
			}},
		})
		require.NoError(t, err)
	}
}

func snapshotAt(t *testing.T, st *enginetest.MemStore, workflowID string, version int) {
	t.Helper()
	require.NoError(t, st.UpsertSnapshot(context.Background(), store.SnapshotRow{
		WorkflowID:    workflowID,
		WorkflowType:  "tally",
		Version:       version,
		SchemaVersion: 1,
		State:         []byte(`{}`),
	}))
}

func remainingVersions(st *enginetest.MemStore, workflowID string) []int {
	var out []int
	for _, e := range st.AllEvents() {
		if e.WorkflowID == workflowID {
			out = append(out, e.WorkflowVersion)
		}
	}
	return out
}

func TestSweepDeletesBelowSnapshotAfterRetention(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	st := enginetest.NewMemStore()
	st.Now = clk.Now
	ctx := context.Background()

	seedEvents(t, st, "t-1", 3)
	snapshotAt(t, st, "t-1", 2)
	require.NoError(t, st.UpsertOffset(ctx, "tally_runner", 3))

	tr := newTruncator(t, st, clk, Options{})

	// Everything is covered and consumed but nothing has aged out yet.
	deleted, err := tr.sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	clk.Advance(DefaultRetention + time.Hour)
	deleted, err = tr.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, []int{3}, remainingVersions(st, "t-1"),
		"events above the snapshot version must survive")

	// A second sweep finds nothing.
	deleted, err = tr.sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSweepSkipsWithoutReaderOffsets(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	st := enginetest.NewMemStore()
	st.Now = clk.Now
	ctx := context.Background()

	seedEvents(t, st, "t-1", 3)
	snapshotAt(t, st, "t-1", 3)
	clk.Advance(DefaultRetention + time.Hour)

	tr := newTruncator(t, st, clk, Options{})
	deleted, err := tr.sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted, "no offsets means no proof of consumption")
	assert.Len(t, remainingVersions(st, "t-1"), 3)

	// An offset parked at zero is just as inconclusive.
	require.NoError(t, st.UpsertOffset(ctx, "tally_runner", 0))
	deleted, err = tr.sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSweepBoundedBySlowestReader(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	st := enginetest.NewMemStore()
	st.Now = clk.Now
	ctx := context.Background()

	seedEvents(t, st, "t-1", 4)
	snapshotAt(t, st, "t-1", 4)
	require.NoError(t, st.UpsertOffset(ctx, "tally_runner_partition_0_of_2", 2))
	require.NoError(t, st.UpsertOffset(ctx, "tally_runner_partition_1_of_2", 10))
	clk.Advance(DefaultRetention + time.Hour)

	tr := newTruncator(t, st, clk, Options{})
	deleted, err := tr.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, []int{3, 4}, remainingVersions(st, "t-1"),
		"global ids past the slowest reader must survive")
}

func TestSweepKeepsUnpushedEvents(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	st := enginetest.NewMemStore()
	st.Now = clk.Now
	ctx := context.Background()

	seedEvents(t, st, "t-1", 3)
	snapshotAt(t, st, "t-1", 3)
	require.NoError(t, st.UpsertOffset(ctx, "tally_runner", 3))
	require.NoError(t, st.MarkPushed(ctx, "tally", []int64{1}))
	clk.Advance(DefaultRetention + time.Hour)

	tr := newTruncator(t, st, clk, Options{RequirePushed: true})
	deleted, err := tr.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, []int{2, 3}, remainingVersions(st, "t-1"))

	// Once the outbox catches up the rest become eligible.
	require.NoError(t, st.MarkPushed(ctx, "tally", []int64{2, 3}))
	deleted, err = tr.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Empty(t, remainingVersions(st, "t-1"))
}

func TestSweepDrainsPastBatchLimit(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	st := enginetest.NewMemStore()
	st.Now = clk.Now
	ctx := context.Background()

	seedEvents(t, st, "t-1", 5)
	snapshotAt(t, st, "t-1", 4)
	require.NoError(t, st.UpsertOffset(ctx, "tally_runner", 5))
	clk.Advance(DefaultRetention + time.Hour)

	tr := newTruncator(t, st, clk, Options{BatchSize: 1})
	deleted, err := tr.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted, "one sweep keeps deleting until a short batch")
	assert.Equal(t, []int{5}, remainingVersions(st, "t-1"))
}

func TestSnapshotRoundTripSurvivesTruncation(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	st := enginetest.NewMemStore()
	st.Now = clk.Now
	ctx := context.Background()

	reg := codec.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow(tallyDef{}, &tallyState{}, tallyOpened{}, entryAdded{}))
	require.NoError(t, reg.RegisterCommand(openTally{}, addEntry{}))
	cdc, err := codec.New(reg, codec.Options{})
	require.NoError(t, err)
	rep := repo.NewWithOptions(st, cdc, tallyDef{}, zap.NewNop(), repo.Options{
		SnapshotInterval: 2,
		Clock:            clk,
	})

	_, err = rep.CreateNew(ctx, "t-1", openTally{})
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := rep.ProcessCommand(ctx, "t-1", addEntry{Amount: i})
		require.NoError(t, err)
	}

	before, err := rep.GetCurrentState(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, 5, before.Version)
	require.Equal(t, 10, before.State.(*tallyState).Total)

	require.NoError(t, st.UpsertOffset(ctx, "tally_runner", 5))
	clk.Advance(DefaultRetention + time.Hour)

	tr := newTruncator(t, st, clk, Options{})
	deleted, err := tr.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.Equal(t, []int{5}, remainingVersions(st, "t-1"))

	// State rebuilt from the surviving snapshot and tail matches exactly.
	after, err := rep.LoadState(ctx, "t-1", 0)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.State.(*tallyState).Total, after.State.(*tallyState).Total)
}

func TestRunFailsWhenLockHeld(t *testing.T) {
	st := enginetest.NewMemStore()
	ctx := context.Background()

	got, err := st.AdvisoryLock(ctx, "fleuve_truncation_tally")
	require.NoError(t, err)
	require.True(t, got)

	tr, err := New("tally", st, Options{})
	require.NoError(t, err)
	err = tr.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestRunStopsOnCancel(t *testing.T) {
	st := enginetest.NewMemStore()
	tr, err := New("tally", st, Options{CheckInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("truncator did not stop")
	}
}
