package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/enginetest"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Known digests. These values are part of the storage contract: changing
// the hash reshuffles every deployed fleet.
func TestIndexPinnedDigests(t *testing.T) {
	cases := []struct {
		workflowID string
		total      int
		want       int
	}{
		{"order-1", 2, 0},
		{"order-1", 3, 1},
		{"order-1", 4, 0},
		{"order-1", 5, 1},
		{"wf-b", 2, 1},
		{"wf-b", 3, 0},
		{"wf-b", 5, 4},
		{"alpha", 4, 1},
		{"alpha", 5, 4},
		{"w5", 2, 0},
		{"w5", 3, 0},
		{"w5", 5, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Index(tc.workflowID, tc.total),
			"Index(%q, %d)", tc.workflowID, tc.total)
	}
}

func TestIndexAssignsEveryIDToExactlyOnePartition(t *testing.T) {
	ids := []string{"order-1", "order-2", "order-3", "wf-a", "wf-b", "wf-c", "alpha", "beta", "gamma", "delta"}
	for _, total := range []int{1, 2, 3, 5, 8} {
		preds := make([]func(string) bool, total)
		for i := 0; i < total; i++ {
			p, err := Predicate(i, total)
			require.NoError(t, err)
			preds[i] = p
		}
		for _, id := range ids {
			matches := 0
			for i, p := range preds {
				if p(id) {
					matches++
					assert.Equal(t, i, Index(id, total))
				}
			}
			assert.Equal(t, 1, matches, "id %q with %d partitions", id, total)
		}
	}
}

func TestPredicateValidation(t *testing.T) {
	_, err := Predicate(0, 0)
	assert.Error(t, err)
	_, err = Predicate(0, -1)
	assert.Error(t, err)
	_, err = Predicate(2, 2)
	assert.Error(t, err)
	_, err = Predicate(-1, 2)
	assert.Error(t, err)

	keep, err := Predicate(0, 1)
	require.NoError(t, err)
	assert.True(t, keep("anything"))
	assert.True(t, keep(""))
}

func TestReaderNames(t *testing.T) {
	assert.Equal(t, "orders_runner_partition_0_of_3", ReaderName("orders", 0, 3))
	assert.Equal(t, "orders_runner_partition_2_of_3", ReaderName("orders", 2, 3))
	assert.Equal(t, "orders_runner", RunnerName("orders"))

	cfgs, err := Configs("orders", 2)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "orders_runner_partition_1_of_2", cfgs[1].ReaderName())
	p, err := cfgs[1].Predicate()
	require.NoError(t, err)
	assert.Equal(t, Index("order-1", 2) == 1, p("order-1"))

	_, err = Configs("orders", 0)
	assert.Error(t, err)
}

func TestRebalanceScaleDown(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()

	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 0, 3), 100))
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 1, 3), 150))
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 2, 3), 120))

	added, removed, err := Rebalance(ctx, st, "orders", 3, 2, zap.NewNop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		ReaderName("orders", 0, 2),
		ReaderName("orders", 1, 2),
	}, added)
	assert.ElementsMatch(t, []string{
		ReaderName("orders", 0, 3),
		ReaderName("orders", 1, 3),
		ReaderName("orders", 2, 3),
	}, removed)

	// Survivors cover everything the removed slot had seen.
	off, err := st.GetOffset(ctx, ReaderName("orders", 0, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(120), off)
	off, err = st.GetOffset(ctx, ReaderName("orders", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(150), off)

	rows, err := st.ListOffsets(ctx, "orders_runner_partition_")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRebalanceScaleUp(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()

	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 0, 2), 100))
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 1, 2), 150))

	added, removed, err := Rebalance(ctx, st, "orders", 2, 3, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, added, 3)
	assert.Len(t, removed, 2)

	// Carried slots keep their position; the new slot starts from the
	// slowest reader so nothing is skipped.
	wantOffsets := map[string]int64{
		ReaderName("orders", 0, 3): 100,
		ReaderName("orders", 1, 3): 150,
		ReaderName("orders", 2, 3): 100,
	}
	for name, want := range wantOffsets {
		off, err := st.GetOffset(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, off, name)
	}
}

func TestRebalanceFromSingleRunner(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()

	require.NoError(t, st.UpsertOffset(ctx, RunnerName("orders"), 75))

	_, removed, err := Rebalance(ctx, st, "orders", 1, 2, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{RunnerName("orders")}, removed)

	for i := 0; i < 2; i++ {
		off, err := st.GetOffset(ctx, ReaderName("orders", i, 2))
		require.NoError(t, err)
		assert.Equal(t, int64(75), off)
	}
	off, err := st.GetOffset(ctx, RunnerName("orders"))
	require.NoError(t, err)
	assert.Zero(t, off)
}

func TestRebalanceSameTotalIsNoop(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 0, 2), 10))

	added, removed, err := Rebalance(ctx, st, "orders", 2, 2, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)

	off, err := st.GetOffset(ctx, ReaderName("orders", 0, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(10), off)
}

func TestMinMaxOffset(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()
	require.NoError(t, st.UpsertOffset(ctx, "a", 10))
	require.NoError(t, st.UpsertOffset(ctx, "b", 30))

	min, err := MinOffset(ctx, st, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), min)

	// A reader with no row yet drags the minimum to zero.
	min, err = MinOffset(ctx, st, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Zero(t, min)

	max, err := MaxOffset(ctx, st, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), max)

	min, err = MinOffset(ctx, st, nil)
	require.NoError(t, err)
	assert.Zero(t, min)
}

func appendRaw(t *testing.T, st *enginetest.MemStore, workflowID string, version int) {
	t.Helper()
	_, err := st.Append(context.Background(), store.AppendRequest{
		WorkflowType:         "orders",
		WorkflowID:           workflowID,
		ExpectedPriorVersion: version - 1,
		Events: []store.StoredEvent{
			{WorkflowVersion: version, EventType: "order_placed", SchemaVersion: 1, Body: []byte(`{}`)},
		},
	})
	require.NoError(t, err)
}

func TestCoordinatorScaleTo(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()

	appendRaw(t, st, "order-1", 1)
	appendRaw(t, st, "order-2", 1)
	appendRaw(t, st, "order-1", 2)

	// Both old readers already sit at the horizon, so the drain wait
	// returns immediately.
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 0, 2), 3))
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 1, 2), 3))

	c := NewCoordinator(st, "orders", CoordinatorOptions{
		DrainTimeout: time.Second,
		DrainPoll:    time.Millisecond,
	})
	require.NoError(t, c.ScaleTo(ctx, 2, 3))

	for i := 0; i < 3; i++ {
		off, err := st.GetOffset(ctx, ReaderName("orders", i, 3))
		require.NoError(t, err)
		assert.Equal(t, int64(3), off)
	}

	_, err := st.ActiveScalingOperation(ctx, "orders")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestCoordinatorRefusesConcurrentResize(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()
	require.NoError(t, st.CreateScalingOperation(ctx, store.ScalingOperationRow{
		WorkflowType: "orders",
		TargetOffset: 10,
		Status:       store.ScalingPending,
	}))

	c := NewCoordinator(st, "orders", CoordinatorOptions{})
	err := c.ScaleTo(ctx, 2, 3)
	assert.ErrorIs(t, err, workflow.ErrAlreadyExists)
}

func TestCoordinatorDrainTimeoutMarksFailure(t *testing.T) {
	ctx := context.Background()
	st := enginetest.NewMemStore()

	appendRaw(t, st, "order-1", 1)
	appendRaw(t, st, "order-1", 2)
	// Reader stuck behind the horizon.
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 0, 2), 1))
	require.NoError(t, st.UpsertOffset(ctx, ReaderName("orders", 1, 2), 2))

	c := NewCoordinator(st, "orders", CoordinatorOptions{
		DrainTimeout: 5 * time.Millisecond,
		DrainPoll:    time.Millisecond,
	})
	err := c.ScaleTo(ctx, 2, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// The failed operation no longer blocks the next attempt.
	_, err = st.ActiveScalingOperation(ctx, "orders")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	// Offsets were never touched.
	off, err := st.GetOffset(ctx, ReaderName("orders", 0, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), off)
}
