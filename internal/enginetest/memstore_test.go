package enginetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

func appendOne(t *testing.T, s *MemStore, workflowID string, version int, eventType string) store.AppendResult {
	t.Helper()
	res, err := s.Append(context.Background(), store.AppendRequest{
		WorkflowType:         "order",
		WorkflowID:           workflowID,
		ExpectedPriorVersion: version - 1,
		Events: []store.StoredEvent{
			{WorkflowVersion: version, EventType: eventType, SchemaVersion: 1, Body: []byte(`{}`)},
		},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return res
}

func TestMemStoreFenceMapping(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	appendOne(t, s, "order-1", 1, "order_placed")

	// Creating again maps to ErrAlreadyExists.
	_, err := s.Append(ctx, store.AppendRequest{
		WorkflowType:         "order",
		WorkflowID:           "order-1",
		ExpectedPriorVersion: 0,
		Events: []store.StoredEvent{
			{WorkflowVersion: 1, EventType: "order_placed", SchemaVersion: 1, Body: []byte(`{}`)},
		},
	})
	if !errors.Is(err, workflow.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}

	// A stale expected version maps to ErrVersionConflict.
	_, err = s.Append(ctx, store.AppendRequest{
		WorkflowType:         "order",
		WorkflowID:           "order-1",
		ExpectedPriorVersion: 3,
		Events: []store.StoredEvent{
			{WorkflowVersion: 4, EventType: "order_shipped", SchemaVersion: 1, Body: []byte(`{}`)},
		},
	})
	if !errors.Is(err, workflow.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestMemStoreGlobalIDsPerType(t *testing.T) {
	s := NewMemStore()

	r1 := appendOne(t, s, "order-1", 1, "order_placed")
	r2 := appendOne(t, s, "order-2", 1, "order_placed")

	if r1.GlobalIDs[0] != 1 || r2.GlobalIDs[0] != 2 {
		t.Errorf("Expected ids 1 and 2, got %v and %v", r1.GlobalIDs, r2.GlobalIDs)
	}
}

func TestMemStoreCommitOffsetCAS(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.CommitOffset(ctx, "order_runner", 0, 5); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}
	if err := s.CommitOffset(ctx, "order_runner", 5, 9); err != nil {
		t.Fatalf("Second commit failed: %v", err)
	}
	err := s.CommitOffset(ctx, "order_runner", 5, 12)
	if !errors.Is(err, workflow.ErrOffsetConflict) {
		t.Fatalf("Expected ErrOffsetConflict, got %v", err)
	}
}

func TestMemStorePurgeEventsBelow(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	appendOne(t, s, "order-1", 1, "order_placed")
	appendOne(t, s, "order-1", 2, "payment_requested")

	_, err := s.Append(ctx, store.AppendRequest{
		WorkflowType:         "order",
		WorkflowID:           "order-1",
		ExpectedPriorVersion: 2,
		Events: []store.StoredEvent{
			{WorkflowVersion: 3, EventType: "archived", SchemaVersion: 1, Body: []byte(`{}`)},
		},
		PurgeEventsBelow: 3,
	})
	if err != nil {
		t.Fatalf("Append with purge failed: %v", err)
	}

	events, err := s.LoadEvents(ctx, "order-1", 0, 0)
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].WorkflowVersion != 3 {
		t.Fatalf("Expected only version 3 to remain, got %+v", events)
	}

	// The version counter keeps going from where the log left off.
	last, err := s.LastVersion(ctx, "order-1")
	if err != nil {
		t.Fatalf("LastVersion failed: %v", err)
	}
	if last != 3 {
		t.Errorf("Expected last version 3, got %d", last)
	}
}

func TestMemStoreDeleteEventsBatch(t *testing.T) {
	s := NewMemStore()
	s.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	appendOne(t, s, "order-1", 1, "order_placed")
	appendOne(t, s, "order-1", 2, "payment_requested")
	appendOne(t, s, "order-1", 3, "order_shipped")
	if err := s.MarkPushed(ctx, "order", []int64{1, 2, 3}); err != nil {
		t.Fatalf("MarkPushed failed: %v", err)
	}

	cutoff := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	n, err := s.DeleteEventsBatch(ctx, store.TruncationBatch{
		WorkflowID:    "order-1",
		BelowVersion:  3,
		MaxGlobalID:   10,
		OlderThan:     cutoff,
		Limit:         100,
		RequirePushed: true,
	})
	if err != nil {
		t.Fatalf("DeleteEventsBatch failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 deletions, got %d", n)
	}

	events, _ := s.LoadEvents(ctx, "order-1", 0, 0)
	if len(events) != 1 || events[0].WorkflowVersion != 3 {
		t.Fatalf("Expected version 3 to survive, got %+v", events)
	}
}
