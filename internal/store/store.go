// Package store persists the event log and its satellite tables: snapshots,
// subscriptions, activity records, delay schedules, reader offsets and
// scaling flags. The Postgres implementation is the production backend;
// enginetest provides an in-memory one with the same contract.
//
// The store deals in encoded rows only. Event bodies and snapshot states are
// opaque byte slices produced by internal/codec; all workflow semantics
// (folding, lifecycle gates, delta computation) live in internal/repo.
package store

import (
	"context"
	"database/sql"
	"time"
)

// SyncTx is the slice of the append transaction handed to SyncDB callbacks,
// letting callers maintain denormalized tables with the same atomicity as
// the event inserts.
type SyncTx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendRequest batches everything one command application writes. All of it
// commits in a single transaction or none of it does.
//
// Events must carry dense workflow_version values continuing from
// ExpectedPriorVersion. GlobalID, Pushed and At are assigned by the store.
type AppendRequest struct {
	WorkflowType         string
	WorkflowID           string
	ExpectedPriorVersion int
	Events               []StoredEvent

	Snapshot *SnapshotRow
	Metadata *WorkflowMetadataRow

	SubscriptionUpserts []SubscriptionRow
	SubscriptionDeletes []SubscriptionRow
	ExternalUpserts     []ExternalSubscriptionRow
	ExternalDeletes     []string
	DelayUpserts        []DelayScheduleRow
	DelayDeletes        []string
	DeleteAllDelays     bool

	// PurgeEventsBelow deletes events with workflow_version below the given
	// value after the inserts, resetting the log while the version counter
	// continues from the snapshot. Zero disables it.
	PurgeEventsBelow int

	SyncDB func(ctx context.Context, tx SyncTx) error
}

// AppendResult reports the ids assigned to the appended events.
type AppendResult struct {
	GlobalIDs  []int64
	NewVersion int
}

// ListQuery selects events from one workflow type's stream in global_id
// order. EventTypes narrows the scan when non-empty.
type ListQuery struct {
	WorkflowType  string
	AfterGlobalID int64
	EventTypes    []string
	Limit         int
}

// ActivityFilter narrows ListActivities. Zero values mean "any".
type ActivityFilter struct {
	WorkflowID      string
	Statuses        []string
	NextRetryBefore *time.Time
	AttemptedBefore *time.Time
	ExcludeRunnerID string
	Limit           int
}

// TruncationBatch bounds one DeleteEventsBatch pass over a single
// workflow. RequirePushed keeps unpublished events alive while an outbox
// publisher is configured.
type TruncationBatch struct {
	WorkflowID    string
	BelowVersion  int
	MaxGlobalID   int64
	OlderThan     time.Time
	Limit         int
	RequirePushed bool
}

// Store is the persistence contract shared by the Postgres backend and the
// in-memory test store. Misses on single-row lookups return
// workflow.ErrNotFound; version fence failures return workflow.ErrVersionConflict
// (or workflow.ErrAlreadyExists when the fence was "no events yet").
type Store interface {
	// Event log.
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)
	LoadEvents(ctx context.Context, workflowID string, afterVersion, toVersion int) ([]StoredEvent, error)
	LastVersion(ctx context.Context, workflowID string) (int, error)
	ListEvents(ctx context.Context, q ListQuery) ([]StoredEvent, error)
	PeekEvents(ctx context.Context, q ListQuery) (bool, error)
	MaxGlobalID(ctx context.Context, workflowType string) (int64, error)
	DistinctWorkflowIDs(ctx context.Context, workflowType string) ([]string, error)

	// Snapshots.
	LatestSnapshot(ctx context.Context, workflowID string, maxVersion int) (*SnapshotRow, error)
	UpsertSnapshot(ctx context.Context, snap SnapshotRow) error
	SnapshotRefs(ctx context.Context, workflowType string) ([]SnapshotRef, error)

	// Reader offsets. CommitOffset is conditional on the previous value so
	// two processes claiming the same reader name surface as
	// workflow.ErrOffsetConflict instead of silent double consumption.
	GetOffset(ctx context.Context, reader string) (int64, error)
	CommitOffset(ctx context.Context, reader string, from, to int64) error
	UpsertOffset(ctx context.Context, reader string, value int64) error
	ListOffsets(ctx context.Context, prefix string) ([]OffsetRow, error)
	DeleteOffset(ctx context.Context, reader string) error

	// Subscriptions and tag lookups.
	SubscribersOf(ctx context.Context, workflowType, eventType, sourceWorkflowID string) ([]SubscriptionRow, error)
	SubscriptionsByType(ctx context.Context, workflowType string) ([]SubscriptionRow, error)
	WorkflowTags(ctx context.Context, workflowID string) ([]string, error)
	WorkflowIDsByTag(ctx context.Context, workflowType, tag string) ([]string, error)
	WorkflowIDsByTopic(ctx context.Context, workflowType, topic string) ([]string, error)

	// Activity records.
	UpsertActivity(ctx context.Context, a ActivityRow) error
	GetActivity(ctx context.Context, workflowID string, eventNumber int) (*ActivityRow, error)
	ListActivities(ctx context.Context, f ActivityFilter) ([]ActivityRow, error)
	TakeOverActivity(ctx context.Context, workflowID string, eventNumber int, runnerID string, staleBefore time.Time) (bool, error)
	ResetActivity(ctx context.Context, workflowID string, eventNumber int) (bool, error)
	CancelActivities(ctx context.Context, workflowID string, eventNumbers []int) (int64, error)

	// Delay schedules.
	DueSchedules(ctx context.Context, workflowType string, now time.Time, limit int) ([]DelayScheduleRow, error)
	InsertSchedule(ctx context.Context, d DelayScheduleRow) error
	UpdateScheduleFire(ctx context.Context, workflowID, delayID string, nextFire time.Time) error
	DeleteSchedule(ctx context.Context, workflowID, delayID string) error
	ListSchedules(ctx context.Context, workflowID string) ([]DelayScheduleRow, error)
	CountSchedules(ctx context.Context, workflowType string) (int64, error)

	// Outbox.
	UnpushedEvents(ctx context.Context, workflowType string, limit int) ([]StoredEvent, error)
	MarkPushed(ctx context.Context, workflowType string, globalIDs []int64) error
	UnpushedCount(ctx context.Context, workflowType string) (int64, error)
	OldestUnpushedAge(ctx context.Context, workflowType string) (time.Duration, error)
	MarkForRepublish(ctx context.Context, workflowID string, minGlobalID, maxGlobalID int64) (int64, error)

	// Scaling coordination.
	CreateScalingOperation(ctx context.Context, row ScalingOperationRow) error
	UpdateScalingStatus(ctx context.Context, workflowType, status string, targetOffset int64) error
	ActiveScalingOperation(ctx context.Context, workflowType string) (*ScalingOperationRow, error)
	ClearScalingOperation(ctx context.Context, workflowType string) error

	// Truncation. Deletes at most Limit events of one workflow that sit
	// below the version and global_id floors and are older than the
	// retention cutoff.
	DeleteEventsBatch(ctx context.Context, b TruncationBatch) (int64, error)

	// Cross-process mutual exclusion. Single-process backends may treat
	// these as always-acquired.
	AdvisoryLock(ctx context.Context, key string) (bool, error)
	AdvisoryUnlock(ctx context.Context, key string) error
}
