// Package repo applies commands to workflow instances: load state, decide,
// fold, and append the outcome together with every derived side-table
// update in one store transaction. It owns the optimistic concurrency
// loop, so callers only see a version conflict once the bounded redo
// budget is spent.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/cache"
	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/tracing"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Result reports one successful command application.
type Result struct {
	ID      string
	Version int
	State   workflow.State
	Events  []workflow.Event
}

// StoredState is a workflow state pinned to the log version it was folded
// to.
type StoredState struct {
	ID      string
	Version int
	State   workflow.State
}

// Change describes one append to SyncHook consumers. OldState is nil when
// the append created the workflow.
type Change struct {
	WorkflowID string
	OldState   workflow.State
	NewState   workflow.State
	Events     []workflow.Event
}

// SyncHook runs inside the append transaction, after the event inserts and
// delta writes. Use it to maintain denormalized tables with the same
// atomicity as the log itself. The hook must not commit or roll back.
type SyncHook func(ctx context.Context, tx store.SyncTx, change Change) error

// Options tune a Repository beyond its required dependencies. Zero fields
// keep the defaults.
type Options struct {
	// Cache holds hot state between commands. Nil disables caching.
	Cache cache.StateCache
	// SnapshotInterval attaches a snapshot whenever the version crosses a
	// multiple of it. Negative disables interval snapshots; continue-as-new
	// snapshots unconditionally either way.
	SnapshotInterval int
	// MaxRetries bounds the redo loop on version conflicts.
	MaxRetries int
	// SyncDB runs inside every append transaction.
	SyncDB SyncHook
	// Clock supplies the time for cron registration. Tests inject a
	// testclock; nil means wall clock.
	Clock clock.Clock
}

// Repository applies commands for one workflow type.
type Repository struct {
	store  store.Store
	codec  *codec.Codec
	def    workflow.Definition
	cache  cache.StateCache
	logger *zap.Logger
	clk    clock.Clock

	workflowType     string
	snapshotInterval int
	maxRetries       int
	syncDB           SyncHook
}

// New builds a repository with the defaults: no cache, a snapshot every
// 100 versions, 3 redos on version conflicts.
func New(st store.Store, cdc *codec.Codec, def workflow.Definition, logger *zap.Logger) *Repository {
	return NewWithOptions(st, cdc, def, logger, Options{})
}

// NewWithOptions builds a repository and applies the non-zero options.
func NewWithOptions(st store.Store, cdc *codec.Codec, def workflow.Definition, logger *zap.Logger, opts Options) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		store:            st,
		codec:            cdc,
		def:              def,
		cache:            opts.Cache,
		logger:           logger.With(zap.String("workflow_type", def.Name())),
		clk:              clock.WallClock,
		workflowType:     def.Name(),
		snapshotInterval: 100,
		maxRetries:       3,
		syncDB:           opts.SyncDB,
	}
	if opts.SnapshotInterval > 0 {
		r.snapshotInterval = opts.SnapshotInterval
	} else if opts.SnapshotInterval < 0 {
		r.snapshotInterval = 0
	}
	if opts.MaxRetries > 0 {
		r.maxRetries = opts.MaxRetries
	}
	if opts.Clock != nil {
		r.clk = opts.Clock
	}
	return r
}

// WorkflowType returns the definition's name.
func (r *Repository) WorkflowType() string { return r.workflowType }

// Store exposes the backing store for the runtime tasks built around the
// repository (runner, executor, scheduler, truncator).
func (r *Repository) Store() store.Store { return r.store }

// Codec exposes the codec shared by every component of this workflow type.
func (r *Repository) Codec() *codec.Codec { return r.codec }

// Definition returns the workflow definition this repository serves.
func (r *Repository) Definition() workflow.Definition { return r.def }

// CreateNew creates a workflow instance by deciding cmd against no prior
// state. Racing creations of the same id surface as
// workflow.ErrAlreadyExists; by convention that counts as a rejection, not
// a failure.
func (r *Repository) CreateNew(ctx context.Context, workflowID string, cmd workflow.Command) (*Result, error) {
	ctx, span := tracing.StartWorkflowSpan(ctx, "repo.CreateNew", r.workflowType, workflowID)
	defer span.End()

	start := time.Now()
	res, err := r.createNew(ctx, workflowID, cmd)
	r.recordCommand(err, time.Since(start))
	return res, err
}

func (r *Repository) createNew(ctx context.Context, workflowID string, cmd workflow.Command) (*Result, error) {
	events, err := r.def.Decide(nil, cmd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("command %q decided no events for new workflow %s", cmd.CommandType(), workflowID)
	}
	return r.commit(ctx, workflowID, nil, events, nil)
}

// ProcessCommand applies cmd to an existing workflow. A version conflict
// with a concurrent writer redoes the whole attempt against freshly loaded
// state, so the losing decide always sees the winner's outcome. Business
// refusals come back as *workflow.Rejection with the log untouched.
func (r *Repository) ProcessCommand(ctx context.Context, workflowID string, cmd workflow.Command) (*Result, error) {
	ctx, span := tracing.StartWorkflowSpan(ctx, "repo.ProcessCommand", r.workflowType, workflowID)
	defer span.End()

	start := time.Now()
	var res *Result
	err := r.withConflictRedo(ctx, workflowID, func(ctx context.Context) error {
		old, err := r.currentState(ctx, workflowID)
		if err != nil {
			return err
		}
		if err := lifecycleGate(old.State); err != nil {
			return err
		}
		events, err := r.def.Decide(old.State, cmd)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			res = &Result{ID: workflowID, Version: old.Version, State: old.State}
			return nil
		}
		res, err = r.commit(ctx, workflowID, old, events, nil)
		return err
	})
	r.recordCommand(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PauseWorkflow suspends a workflow. Until it is resumed every command is
// refused with ErrWorkflowPaused. Pausing twice is a no-op.
func (r *Repository) PauseWorkflow(ctx context.Context, workflowID, reason string) error {
	return r.withConflictRedo(ctx, workflowID, func(ctx context.Context) error {
		old, err := r.currentState(ctx, workflowID)
		if err != nil {
			return err
		}
		switch old.State.Meta().Lifecycle {
		case workflow.LifecycleCancelled:
			return workflow.ErrWorkflowCancelled
		case workflow.LifecyclePaused:
			return nil
		}
		_, err = r.commit(ctx, workflowID, old, []workflow.Event{workflow.SystemPause{Reason: reason}}, nil)
		return err
	})
}

// ResumeWorkflow reactivates a paused or cancelled workflow. Resuming an
// active one is a no-op.
func (r *Repository) ResumeWorkflow(ctx context.Context, workflowID string) error {
	return r.withConflictRedo(ctx, workflowID, func(ctx context.Context) error {
		old, err := r.currentState(ctx, workflowID)
		if err != nil {
			return err
		}
		if lc := old.State.Meta().Lifecycle; lc != workflow.LifecyclePaused && lc != workflow.LifecycleCancelled {
			return nil
		}
		_, err = r.commit(ctx, workflowID, old, []workflow.Event{workflow.SystemResume{}}, nil)
		return err
	})
}

// CancelWorkflow terminates a workflow. Its pending delays are removed in
// the same transaction and its activity records are cancelled right after
// commit; the event log stays readable. Cancelling twice is a no-op.
func (r *Repository) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	err := r.withConflictRedo(ctx, workflowID, func(ctx context.Context) error {
		old, err := r.currentState(ctx, workflowID)
		if err != nil {
			return err
		}
		if old.State.Meta().Lifecycle == workflow.LifecycleCancelled {
			return nil
		}
		_, err = r.commit(ctx, workflowID, old, []workflow.Event{workflow.SystemCancel{Reason: reason}},
			func(req *store.AppendRequest, _ workflow.State, _ int) error {
				req.DeleteAllDelays = true
				return nil
			})
		return err
	})
	if err != nil {
		return err
	}
	n, err := r.store.CancelActivities(ctx, workflowID, nil)
	if err != nil {
		r.logger.Warn("Cancelling activity records failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return nil
	}
	if n > 0 {
		r.logger.Info("Workflow cancelled",
			zap.String("workflow_id", workflowID),
			zap.Int64("activities_cancelled", n))
	}
	return nil
}

// ContinueAsNew resets the event log behind a fresh snapshot. State and
// version counter carry over; history before the marker is deleted, so the
// instance keeps working while its log starts over.
func (r *Repository) ContinueAsNew(ctx context.Context, workflowID, reason string) error {
	return r.withConflictRedo(ctx, workflowID, func(ctx context.Context) error {
		old, err := r.currentState(ctx, workflowID)
		if err != nil {
			return err
		}
		_, err = r.commit(ctx, workflowID, old, []workflow.Event{workflow.ContinueAsNew{Reason: reason}},
			func(req *store.AppendRequest, newState workflow.State, newVersion int) error {
				snap, serr := r.snapshotRow(workflowID, newState, newVersion)
				if serr != nil {
					return serr
				}
				req.Snapshot = &snap
				req.PurgeEventsBelow = newVersion
				return nil
			})
		return err
	})
}

// CompleteDelay appends the delay_complete marker for a fired timer and,
// in the same transaction, deletes the schedule row (one-shot, zero
// nextFire) or moves it to nextFire (cron). Rows pointing at missing or
// completed workflows are dropped. The delay scheduler is the only caller.
func (r *Repository) CompleteDelay(ctx context.Context, row store.DelayScheduleRow, at, nextFire time.Time) error {
	return r.withConflictRedo(ctx, row.WorkflowID, func(ctx context.Context) error {
		old, err := r.currentState(ctx, row.WorkflowID)
		if errors.Is(err, workflow.ErrNotFound) {
			r.logger.Warn("Dropping delay of missing workflow",
				zap.String("workflow_id", row.WorkflowID),
				zap.String("delay_id", row.DelayID))
			return r.store.DeleteSchedule(ctx, row.WorkflowID, row.DelayID)
		}
		if err != nil {
			return err
		}
		ev := workflow.DelayComplete{
			DelayID:         row.DelayID,
			At:              at,
			NextCommandType: row.NextCommandType,
			NextCommand:     row.NextCommand,
		}
		_, err = r.commit(ctx, row.WorkflowID, old, []workflow.Event{ev},
			func(req *store.AppendRequest, _ workflow.State, _ int) error {
				if nextFire.IsZero() {
					req.DelayDeletes = append(req.DelayDeletes, row.DelayID)
					return nil
				}
				moved := row
				moved.DelayUntil = nextFire
				req.DelayUpserts = append(req.DelayUpserts, moved)
				return nil
			})
		return err
	})
}

// RepublishEvents clears the pushed flag on matching events so the outbox
// publisher sends them to JetStream again. Empty workflowID matches every
// workflow; zero bounds leave that side open. Recovery tool.
func (r *Repository) RepublishEvents(ctx context.Context, workflowID string, minGlobalID, maxGlobalID int64) (int64, error) {
	n, err := r.store.MarkForRepublish(ctx, workflowID, minGlobalID, maxGlobalID)
	if err != nil {
		return 0, err
	}
	r.logger.Info("Marked events for republishing",
		zap.String("workflow_id", workflowID), zap.Int64("count", n))
	return n, nil
}

// withConflictRedo runs fn again while it fails with ErrVersionConflict,
// up to maxRetries redos. Each redo reloads state, so decide always runs
// against the version that beat us.
func (r *Repository) withConflictRedo(ctx context.Context, workflowID string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err = fn(ctx); !errors.Is(err, workflow.ErrVersionConflict) {
			return err
		}
		r.logger.Debug("Version conflict, redoing",
			zap.String("workflow_id", workflowID), zap.Int("attempt", attempt+1))
	}
	metrics.WorkflowErrors.WithLabelValues(r.workflowType, "version_conflict").Inc()
	return fmt.Errorf("gave up after %d version conflicts on %s: %w", r.maxRetries+1, workflowID, err)
}

func (r *Repository) recordCommand(err error, elapsed time.Duration) {
	status := "success"
	switch {
	case err == nil:
	case IsExpectedRefusal(err):
		status = "rejected"
	default:
		status = "error"
	}
	metrics.RecordCommand(r.workflowType, status, elapsed.Seconds())
}

// lifecycleGate refuses commands against paused and cancelled workflows.
func lifecycleGate(state workflow.State) error {
	switch state.Meta().Lifecycle {
	case workflow.LifecyclePaused:
		return workflow.ErrWorkflowPaused
	case workflow.LifecycleCancelled:
		return workflow.ErrWorkflowCancelled
	}
	return nil
}

// IsExpectedRefusal reports whether err is an anticipated refusal (a
// business rejection, a lifecycle gate, an unknown or completed workflow)
// rather than an infrastructure failure. Runners log these and move on.
func IsExpectedRefusal(err error) bool {
	return workflow.IsRejection(err) ||
		errors.Is(err, workflow.ErrNotFound) ||
		errors.Is(err, workflow.ErrWorkflowPaused) ||
		errors.Is(err, workflow.ErrWorkflowCancelled)
}
