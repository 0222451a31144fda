// Package truncation prunes the event log below snapshots. The log is the
// source of truth, so an event is deleted only when a snapshot already
// covers its version, every reader of the type has consumed past its
// global id, and it has aged out of the retention window.
package truncation

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/store"
)

// Truncator defaults.
const (
	DefaultRetention     = 168 * time.Hour
	DefaultBatchSize     = 1000
	DefaultCheckInterval = time.Hour

	errBackoff = time.Minute
)

// Options tune a Truncator. Zero values fall back to the defaults above.
type Options struct {
	// Retention is the minimum age an event must reach before it may be
	// deleted, measured from its append time.
	Retention time.Duration

	// BatchSize caps the rows removed by one delete statement.
	BatchSize int

	// CheckInterval is the sleep between sweeps.
	CheckInterval time.Duration

	// OffsetPrefix selects the durable reader offsets that gate deletion.
	// Every reader of the type must be covered or it can lose events; the
	// default "{workflow_type}_" matches all conventionally named readers.
	OffsetPrefix string

	// RequirePushed keeps events the outbox has not published yet. Set it
	// whenever an outbox publisher runs for the type.
	RequirePushed bool

	Clock  clock.Clock
	Logger *zap.Logger
}

// Truncator deletes snapshot-covered events of one workflow type in the
// background. A store advisory lock keeps it single-flight per type, the
// same way the outbox publisher is. Deletes are batched and idempotent, so
// a sweep interrupted mid-workflow simply resumes on the next one.
type Truncator struct {
	workflowType  string
	st            store.Store
	retention     time.Duration
	batch         int
	interval      time.Duration
	offsetPrefix  string
	requirePushed bool
	clk           clock.Clock
	logger        *zap.Logger
	lockKey       string
}

// New builds a truncator for the given workflow type.
func New(workflowType string, st store.Store, opts Options) (*Truncator, error) {
	if workflowType == "" {
		return nil, fmt.Errorf("truncation: workflow type required")
	}
	if st == nil {
		return nil, fmt.Errorf("truncation: store required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.OffsetPrefix == "" {
		opts.OffsetPrefix = workflowType + "_"
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Truncator{
		workflowType:  workflowType,
		st:            st,
		retention:     opts.Retention,
		batch:         opts.BatchSize,
		interval:      opts.CheckInterval,
		offsetPrefix:  opts.OffsetPrefix,
		requirePushed: opts.RequirePushed,
		clk:           opts.Clock,
		logger:        opts.Logger.With(zap.String("workflow_type", workflowType)),
		lockKey:       fmt.Sprintf("fleuve_truncation_%s", workflowType),
	}, nil
}

// Run acquires the per-type truncation lock and sweeps until ctx is
// cancelled. It fails immediately when another truncator already holds
// the lock.
func (t *Truncator) Run(ctx context.Context) error {
	acquired, err := t.st.AdvisoryLock(ctx, t.lockKey)
	if err != nil {
		return fmt.Errorf("acquire truncation lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("truncator for %s already running elsewhere", t.workflowType)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := t.st.AdvisoryUnlock(unlockCtx, t.lockKey); err != nil {
			t.logger.Warn("Truncation lock release failed", zap.Error(err))
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			t.logger.Info("Truncator stopped")
			return err
		}
		wait := t.interval
		if _, err := t.sweep(ctx); err != nil {
			t.logger.Error("Truncation sweep failed", zap.Error(err))
			wait = errBackoff
		}
		select {
		case <-ctx.Done():
			t.logger.Info("Truncator stopped")
			return ctx.Err()
		case <-t.clk.After(wait):
		}
	}
}

// sweep runs one full pass: resolve the slowest reader, then walk every
// snapshotted workflow deleting what the snapshot, the readers and the
// retention window all agree is dead.
func (t *Truncator) sweep(ctx context.Context) (int64, error) {
	readers, err := t.st.ListOffsets(ctx, t.offsetPrefix)
	if err != nil {
		return 0, fmt.Errorf("list reader offsets: %w", err)
	}
	if len(readers) == 0 {
		// No committed offsets means no proof anything was consumed.
		t.logger.Debug("No reader offsets, skipping truncation sweep")
		return 0, nil
	}
	minOffset := readers[0].LastReadEventNo
	for _, r := range readers[1:] {
		if r.LastReadEventNo < minOffset {
			minOffset = r.LastReadEventNo
		}
	}
	if minOffset <= 0 {
		return 0, nil
	}

	refs, err := t.st.SnapshotRefs(ctx, t.workflowType)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	cutoff := t.clk.Now().UTC().Add(-t.retention)
	var total int64
	for _, ref := range refs {
		n, err := t.truncateWorkflow(ctx, ref, minOffset, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		metrics.TruncatedEvents.WithLabelValues(t.workflowType).Add(float64(total))
		t.logger.Info("Truncated events",
			zap.Int64("events", total),
			zap.Int64("min_offset", minOffset),
			zap.Int("workflows", len(refs)))
	}
	return total, nil
}

// truncateWorkflow deletes one workflow's dead events in batches until a
// short batch signals there is nothing left to remove.
func (t *Truncator) truncateWorkflow(ctx context.Context, ref store.SnapshotRef, minOffset int64, cutoff time.Time) (int64, error) {
	// Store bounds are exclusive; shift by one so the snapshot version and
	// the slowest reader's own position are both eligible.
	b := store.TruncationBatch{
		WorkflowID:    ref.WorkflowID,
		BelowVersion:  ref.Version + 1,
		MaxGlobalID:   minOffset + 1,
		OlderThan:     cutoff,
		Limit:         t.batch,
		RequirePushed: t.requirePushed,
	}
	var total int64
	for {
		n, err := t.st.DeleteEventsBatch(ctx, b)
		total += n
		if err != nil {
			return total, fmt.Errorf("truncate %s: %w", ref.WorkflowID, err)
		}
		if n < int64(t.batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
