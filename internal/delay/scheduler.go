// Package delay fires due schedule rows back into their workflows. A
// scheduler owns one workflow type, mirroring the reader/runner split: it
// scans the delay_schedules table, appends the delay_complete marker
// through the Repository (version fenced, so it never races a concurrent
// command) and either deletes the row (one-shot) or moves it to the next
// cron fire. Applying the stored NextCommand is normally the runner's job
// when it sees the marker in the stream; deployments without a runner set
// ApplyCommands and the scheduler dispatches it directly.
package delay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Scheduler defaults.
const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 100

	errBackoff = time.Second
)

// Options tune a Scheduler. Zero values select the defaults.
type Options struct {
	PollInterval time.Duration
	BatchSize    int

	// ApplyCommands makes the scheduler decode and process NextCommand
	// itself after the marker commits. Leave it off when a runner consumes
	// the type's stream, otherwise the command applies twice.
	ApplyCommands bool

	Clock  clock.Clock
	Logger *zap.Logger
}

// Scheduler drains due delay schedules for one workflow type.
type Scheduler struct {
	rep          *repo.Repository
	st           store.Store
	workflowType string
	poll         time.Duration
	batch        int
	apply        bool
	clk          clock.Clock
	logger       *zap.Logger
}

// New builds a scheduler over the repository's workflow type.
func New(rep *repo.Repository, opts Options) (*Scheduler, error) {
	if rep == nil {
		return nil, fmt.Errorf("delay: repository required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		rep:          rep,
		st:           rep.Store(),
		workflowType: rep.WorkflowType(),
		poll:         opts.PollInterval,
		batch:        opts.BatchSize,
		apply:        opts.ApplyCommands,
		clk:          opts.Clock,
		logger:       opts.Logger.With(zap.String("workflow_type", rep.WorkflowType())),
	}, nil
}

// Run sweeps until ctx is cancelled. Between sweeps it sleeps until the
// soonest upcoming fire, capped at the poll interval; a full batch loops
// straight back because more rows may already be due.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Delay scheduler started",
		zap.Duration("poll_interval", s.poll),
		zap.Int("batch_size", s.batch))
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("Delay scheduler stopped")
			return err
		}
		fired, skipped, err := s.visit(ctx)
		wait := s.poll
		switch {
		case err != nil:
			s.logger.Error("Delay sweep failed", zap.Error(err))
			wait = errBackoff
		case fired > 0:
			continue
		case skipped == 0:
			if next, ok := s.nextFire(ctx); ok {
				if d := next.Sub(s.clk.Now()); d > 0 && d < wait {
					wait = d
				}
			}
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Delay scheduler stopped")
			return ctx.Err()
		case <-s.clk.After(wait):
		}
	}
}

// visit fires one batch of due rows, each at most once. Rows that cannot
// fire (bad cron expression, transient store error) are skipped and come
// around next sweep; err reports only the batch load itself failing.
func (s *Scheduler) visit(ctx context.Context) (fired, skipped int, err error) {
	now := s.clk.Now().UTC()
	rows, err := s.st.DueSchedules(ctx, s.workflowType, now, s.batch)
	if err != nil {
		return 0, 0, fmt.Errorf("load due schedules: %w", err)
	}
	for _, row := range rows {
		if err := s.fire(ctx, row, now); err != nil {
			skipped++
			continue
		}
		fired++
	}
	if n, err := s.st.CountSchedules(ctx, s.workflowType); err == nil {
		metrics.PendingDelays.WithLabelValues(s.workflowType).Set(float64(n))
	}
	return fired, skipped, nil
}

// fire appends delay_complete for one row. Cron rows advance to the fire
// after now, so a pile of missed occurrences collapses into a single
// marker; one-shot rows are deleted in the same transaction.
func (s *Scheduler) fire(ctx context.Context, row store.DelayScheduleRow, now time.Time) error {
	var nextFire time.Time
	if row.CronExpression != "" {
		next, err := workflow.NextCronFire(row.CronExpression, row.Timezone, now)
		if err != nil {
			s.logger.Warn("Skipping schedule with bad cron expression",
				zap.String("workflow_id", row.WorkflowID),
				zap.String("delay_id", row.DelayID),
				zap.String("cron", row.CronExpression),
				zap.Error(err))
			return err
		}
		nextFire = next
	}

	if err := s.rep.CompleteDelay(ctx, row, now, nextFire); err != nil {
		s.logger.Error("Delay fire failed",
			zap.String("workflow_id", row.WorkflowID),
			zap.String("delay_id", row.DelayID),
			zap.Error(err))
		return err
	}
	s.logger.Debug("Delay fired",
		zap.String("workflow_id", row.WorkflowID),
		zap.String("delay_id", row.DelayID),
		zap.Bool("recurring", !nextFire.IsZero()))

	if s.apply && row.NextCommandType != "" {
		s.applyNext(ctx, row)
	}
	return nil
}

// applyNext dispatches the stored command after the marker committed.
// Refusals are final here: the marker is already in the log, so there is
// nothing to retry.
func (s *Scheduler) applyNext(ctx context.Context, row store.DelayScheduleRow) {
	cmd, err := s.rep.Codec().DecodeCommand(row.NextCommandType, row.NextCommand)
	if err != nil {
		s.logger.Error("Stored delay command does not decode",
			zap.String("workflow_id", row.WorkflowID),
			zap.String("delay_id", row.DelayID),
			zap.String("command_type", row.NextCommandType),
			zap.Error(err))
		return
	}
	if _, err := s.rep.ProcessCommand(ctx, row.WorkflowID, cmd); err != nil {
		if repo.IsExpectedRefusal(err) {
			s.logger.Debug("Delay command refused",
				zap.String("workflow_id", row.WorkflowID),
				zap.String("delay_id", row.DelayID),
				zap.Error(err))
			return
		}
		s.logger.Error("Delay command failed",
			zap.String("workflow_id", row.WorkflowID),
			zap.String("delay_id", row.DelayID),
			zap.Error(err))
	}
}

// nextFire peeks at the soonest row due within one poll interval.
func (s *Scheduler) nextFire(ctx context.Context) (time.Time, bool) {
	horizon := s.clk.Now().UTC().Add(s.poll)
	rows, err := s.st.DueSchedules(ctx, s.workflowType, horizon, 1)
	if err != nil || len(rows) == 0 {
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("Next-fire peek failed", zap.Error(err))
		}
		return time.Time{}, false
	}
	return rows[0].DelayUntil, true
}
