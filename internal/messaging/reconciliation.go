package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/store"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultStuckThreshold    = time.Minute

	reconcileErrBackoff = time.Minute
)

// ReconcilerOptions tune a Reconciler. Zero values get defaults.
type ReconcilerOptions struct {
	CheckInterval  time.Duration
	StuckThreshold time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
}

// Reconciler watches the outbox for events stuck unpublished past a
// threshold. It is the safety net over the publisher: it never
// republishes anything itself, it surfaces the backlog through metrics
// and warnings so a crashed publisher or a dead broker shows up before
// downstream consumers notice the silence.
type Reconciler struct {
	workflowType string
	st           store.Store
	interval     time.Duration
	threshold    time.Duration
	clk          clock.Clock
	logger       *zap.Logger
}

// NewReconciler builds a reconciler for one workflow type's outbox.
func NewReconciler(workflowType string, st store.Store, opts ReconcilerOptions) (*Reconciler, error) {
	if workflowType == "" {
		return nil, fmt.Errorf("messaging: workflow type required")
	}
	if st == nil {
		return nil, fmt.Errorf("messaging: store required")
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultReconcileInterval
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = DefaultStuckThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		workflowType: workflowType,
		st:           st,
		interval:     opts.CheckInterval,
		threshold:    opts.StuckThreshold,
		clk:          opts.Clock,
		logger:       opts.Logger.With(zap.String("workflow_type", workflowType)),
	}, nil
}

// Run checks the outbox every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Reconciliation started",
		zap.Duration("check_interval", r.interval),
		zap.Duration("stuck_threshold", r.threshold))
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("Reconciliation stopped")
			return err
		}
		wait := r.interval
		if err := r.check(ctx); err != nil {
			r.logger.Error("Reconciliation check failed", zap.Error(err))
			wait = reconcileErrBackoff
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciliation stopped")
			return ctx.Err()
		case <-r.clk.After(wait):
		}
	}
}

// check measures the unpushed backlog. The whole backlog counts as stuck
// once its oldest event exceeds the threshold: the publisher drains in
// global id order, so everything queues behind the oldest row.
func (r *Reconciler) check(ctx context.Context) error {
	count, err := r.st.UnpushedCount(ctx, r.workflowType)
	if err != nil {
		return fmt.Errorf("unpushed count: %w", err)
	}
	metrics.ReconciliationChecks.WithLabelValues(r.workflowType).Inc()
	metrics.OutboxQueueDepth.WithLabelValues(r.workflowType).Set(float64(count))

	if count == 0 {
		metrics.ReconciliationStuckEvents.WithLabelValues(r.workflowType).Set(0)
		return nil
	}
	age, err := r.st.OldestUnpushedAge(ctx, r.workflowType)
	if err != nil {
		return fmt.Errorf("oldest unpushed age: %w", err)
	}
	if age < r.threshold {
		metrics.ReconciliationStuckEvents.WithLabelValues(r.workflowType).Set(0)
		r.logger.Debug("Outbox backlog within threshold",
			zap.Int64("unpushed", count), zap.Duration("oldest", age))
		return nil
	}

	metrics.ReconciliationStuckEvents.WithLabelValues(r.workflowType).Set(float64(count))
	r.logger.Warn("Outbox events stuck unpublished; publisher may be down",
		zap.Int64("unpushed", count),
		zap.Duration("oldest", age),
		zap.Duration("stuck_threshold", r.threshold))
	return nil
}
