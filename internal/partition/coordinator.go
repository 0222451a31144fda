package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Default pacing for the drain wait.
const (
	DefaultDrainTimeout = 5 * time.Minute
	DefaultDrainPoll    = 2 * time.Second
)

// CoordinatorOptions tune a Coordinator. Zero values get defaults.
type CoordinatorOptions struct {
	DrainTimeout time.Duration
	DrainPoll    time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Coordinator resizes a partition fleet without losing or skipping events.
//
// It freezes a horizon (the current max global id), publishes it through the
// scaling_operations table where running readers discover it and stop, waits
// until every old reader has committed up to the horizon, and only then
// rewrites the offsets for the new layout. Runners must be restarted with
// the new partition configuration afterwards.
type Coordinator struct {
	st           store.Store
	workflowType string
	timeout      time.Duration
	poll         time.Duration
	clk          clock.Clock
	logger       *zap.Logger
}

// NewCoordinator builds a coordinator for one workflow type.
func NewCoordinator(st store.Store, workflowType string, opts CoordinatorOptions) *Coordinator {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.DrainPoll <= 0 {
		opts.DrainPoll = DefaultDrainPoll
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		st:           st,
		workflowType: workflowType,
		timeout:      opts.DrainTimeout,
		poll:         opts.DrainPoll,
		clk:          opts.Clock,
		logger:       opts.Logger.With(zap.String("workflow_type", workflowType)),
	}
}

// ScaleTo runs the full resize protocol from oldTotal to newTotal
// partitions. It fails without touching offsets when another operation is
// already in flight or the old readers do not drain within the timeout.
func (c *Coordinator) ScaleTo(ctx context.Context, oldTotal, newTotal int) error {
	if oldTotal <= 0 || newTotal <= 0 {
		return fmt.Errorf("partition: totals must be positive, got %d -> %d", oldTotal, newTotal)
	}
	if oldTotal == newTotal {
		return nil
	}

	if _, err := c.st.ActiveScalingOperation(ctx, c.workflowType); err == nil {
		return fmt.Errorf("partition: scaling of %s already in progress: %w", c.workflowType, workflow.ErrAlreadyExists)
	} else if !errors.Is(err, workflow.ErrNotFound) {
		return err
	}

	target, err := c.st.MaxGlobalID(ctx, c.workflowType)
	if err != nil {
		return fmt.Errorf("freeze horizon: %w", err)
	}

	if err := c.st.CreateScalingOperation(ctx, store.ScalingOperationRow{
		WorkflowType: c.workflowType,
		TargetOffset: target,
		Status:       store.ScalingPending,
	}); err != nil {
		return err
	}
	c.logger.Info("Scaling operation created",
		zap.Int("old_total", oldTotal),
		zap.Int("new_total", newTotal),
		zap.Int64("target_offset", target))

	if err := c.st.UpdateScalingStatus(ctx, c.workflowType, store.ScalingSynchronizing, target); err != nil {
		return c.fail(ctx, target, err)
	}

	if err := c.waitForDrain(ctx, names(c.workflowType, oldTotal), target); err != nil {
		return c.fail(ctx, target, err)
	}

	if _, _, err := Rebalance(ctx, c.st, c.workflowType, oldTotal, newTotal, c.logger); err != nil {
		return c.fail(ctx, target, err)
	}

	if err := c.st.UpdateScalingStatus(ctx, c.workflowType, store.ScalingCompleted, target); err != nil {
		return err
	}
	if err := c.st.ClearScalingOperation(ctx, c.workflowType); err != nil {
		return err
	}
	c.logger.Info("Scaling completed", zap.Int64("target_offset", target))
	return nil
}

// waitForDrain polls the old readers' committed offsets until all have
// reached the frozen horizon.
func (c *Coordinator) waitForDrain(ctx context.Context, readerNames []string, target int64) error {
	deadline := c.clk.Now().Add(c.timeout)
	for {
		behind, err := c.slowest(ctx, readerNames, target)
		if err != nil {
			return err
		}
		if behind == "" {
			c.logger.Info("All readers drained", zap.Int64("target_offset", target))
			return nil
		}
		if !c.clk.Now().Before(deadline) {
			return fmt.Errorf("partition: timed out waiting for %s to reach offset %d", behind, target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(c.poll):
		}
	}
}

// slowest returns the name of one reader still behind target, or "" when
// every reader has caught up.
func (c *Coordinator) slowest(ctx context.Context, readerNames []string, target int64) (string, error) {
	for _, name := range readerNames {
		off, err := readOffset(ctx, c.st, name)
		if err != nil {
			return "", err
		}
		if off < target {
			return name, nil
		}
	}
	return "", nil
}

func (c *Coordinator) fail(ctx context.Context, target int64, cause error) error {
	if err := c.st.UpdateScalingStatus(ctx, c.workflowType, store.ScalingFailed, target); err != nil {
		c.logger.Warn("Marking scaling operation failed", zap.Error(err))
	}
	return cause
}
