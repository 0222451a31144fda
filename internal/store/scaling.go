package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// CreateScalingOperation opens a repartitioning operation for a workflow
// type. At most one operation per type may be in flight; a pending or
// synchronizing row makes this return workflow.ErrAlreadyExists.
func (p *Postgres) CreateScalingOperation(ctx context.Context, row ScalingOperationRow) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO scaling_operations (workflow_type, target_offset, status, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (workflow_type) DO UPDATE SET
			target_offset = EXCLUDED.target_offset,
			status = EXCLUDED.status,
			created_at = now(),
			updated_at = now()
		 WHERE scaling_operations.status NOT IN ('pending', 'synchronizing')`,
		row.WorkflowType, row.TargetOffset, row.Status)
	if err != nil {
		return fmt.Errorf("create scaling operation for %s: %w", row.WorkflowType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("scaling of %s already in progress: %w", row.WorkflowType, workflow.ErrAlreadyExists)
	}
	return nil
}

// UpdateScalingStatus moves an operation through its lifecycle and may
// rewrite the target offset, which synchronizing sets to the frozen horizon.
func (p *Postgres) UpdateScalingStatus(ctx context.Context, workflowType, status string, targetOffset int64) error {
	if _, err := p.db.ExecContext(ctx,
		`UPDATE scaling_operations SET status = $2, target_offset = $3, updated_at = now()
		 WHERE workflow_type = $1`,
		workflowType, status, targetOffset); err != nil {
		return fmt.Errorf("update scaling of %s to %s: %w", workflowType, status, err)
	}
	return nil
}

// ActiveScalingOperation returns the in-flight operation for a type, or
// workflow.ErrNotFound when none is pending or synchronizing.
func (p *Postgres) ActiveScalingOperation(ctx context.Context, workflowType string) (*ScalingOperationRow, error) {
	var row ScalingOperationRow
	err := p.db.GetContext(ctx, &row,
		`SELECT workflow_type, target_offset, status, created_at, updated_at
		 FROM scaling_operations
		 WHERE workflow_type = $1 AND status IN ('pending', 'synchronizing')`,
		workflowType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active scaling of %s: %w", workflowType, err)
	}
	return &row, nil
}

// ClearScalingOperation drops the operation row once a rebalance has been
// applied or abandoned.
func (p *Postgres) ClearScalingOperation(ctx context.Context, workflowType string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM scaling_operations WHERE workflow_type = $1`, workflowType); err != nil {
		return fmt.Errorf("clear scaling of %s: %w", workflowType, err)
	}
	return nil
}
