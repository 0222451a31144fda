package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/doomervibe/fleuve/internal/workflow"
)

const activityColumns = `workflow_id, event_number, status, retry_count, max_retries,
	checkpoint, retry_policy, error_message, error_type, result, runner_id,
	started_at, last_attempt_at, next_retry_at, finished_at`

// UpsertActivity records an activity attempt. Re-upserting an existing row
// rewrites everything except started_at, which keeps the first attempt time.
func (p *Postgres) UpsertActivity(ctx context.Context, row ActivityRow) error {
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO activities (`+activityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (workflow_id, event_number) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			checkpoint = EXCLUDED.checkpoint,
			retry_policy = EXCLUDED.retry_policy,
			error_message = EXCLUDED.error_message,
			error_type = EXCLUDED.error_type,
			result = EXCLUDED.result,
			runner_id = EXCLUDED.runner_id,
			last_attempt_at = EXCLUDED.last_attempt_at,
			next_retry_at = EXCLUDED.next_retry_at,
			finished_at = EXCLUDED.finished_at`,
		row.WorkflowID, row.EventNumber, row.Status, row.RetryCount, row.MaxRetries,
		row.Checkpoint, row.RetryPolicy, row.ErrorMessage, row.ErrorType, row.Result,
		row.RunnerID, row.StartedAt, row.LastAttemptAt, row.NextRetryAt, row.FinishedAt,
	); err != nil {
		return fmt.Errorf("upsert activity %s/%d: %w", row.WorkflowID, row.EventNumber, err)
	}
	return nil
}

// GetActivity loads one activity row; misses return workflow.ErrNotFound.
func (p *Postgres) GetActivity(ctx context.Context, workflowID string, eventNumber int) (*ActivityRow, error) {
	var row ActivityRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+activityColumns+` FROM activities WHERE workflow_id = $1 AND event_number = $2`,
		workflowID, eventNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get activity %s/%d: %w", workflowID, eventNumber, err)
	}
	return &row, nil
}

// ListActivities returns activity rows matching the filter, oldest attempt
// first. Executors use it for the retry and recovery scans.
func (p *Postgres) ListActivities(ctx context.Context, filter ActivityFilter) ([]ActivityRow, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE true`
	var args []any

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += ` AND workflow_id = $` + strconv.Itoa(len(args))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(filter.Statuses))
		query += ` AND status = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	if filter.NextRetryBefore != nil {
		args = append(args, *filter.NextRetryBefore)
		query += ` AND next_retry_at IS NOT NULL AND next_retry_at <= $` + strconv.Itoa(len(args))
	}
	if filter.AttemptedBefore != nil {
		args = append(args, *filter.AttemptedBefore)
		query += ` AND last_attempt_at IS NOT NULL AND last_attempt_at < $` + strconv.Itoa(len(args))
	}
	if filter.ExcludeRunnerID != "" {
		args = append(args, filter.ExcludeRunnerID)
		query += ` AND runner_id <> $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY last_attempt_at NULLS FIRST`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var rows []ActivityRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return rows, nil
}

// TakeOverActivity claims a stale in-flight activity for runnerID. The claim
// only succeeds when the activity is still marked running or retrying by
// another runner and has not been attempted since staleBefore, so exactly
// one of several competing executors wins.
func (p *Postgres) TakeOverActivity(ctx context.Context, workflowID string, eventNumber int, runnerID string, staleBefore time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE activities SET runner_id = $3, last_attempt_at = now()
		 WHERE workflow_id = $1 AND event_number = $2
		   AND status IN ('running', 'retrying')
		   AND runner_id <> $3
		   AND last_attempt_at < $4`,
		workflowID, eventNumber, runnerID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("take over activity %s/%d: %w", workflowID, eventNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResetActivity rearms a failed activity for a fresh round of attempts.
// Returns false when the activity is not in the failed state.
func (p *Postgres) ResetActivity(ctx context.Context, workflowID string, eventNumber int) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE activities SET status = 'pending', retry_count = 0,
			error_message = '', error_type = '', next_retry_at = NULL, finished_at = NULL
		 WHERE workflow_id = $1 AND event_number = $2 AND status = 'failed'`,
		workflowID, eventNumber)
	if err != nil {
		return false, fmt.Errorf("reset activity %s/%d: %w", workflowID, eventNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelActivities marks non-terminal activities of a workflow cancelled.
// An empty eventNumbers cancels all of them. Returns the number of rows
// transitioned.
func (p *Postgres) CancelActivities(ctx context.Context, workflowID string, eventNumbers []int) (int64, error) {
	query := `UPDATE activities SET status = 'cancelled', finished_at = now()
		 WHERE workflow_id = $1 AND status NOT IN ('completed', 'cancelled')`
	args := []any{workflowID}
	if len(eventNumbers) > 0 {
		nums := make([]int64, len(eventNumbers))
		for i, n := range eventNumbers {
			nums[i] = int64(n)
		}
		args = append(args, pq.Array(nums))
		query += ` AND event_number = ANY($2)`
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel activities of %s: %w", workflowID, err)
	}
	return res.RowsAffected()
}
