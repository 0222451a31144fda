package store

import (
	"context"
	"fmt"
	"time"
)

const scheduleColumns = `workflow_id, delay_id, workflow_type, delay_until, event_version,
	next_command_type, next_command, cron_expression, timezone, created_at`

// DueSchedules returns schedules of a type whose fire time has passed,
// soonest first.
func (p *Postgres) DueSchedules(ctx context.Context, workflowType string, now time.Time, limit int) ([]DelayScheduleRow, error) {
	var rows []DelayScheduleRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT `+scheduleColumns+` FROM delay_schedules
		 WHERE workflow_type = $1 AND delay_until <= $2
		 ORDER BY delay_until LIMIT $3`,
		workflowType, now, limit); err != nil {
		return nil, fmt.Errorf("due schedules of %s: %w", workflowType, err)
	}
	return rows, nil
}

// InsertSchedule registers a delay outside an append transaction. Colliding
// (workflow_id, delay_id) pairs replace the pending schedule.
func (p *Postgres) InsertSchedule(ctx context.Context, row DelayScheduleRow) error {
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO delay_schedules (`+scheduleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (workflow_id, delay_id) DO UPDATE SET
			delay_until = EXCLUDED.delay_until,
			event_version = EXCLUDED.event_version,
			next_command_type = EXCLUDED.next_command_type,
			next_command = EXCLUDED.next_command,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone`,
		row.WorkflowID, row.DelayID, row.WorkflowType, row.DelayUntil, row.EventVersion,
		row.NextCommandType, row.NextCommand, row.CronExpression, row.Timezone, row.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert schedule %s/%s: %w", row.WorkflowID, row.DelayID, err)
	}
	return nil
}

// UpdateScheduleFire moves a recurring schedule to its next fire time.
func (p *Postgres) UpdateScheduleFire(ctx context.Context, workflowID, delayID string, nextFire time.Time) error {
	if _, err := p.db.ExecContext(ctx,
		`UPDATE delay_schedules SET delay_until = $3 WHERE workflow_id = $1 AND delay_id = $2`,
		workflowID, delayID, nextFire); err != nil {
		return fmt.Errorf("advance schedule %s/%s: %w", workflowID, delayID, err)
	}
	return nil
}

// DeleteSchedule removes a fired or revoked schedule.
func (p *Postgres) DeleteSchedule(ctx context.Context, workflowID, delayID string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM delay_schedules WHERE workflow_id = $1 AND delay_id = $2`,
		workflowID, delayID); err != nil {
		return fmt.Errorf("delete schedule %s/%s: %w", workflowID, delayID, err)
	}
	return nil
}

// ListSchedules returns the pending schedules of one workflow.
func (p *Postgres) ListSchedules(ctx context.Context, workflowID string) ([]DelayScheduleRow, error) {
	var rows []DelayScheduleRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT `+scheduleColumns+` FROM delay_schedules WHERE workflow_id = $1 ORDER BY delay_until`,
		workflowID); err != nil {
		return nil, fmt.Errorf("schedules of %s: %w", workflowID, err)
	}
	return rows, nil
}

// CountSchedules counts the pending schedules of a workflow type.
func (p *Postgres) CountSchedules(ctx context.Context, workflowType string) (int64, error) {
	var n int64
	if err := p.db.GetContext(ctx, &n,
		`SELECT count(*) FROM delay_schedules WHERE workflow_type = $1`, workflowType); err != nil {
		return 0, fmt.Errorf("count schedules of %s: %w", workflowType, err)
	}
	return n, nil
}
