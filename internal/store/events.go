package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

const eventColumns = `global_id, workflow_id, workflow_type, workflow_version,
	event_type, schema_version, body, metadata, pushed, at`

// LoadEvents returns one workflow's events ordered by version, strictly
// after afterVersion and, when toVersion > 0, up to and including it.
func (p *Postgres) LoadEvents(ctx context.Context, workflowID string, afterVersion, toVersion int) ([]StoredEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM events WHERE workflow_id = $1 AND workflow_version > $2`
	args := []any{workflowID, afterVersion}
	if toVersion > 0 {
		query += ` AND workflow_version <= $3`
		args = append(args, toVersion)
	}
	query += ` ORDER BY workflow_version`

	var events []StoredEvent
	if err := p.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("load events of %s: %w", workflowID, err)
	}
	return events, nil
}

// LastVersion returns the highest committed workflow_version, zero when the
// workflow has no events.
func (p *Postgres) LastVersion(ctx context.Context, workflowID string) (int, error) {
	var last int
	if err := p.db.GetContext(ctx, &last,
		`SELECT COALESCE(MAX(workflow_version), 0) FROM events WHERE workflow_id = $1`,
		workflowID); err != nil {
		return 0, fmt.Errorf("last version of %s: %w", workflowID, err)
	}
	return last, nil
}

// ListEvents scans one workflow type's stream in global_id order.
func (p *Postgres) ListEvents(ctx context.Context, q ListQuery) ([]StoredEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM events WHERE workflow_type = $1 AND global_id > $2`
	args := []any{q.WorkflowType, q.AfterGlobalID}
	if len(q.EventTypes) > 0 {
		args = append(args, pq.Array(q.EventTypes))
		query += ` AND event_type = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY global_id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var events []StoredEvent
	if err := p.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list %s events: %w", q.WorkflowType, err)
	}
	return events, nil
}

// PeekEvents is a lightweight existence probe for the same query, avoiding
// body and metadata transfer on idle polls.
func (p *Postgres) PeekEvents(ctx context.Context, q ListQuery) (bool, error) {
	query := `SELECT global_id FROM events WHERE workflow_type = $1 AND global_id > $2`
	args := []any{q.WorkflowType, q.AfterGlobalID}
	if len(q.EventTypes) > 0 {
		args = append(args, pq.Array(q.EventTypes))
		query += ` AND event_type = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY global_id LIMIT 1`

	var gid int64
	err := p.db.GetContext(ctx, &gid, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("peek %s events: %w", q.WorkflowType, err)
	}
	return true, nil
}

// MaxGlobalID returns the highest assigned id for a workflow type, zero
// when the type has no events.
func (p *Postgres) MaxGlobalID(ctx context.Context, workflowType string) (int64, error) {
	var maxID int64
	if err := p.db.GetContext(ctx, &maxID,
		`SELECT COALESCE(MAX(global_id), 0) FROM events WHERE workflow_type = $1`,
		workflowType); err != nil {
		return 0, fmt.Errorf("max global id of %s: %w", workflowType, err)
	}
	return maxID, nil
}

// DistinctWorkflowIDs lists every instance of a workflow type that has
// events.
func (p *Postgres) DistinctWorkflowIDs(ctx context.Context, workflowType string) ([]string, error) {
	var ids []string
	if err := p.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT workflow_id FROM events WHERE workflow_type = $1 ORDER BY workflow_id`,
		workflowType); err != nil {
		return nil, fmt.Errorf("distinct workflow ids of %s: %w", workflowType, err)
	}
	return ids, nil
}

// UnpushedEvents returns events not yet published by the outbox, oldest
// first.
func (p *Postgres) UnpushedEvents(ctx context.Context, workflowType string, limit int) ([]StoredEvent, error) {
	var events []StoredEvent
	if err := p.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+`
		 FROM events WHERE workflow_type = $1 AND NOT pushed
		 ORDER BY global_id LIMIT $2`,
		workflowType, limit); err != nil {
		return nil, fmt.Errorf("unpushed %s events: %w", workflowType, err)
	}
	return events, nil
}

// MarkPushed flags events as published.
func (p *Postgres) MarkPushed(ctx context.Context, workflowType string, globalIDs []int64) error {
	if len(globalIDs) == 0 {
		return nil
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE events SET pushed = true WHERE workflow_type = $1 AND global_id = ANY($2)`,
		workflowType, pq.Array(globalIDs)); err != nil {
		return fmt.Errorf("mark %s events pushed: %w", workflowType, err)
	}
	return nil
}

// UnpushedCount reports the outbox backlog size.
func (p *Postgres) UnpushedCount(ctx context.Context, workflowType string) (int64, error) {
	var count int64
	if err := p.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM events WHERE workflow_type = $1 AND NOT pushed`,
		workflowType); err != nil {
		return 0, fmt.Errorf("unpushed count of %s: %w", workflowType, err)
	}
	return count, nil
}

// OldestUnpushedAge reports how long the oldest unpublished event has been
// waiting, zero when the outbox is drained.
func (p *Postgres) OldestUnpushedAge(ctx context.Context, workflowType string) (time.Duration, error) {
	var oldest sql.NullTime
	err := p.db.GetContext(ctx, &oldest,
		`SELECT MIN(at) FROM events WHERE workflow_type = $1 AND NOT pushed`,
		workflowType)
	if err != nil {
		return 0, fmt.Errorf("oldest unpushed of %s: %w", workflowType, err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	age := time.Since(oldest.Time)
	if age < 0 {
		age = 0
	}
	return age, nil
}

// MarkForRepublish clears the pushed flag so the outbox publisher sends the
// matching events again. Recovery tool for NATS outages and new consumers.
func (p *Postgres) MarkForRepublish(ctx context.Context, workflowID string, minGlobalID, maxGlobalID int64) (int64, error) {
	query := `UPDATE events SET pushed = false WHERE true`
	var args []any
	if workflowID != "" {
		args = append(args, workflowID)
		query += ` AND workflow_id = $` + strconv.Itoa(len(args))
	}
	if minGlobalID > 0 {
		args = append(args, minGlobalID)
		query += ` AND global_id >= $` + strconv.Itoa(len(args))
	}
	if maxGlobalID > 0 {
		args = append(args, maxGlobalID)
		query += ` AND global_id <= $` + strconv.Itoa(len(args))
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark for republish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteEventsBatch removes up to b.Limit events of one workflow that are
// covered by a snapshot (version below BelowVersion), consumed by every
// reader (global_id below MaxGlobalID), older than the retention cutoff
// and, when RequirePushed, already published by the outbox.
func (p *Postgres) DeleteEventsBatch(ctx context.Context, b TruncationBatch) (int64, error) {
	query := `
		DELETE FROM events WHERE ctid IN (
			SELECT ctid FROM events
			WHERE workflow_id = $1
			  AND workflow_version < $2
			  AND global_id < $3
			  AND at < $4`
	if b.RequirePushed {
		query += `
			  AND pushed`
	}
	query += `
			ORDER BY workflow_version
			LIMIT $5
		)`
	res, err := p.db.ExecContext(ctx, query,
		b.WorkflowID, b.BelowVersion, b.MaxGlobalID, b.OlderThan, b.Limit)
	if err != nil {
		return 0, fmt.Errorf("truncate events of %s: %w", b.WorkflowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
