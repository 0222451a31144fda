package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// LatestSnapshot returns the snapshot of a workflow, bounded by maxVersion
// when it is positive. Misses return workflow.ErrNotFound.
//
// Snapshots are single-row per workflow, so a bounded request only succeeds
// when the stored snapshot is old enough; callers fall back to a full
// replay otherwise.
func (p *Postgres) LatestSnapshot(ctx context.Context, workflowID string, maxVersion int) (*SnapshotRow, error) {
	query := `SELECT workflow_id, workflow_type, version, schema_version, state, created_at, updated_at
		FROM snapshots WHERE workflow_id = $1`
	args := []any{workflowID}
	if maxVersion > 0 {
		query += ` AND version <= $2`
		args = append(args, maxVersion)
	}

	var snap SnapshotRow
	err := p.db.GetContext(ctx, &snap, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %s: %w", workflowID, err)
	}
	return &snap, nil
}

// UpsertSnapshot writes a snapshot outside an append transaction.
func (p *Postgres) UpsertSnapshot(ctx context.Context, snap SnapshotRow) error {
	return upsertSnapshotTx(ctx, p.db, snap)
}

// SnapshotRefs lists (workflow_id, version) for every snapshot of a type.
// The truncation service scans these to find deletable event ranges.
func (p *Postgres) SnapshotRefs(ctx context.Context, workflowType string) ([]SnapshotRef, error) {
	var refs []SnapshotRef
	if err := p.db.SelectContext(ctx, &refs,
		`SELECT workflow_id, version FROM snapshots WHERE workflow_type = $1`,
		workflowType); err != nil {
		return nil, fmt.Errorf("snapshot refs of %s: %w", workflowType, err)
	}
	return refs, nil
}

// GetOffset returns a reader's committed cursor, zero for a reader that
// has never committed.
func (p *Postgres) GetOffset(ctx context.Context, reader string) (int64, error) {
	var offset int64
	err := p.db.GetContext(ctx, &offset,
		`SELECT last_read_event_no FROM offsets WHERE reader = $1`, reader)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get offset of %s: %w", reader, err)
	}
	return offset, nil
}

// CommitOffset advances a reader's cursor from one known value to another.
// A mismatch means another process owns the reader name and returns
// workflow.ErrOffsetConflict.
func (p *Postgres) CommitOffset(ctx context.Context, reader string, from, to int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE offsets SET last_read_event_no = $3 WHERE reader = $1 AND last_read_event_no = $2`,
		reader, from, to)
	if err != nil {
		return fmt.Errorf("commit offset of %s: %w", reader, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	if from == 0 {
		res, err := p.db.ExecContext(ctx,
			`INSERT INTO offsets (reader, last_read_event_no) VALUES ($1, $2)
			 ON CONFLICT (reader) DO NOTHING`,
			reader, to)
		if err != nil {
			return fmt.Errorf("init offset of %s: %w", reader, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("reader %s at unexpected offset: %w", reader, workflow.ErrOffsetConflict)
}

// UpsertOffset sets a reader's cursor unconditionally. Used by scaling when
// initializing or force-advancing partition readers.
func (p *Postgres) UpsertOffset(ctx context.Context, reader string, value int64) error {
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO offsets (reader, last_read_event_no) VALUES ($1, $2)
		 ON CONFLICT (reader) DO UPDATE SET last_read_event_no = EXCLUDED.last_read_event_no`,
		reader, value); err != nil {
		return fmt.Errorf("upsert offset of %s: %w", reader, err)
	}
	return nil
}

// ListOffsets returns readers whose name starts with prefix, all readers
// when prefix is empty.
func (p *Postgres) ListOffsets(ctx context.Context, prefix string) ([]OffsetRow, error) {
	var rows []OffsetRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT reader, last_read_event_no FROM offsets WHERE reader LIKE $1 ORDER BY reader`,
		prefix+"%"); err != nil {
		return nil, fmt.Errorf("list offsets %q: %w", prefix, err)
	}
	return rows, nil
}

// DeleteOffset removes a reader's cursor.
func (p *Postgres) DeleteOffset(ctx context.Context, reader string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM offsets WHERE reader = $1`, reader); err != nil {
		return fmt.Errorf("delete offset of %s: %w", reader, err)
	}
	return nil
}
