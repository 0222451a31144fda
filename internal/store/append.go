package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// Append commits one batch of events plus every satellite write in a single
// transaction. Writers on the same instance serialize on the version-1 row;
// creation races and version fence failures surface as
// workflow.ErrAlreadyExists / workflow.ErrVersionConflict.
//
// Global ids come from the per-type allocator row, which stays locked until
// commit. That makes commit order equal id order within a workflow type, so
// readers never observe a gap that fills in later.
func (p *Postgres) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if len(req.Events) == 0 {
		return AppendResult{}, errors.New("store: append with no events")
	}

	var out AppendResult
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		// Serialize writers on this instance. No row means the workflow is
		// new; creation races resolve at the unique constraint below.
		var fence int64
		err := tx.GetContext(ctx, &fence,
			`SELECT global_id FROM events WHERE workflow_id = $1 AND workflow_version = 1 FOR UPDATE`,
			req.WorkflowID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock workflow %s: %w", req.WorkflowID, err)
		}

		var last int
		if err := tx.GetContext(ctx, &last,
			`SELECT COALESCE(MAX(workflow_version), 0) FROM events WHERE workflow_id = $1`,
			req.WorkflowID); err != nil {
			return fmt.Errorf("read last version of %s: %w", req.WorkflowID, err)
		}
		if last != req.ExpectedPriorVersion {
			return fenceError(req.ExpectedPriorVersion)
		}

		firstID, err := nextGlobalIDs(ctx, tx, req.WorkflowType, len(req.Events))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		out.GlobalIDs = make([]int64, 0, len(req.Events))
		for i := range req.Events {
			e := &req.Events[i]
			gid := firstID + int64(i)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events (global_id, workflow_id, workflow_type, workflow_version,
				                    event_type, schema_version, body, metadata, pushed, at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)`,
				gid, req.WorkflowID, req.WorkflowType, e.WorkflowVersion,
				e.EventType, e.SchemaVersion, e.Body, e.Metadata, now,
			); err != nil {
				if isUniqueViolation(err) {
					return fenceError(req.ExpectedPriorVersion)
				}
				return fmt.Errorf("insert event %s v%d: %w", req.WorkflowID, e.WorkflowVersion, err)
			}
			out.GlobalIDs = append(out.GlobalIDs, gid)
		}
		out.NewVersion = req.Events[len(req.Events)-1].WorkflowVersion

		if err := p.applyDeltas(ctx, tx, req); err != nil {
			return err
		}

		if req.Snapshot != nil {
			if err := upsertSnapshotTx(ctx, tx, *req.Snapshot); err != nil {
				return err
			}
		}

		if req.PurgeEventsBelow > 0 {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM events WHERE workflow_id = $1 AND workflow_version < $2`,
				req.WorkflowID, req.PurgeEventsBelow)
			if err != nil {
				return fmt.Errorf("purge events of %s: %w", req.WorkflowID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				p.logger.Info("Workflow log reset",
					zap.String("workflow_id", req.WorkflowID),
					zap.Int64("events_purged", n))
			}
		}

		if req.SyncDB != nil {
			if err := req.SyncDB(ctx, tx); err != nil {
				return fmt.Errorf("sync db callback: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return out, nil
}

// fenceError maps a version fence failure: expecting no prior events means
// the caller was creating the workflow.
func fenceError(expectedPrior int) error {
	if expectedPrior == 0 {
		return workflow.ErrAlreadyExists
	}
	return workflow.ErrVersionConflict
}

// nextGlobalIDs reserves n consecutive ids for a workflow type and returns
// the first. The UPDATE locks the allocator row for the rest of the
// transaction.
func nextGlobalIDs(ctx context.Context, tx *sqlx.Tx, workflowType string, n int) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_sequences (workflow_type, last_global_id) VALUES ($1, 0)
		 ON CONFLICT (workflow_type) DO NOTHING`,
		workflowType); err != nil {
		return 0, fmt.Errorf("seed sequence for %s: %w", workflowType, err)
	}
	var lastID int64
	if err := tx.GetContext(ctx, &lastID,
		`UPDATE event_sequences SET last_global_id = last_global_id + $2
		 WHERE workflow_type = $1 RETURNING last_global_id`,
		workflowType, n); err != nil {
		return 0, fmt.Errorf("allocate global ids for %s: %w", workflowType, err)
	}
	return lastID - int64(n) + 1, nil
}

func (p *Postgres) applyDeltas(ctx context.Context, tx *sqlx.Tx, req AppendRequest) error {
	for _, sub := range req.SubscriptionUpserts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (workflow_id, workflow_type, event_type, source_workflow_id, tags, tags_all)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (workflow_id, event_type, source_workflow_id)
			DO UPDATE SET tags = EXCLUDED.tags, tags_all = EXCLUDED.tags_all`,
			sub.WorkflowID, sub.WorkflowType, sub.EventType, sub.SourceWorkflowID,
			sub.Tags, sub.TagsAll,
		); err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
	}
	for _, sub := range req.SubscriptionDeletes {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM subscriptions
			WHERE workflow_id = $1 AND event_type = $2 AND source_workflow_id = $3`,
			sub.WorkflowID, sub.EventType, sub.SourceWorkflowID,
		); err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
	}

	for _, es := range req.ExternalUpserts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO external_subscriptions (workflow_id, workflow_type, topic)
			VALUES ($1, $2, $3)
			ON CONFLICT (workflow_id, topic) DO NOTHING`,
			es.WorkflowID, es.WorkflowType, es.Topic,
		); err != nil {
			return fmt.Errorf("upsert external subscription: %w", err)
		}
	}
	for _, topic := range req.ExternalDeletes {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM external_subscriptions WHERE workflow_id = $1 AND topic = $2`,
			req.WorkflowID, topic,
		); err != nil {
			return fmt.Errorf("delete external subscription: %w", err)
		}
	}

	for _, d := range req.DelayUpserts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO delay_schedules (workflow_id, delay_id, workflow_type, delay_until,
			                             event_version, next_command_type, next_command,
			                             cron_expression, timezone)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (workflow_id, delay_id)
			DO UPDATE SET delay_until = EXCLUDED.delay_until,
			              event_version = EXCLUDED.event_version,
			              next_command_type = EXCLUDED.next_command_type,
			              next_command = EXCLUDED.next_command,
			              cron_expression = EXCLUDED.cron_expression,
			              timezone = EXCLUDED.timezone`,
			d.WorkflowID, d.DelayID, d.WorkflowType, d.DelayUntil,
			d.EventVersion, d.NextCommandType, d.NextCommand,
			d.CronExpression, d.Timezone,
		); err != nil {
			return fmt.Errorf("upsert delay schedule %s/%s: %w", d.WorkflowID, d.DelayID, err)
		}
	}
	for _, delayID := range req.DelayDeletes {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM delay_schedules WHERE workflow_id = $1 AND delay_id = $2`,
			req.WorkflowID, delayID,
		); err != nil {
			return fmt.Errorf("delete delay schedule %s/%s: %w", req.WorkflowID, delayID, err)
		}
	}
	if req.DeleteAllDelays {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM delay_schedules WHERE workflow_id = $1`,
			req.WorkflowID,
		); err != nil {
			return fmt.Errorf("clear delay schedules of %s: %w", req.WorkflowID, err)
		}
	}

	if req.Metadata != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_metadata (workflow_id, workflow_type, tags)
			VALUES ($1, $2, $3)
			ON CONFLICT (workflow_id) DO UPDATE SET tags = EXCLUDED.tags`,
			req.Metadata.WorkflowID, req.Metadata.WorkflowType, req.Metadata.Tags,
		); err != nil {
			return fmt.Errorf("upsert workflow metadata: %w", err)
		}
	}
	return nil
}

func upsertSnapshotTx(ctx context.Context, tx sqlx.ExecerContext, snap SnapshotRow) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (workflow_id, workflow_type, version, schema_version, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (workflow_id)
		DO UPDATE SET version = EXCLUDED.version,
		              schema_version = EXCLUDED.schema_version,
		              state = EXCLUDED.state,
		              updated_at = now()`,
		snap.WorkflowID, snap.WorkflowType, snap.Version, snap.SchemaVersion, snap.State,
	); err != nil {
		return fmt.Errorf("upsert snapshot of %s: %w", snap.WorkflowID, err)
	}
	return nil
}
