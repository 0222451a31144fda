package store

import (
	"context"
	"fmt"
)

// SubscribersOf returns subscriptions within workflowType that match an
// event of eventType emitted by sourceWorkflowID. Wildcard rows ('*' in
// either column) match everything on that axis; tag filters are applied
// by the caller against the emitter's tags.
func (p *Postgres) SubscribersOf(ctx context.Context, workflowType, eventType, sourceWorkflowID string) ([]SubscriptionRow, error) {
	var rows []SubscriptionRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT workflow_id, workflow_type, event_type, source_workflow_id, tags, tags_all
		 FROM subscriptions
		 WHERE workflow_type = $1
		   AND event_type IN ('*', $2)
		   AND source_workflow_id IN ('*', $3)`,
		workflowType, eventType, sourceWorkflowID); err != nil {
		return nil, fmt.Errorf("subscribers of %s/%s: %w", eventType, sourceWorkflowID, err)
	}
	return rows, nil
}

// SubscriptionsByType returns every subscription held by workflows of a
// type. Runners load these into their in-memory cache at startup.
func (p *Postgres) SubscriptionsByType(ctx context.Context, workflowType string) ([]SubscriptionRow, error) {
	var rows []SubscriptionRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT workflow_id, workflow_type, event_type, source_workflow_id, tags, tags_all
		 FROM subscriptions WHERE workflow_type = $1`,
		workflowType); err != nil {
		return nil, fmt.Errorf("subscriptions of type %s: %w", workflowType, err)
	}
	return rows, nil
}

// WorkflowTags returns the tags recorded for a workflow, nil when the
// workflow has no metadata row.
func (p *Postgres) WorkflowTags(ctx context.Context, workflowID string) ([]string, error) {
	var rows []WorkflowMetadataRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT workflow_id, workflow_type, tags, created_at FROM workflow_metadata WHERE workflow_id = $1`,
		workflowID); err != nil {
		return nil, fmt.Errorf("tags of %s: %w", workflowID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].Tags, nil
}

// WorkflowIDsByTag returns ids of workflows of a type carrying the tag.
func (p *Postgres) WorkflowIDsByTag(ctx context.Context, workflowType, tag string) ([]string, error) {
	var ids []string
	if err := p.db.SelectContext(ctx, &ids,
		`SELECT workflow_id FROM workflow_metadata WHERE workflow_type = $1 AND $2 = ANY(tags)`,
		workflowType, tag); err != nil {
		return nil, fmt.Errorf("workflows of %s tagged %s: %w", workflowType, tag, err)
	}
	return ids, nil
}

// WorkflowIDsByTopic returns ids of workflows of a type subscribed to an
// external topic. The external consumer fans incoming messages out to them.
func (p *Postgres) WorkflowIDsByTopic(ctx context.Context, workflowType, topic string) ([]string, error) {
	var ids []string
	if err := p.db.SelectContext(ctx, &ids,
		`SELECT workflow_id FROM external_subscriptions WHERE workflow_type = $1 AND topic = $2`,
		workflowType, topic); err != nil {
		return nil, fmt.Errorf("workflows of %s on topic %s: %w", workflowType, topic, err)
	}
	return ids, nil
}
