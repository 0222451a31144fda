package repo

import (
	"bytes"
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// commit folds events over the old state, derives every satellite delta,
// and appends the batch in one store transaction. old nil means creation.
// mutate, when set, edits the request after the standard deltas; continue-
// as-new and delay completion use it for their extra writes.
func (r *Repository) commit(ctx context.Context, workflowID string, old *StoredState, events []workflow.Event,
	mutate func(req *store.AppendRequest, newState workflow.State, newVersion int) error) (*Result, error) {

	var oldState workflow.State
	var oldVersion int
	oldMeta := workflow.Meta{}
	if old != nil {
		oldState = old.State
		oldVersion = old.Version
		oldMeta = *oldState.Meta()
	}

	newState, err := workflow.Fold(r.def, oldState, events)
	if err != nil {
		return nil, err
	}

	req := store.AppendRequest{
		WorkflowType:         r.workflowType,
		WorkflowID:           workflowID,
		ExpectedPriorVersion: oldVersion,
	}

	var tags []string
	if tagger, ok := r.def.(workflow.Tagger); ok {
		tags = tagger.Tags(newState)
		req.Metadata = &store.WorkflowMetadataRow{
			WorkflowID:   workflowID,
			WorkflowType: r.workflowType,
			Tags:         pq.StringArray(tags),
		}
	}

	// oneShots tracks the net effect of this batch on one-shot delay rows
	// in event order: a row to write, or nil after a cancel.
	version := oldVersion
	cronVersions := make(map[string]int)
	oneShots := make(map[string]*store.DelayScheduleRow)
	var delayOrder []string
	for _, e := range events {
		version++
		body, err := r.codec.EncodeEvent(e)
		if err != nil {
			return nil, err
		}
		meta := store.JSONB{}
		if te, ok := e.(workflow.TaggedEvent); ok {
			if et := te.EventTags(); len(et) > 0 {
				meta[workflow.MetadataEventTags] = et
			}
		}
		if len(tags) > 0 {
			meta[workflow.MetadataWorkflowTags] = tags
		}
		req.Events = append(req.Events, store.StoredEvent{
			WorkflowVersion: version,
			EventType:       e.EventType(),
			SchemaVersion:   r.def.SchemaVersion(),
			Body:            body,
			Metadata:        meta,
		})

		switch ev := e.(type) {
		case workflow.DelayEvent:
			spec := ev.Delay()
			if spec.CronExpression != "" {
				// Recurring delays live in Meta.Schedules; the fold put
				// them there and metaDeltas writes the rows.
				cronVersions[spec.ID] = version
				continue
			}
			cmdType, raw, cerr := workflow.EncodeCommand(spec.NextCommand)
			if cerr != nil {
				return nil, fmt.Errorf("encode next command of delay %q: %w", spec.ID, cerr)
			}
			if _, seen := oneShots[spec.ID]; !seen {
				delayOrder = append(delayOrder, spec.ID)
			}
			oneShots[spec.ID] = &store.DelayScheduleRow{
				WorkflowID:      workflowID,
				DelayID:         spec.ID,
				WorkflowType:    r.workflowType,
				DelayUntil:      spec.Until,
				EventVersion:    version,
				NextCommandType: cmdType,
				NextCommand:     raw,
			}
		case workflow.ScheduleAdded:
			cronVersions[ev.Schedule.ID] = version
		case workflow.CancelSchedule:
			if _, seen := oneShots[ev.DelayID]; !seen {
				delayOrder = append(delayOrder, ev.DelayID)
			}
			oneShots[ev.DelayID] = nil
		}
	}
	newVersion := version

	newMeta := *newState.Meta()
	if err := r.metaDeltas(&req, oldMeta, newMeta, cronVersions, newVersion); err != nil {
		return nil, err
	}
	for _, id := range delayOrder {
		switch row := oneShots[id]; {
		case row != nil:
			req.DelayUpserts = append(req.DelayUpserts, *row)
		case scheduleExists(newMeta.Schedules, id) || containsString(req.DelayDeletes, id):
			// The id still names a live cron schedule, or the delete is
			// already queued.
		default:
			req.DelayDeletes = append(req.DelayDeletes, id)
		}
	}

	final := r.def.IsFinalEvent(events[len(events)-1])
	if !final && r.snapshotInterval > 0 && newVersion/r.snapshotInterval > oldVersion/r.snapshotInterval {
		snap, serr := r.snapshotRow(workflowID, newState, newVersion)
		if serr != nil {
			return nil, serr
		}
		req.Snapshot = &snap
	}

	if mutate != nil {
		if err := mutate(&req, newState, newVersion); err != nil {
			return nil, err
		}
	}

	if r.syncDB != nil {
		change := Change{WorkflowID: workflowID, OldState: oldState, NewState: newState, Events: events}
		req.SyncDB = func(ctx context.Context, tx store.SyncTx) error {
			return r.syncDB(ctx, tx, change)
		}
	}

	if _, err := r.store.Append(ctx, req); err != nil {
		return nil, err
	}

	if r.cache != nil {
		if enc, cerr := r.codec.EncodeState(newState); !final && cerr == nil {
			r.cache.Put(ctx, workflowID, enc, newVersion)
		} else {
			r.cache.Delete(ctx, workflowID)
		}
	}

	r.logger.Debug("Events appended",
		zap.String("workflow_id", workflowID),
		zap.Int("count", len(events)),
		zap.Int("version", newVersion))

	return &Result{ID: workflowID, Version: newVersion, State: newState, Events: events}, nil
}

// metaDeltas diffs the engine-owned meta before and after the fold into
// side-table deltas. Subscriptions are keyed by (event_type, source): a
// changed tag filter is an upsert, never a delete-insert pair, so the
// subscription stays live throughout.
func (r *Repository) metaDeltas(req *store.AppendRequest, oldMeta, newMeta workflow.Meta, cronVersions map[string]int, newVersion int) error {
	type subKey struct{ eventType, source string }

	oldSubs := make(map[subKey]workflow.Sub, len(oldMeta.Subscriptions))
	for _, s := range oldMeta.Subscriptions {
		oldSubs[subKey{s.EventType, s.WorkflowID}] = s
	}
	seen := make(map[subKey]bool, len(newMeta.Subscriptions))
	for _, s := range newMeta.Subscriptions {
		k := subKey{s.EventType, s.WorkflowID}
		if seen[k] {
			continue
		}
		seen[k] = true
		if prev, ok := oldSubs[k]; ok && prev.Equal(s) {
			continue
		}
		req.SubscriptionUpserts = append(req.SubscriptionUpserts, store.SubscriptionRow{
			WorkflowID:       req.WorkflowID,
			WorkflowType:     req.WorkflowType,
			EventType:        s.EventType,
			SourceWorkflowID: s.WorkflowID,
			Tags:             pq.StringArray(s.Tags),
			TagsAll:          pq.StringArray(s.TagsAll),
		})
	}
	for _, s := range oldMeta.Subscriptions {
		k := subKey{s.EventType, s.WorkflowID}
		if seen[k] {
			continue
		}
		seen[k] = true
		req.SubscriptionDeletes = append(req.SubscriptionDeletes, store.SubscriptionRow{
			WorkflowID:       req.WorkflowID,
			EventType:        s.EventType,
			SourceWorkflowID: s.WorkflowID,
		})
	}

	oldTopics := make(map[string]bool, len(oldMeta.ExternalSubscriptions))
	for _, x := range oldMeta.ExternalSubscriptions {
		oldTopics[x.Topic] = true
	}
	newTopics := make(map[string]bool, len(newMeta.ExternalSubscriptions))
	for _, x := range newMeta.ExternalSubscriptions {
		if newTopics[x.Topic] {
			continue
		}
		newTopics[x.Topic] = true
		if !oldTopics[x.Topic] {
			req.ExternalUpserts = append(req.ExternalUpserts, store.ExternalSubscriptionRow{
				WorkflowID:   req.WorkflowID,
				WorkflowType: req.WorkflowType,
				Topic:        x.Topic,
			})
		}
	}
	for _, x := range oldMeta.ExternalSubscriptions {
		if !newTopics[x.Topic] {
			newTopics[x.Topic] = true
			req.ExternalDeletes = append(req.ExternalDeletes, x.Topic)
		}
	}

	oldSched := make(map[string]workflow.Schedule, len(oldMeta.Schedules))
	for _, s := range oldMeta.Schedules {
		oldSched[s.ID] = s
	}
	seenSched := make(map[string]bool, len(newMeta.Schedules))
	for _, s := range newMeta.Schedules {
		if seenSched[s.ID] {
			continue
		}
		seenSched[s.ID] = true
		if prev, ok := oldSched[s.ID]; ok && scheduleEqual(prev, s) {
			continue
		}
		fire, err := workflow.NextCronFire(s.CronExpression, s.Timezone, r.clk.Now().UTC())
		if err != nil {
			return fmt.Errorf("schedule %q of %s: %w", s.ID, req.WorkflowID, err)
		}
		ver := cronVersions[s.ID]
		if ver == 0 {
			ver = newVersion
		}
		req.DelayUpserts = append(req.DelayUpserts, store.DelayScheduleRow{
			WorkflowID:      req.WorkflowID,
			DelayID:         s.ID,
			WorkflowType:    req.WorkflowType,
			DelayUntil:      fire,
			EventVersion:    ver,
			NextCommandType: s.NextCommandType,
			NextCommand:     s.NextCommand,
			CronExpression:  s.CronExpression,
			Timezone:        s.Timezone,
		})
	}
	for _, s := range oldMeta.Schedules {
		if !seenSched[s.ID] {
			seenSched[s.ID] = true
			req.DelayDeletes = append(req.DelayDeletes, s.ID)
		}
	}
	return nil
}

func (r *Repository) snapshotRow(workflowID string, state workflow.State, version int) (store.SnapshotRow, error) {
	enc, err := r.codec.EncodeState(state)
	if err != nil {
		return store.SnapshotRow{}, fmt.Errorf("encode snapshot of %s: %w", workflowID, err)
	}
	return store.SnapshotRow{
		WorkflowID:    workflowID,
		WorkflowType:  r.workflowType,
		Version:       version,
		SchemaVersion: r.def.SchemaVersion(),
		State:         enc,
	}, nil
}

func scheduleEqual(a, b workflow.Schedule) bool {
	return a.ID == b.ID &&
		a.CronExpression == b.CronExpression &&
		a.Timezone == b.Timezone &&
		a.NextCommandType == b.NextCommandType &&
		bytes.Equal(a.NextCommand, b.NextCommand)
}

func scheduleExists(schedules []workflow.Schedule, id string) bool {
	for _, s := range schedules {
		if s.ID == id {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
