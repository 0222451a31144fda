// Package enginetest provides an in-memory store and a deterministic
// harness for testing workflow definitions without Postgres or NATS.
package enginetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

type subKey struct {
	workflowID       string
	eventType        string
	sourceWorkflowID string
}

type extKey struct {
	workflowID string
	topic      string
}

type actKey struct {
	workflowID  string
	eventNumber int
}

type schedKey struct {
	workflowID string
	delayID    string
}

// MemStore implements store.Store with maps under one mutex. Method
// semantics mirror the Postgres backend, including error mapping, so
// repository and runner code behaves identically against either.
type MemStore struct {
	// Now supplies timestamps; the harness points it at a test clock.
	Now func() time.Time

	mu            sync.Mutex
	events        []store.StoredEvent
	seqs          map[string]int64
	snapshots     map[string]store.SnapshotRow
	subscriptions map[subKey]store.SubscriptionRow
	externals     map[extKey]store.ExternalSubscriptionRow
	activities    map[actKey]store.ActivityRow
	schedules     map[schedKey]store.DelayScheduleRow
	offsets       map[string]int64
	metadata      map[string]store.WorkflowMetadataRow
	scaling       map[string]store.ScalingOperationRow
	locks         map[string]bool
}

var _ store.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		Now:           time.Now,
		seqs:          make(map[string]int64),
		snapshots:     make(map[string]store.SnapshotRow),
		subscriptions: make(map[subKey]store.SubscriptionRow),
		externals:     make(map[extKey]store.ExternalSubscriptionRow),
		activities:    make(map[actKey]store.ActivityRow),
		schedules:     make(map[schedKey]store.DelayScheduleRow),
		offsets:       make(map[string]int64),
		metadata:      make(map[string]store.WorkflowMetadataRow),
		scaling:       make(map[string]store.ScalingOperationRow),
		locks:         make(map[string]bool),
	}
}

func (s *MemStore) Append(_ context.Context, req store.AppendRequest) (store.AppendResult, error) {
	if len(req.Events) == 0 {
		return store.AppendResult{}, errors.New("enginetest: append with no events")
	}
	if req.SyncDB != nil {
		return store.AppendResult{}, errors.New("enginetest: SyncDB callbacks need the sql backend")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last := 0
	for _, e := range s.events {
		if e.WorkflowID == req.WorkflowID && e.WorkflowVersion > last {
			last = e.WorkflowVersion
		}
	}
	if last != req.ExpectedPriorVersion {
		if req.ExpectedPriorVersion == 0 {
			return store.AppendResult{}, workflow.ErrAlreadyExists
		}
		return store.AppendResult{}, workflow.ErrVersionConflict
	}

	now := s.Now().UTC()
	var out store.AppendResult
	for _, e := range req.Events {
		s.seqs[req.WorkflowType]++
		e.GlobalID = s.seqs[req.WorkflowType]
		e.WorkflowID = req.WorkflowID
		e.WorkflowType = req.WorkflowType
		e.Pushed = false
		e.At = now
		s.events = append(s.events, e)
		out.GlobalIDs = append(out.GlobalIDs, e.GlobalID)
	}
	out.NewVersion = req.Events[len(req.Events)-1].WorkflowVersion

	for _, sub := range req.SubscriptionUpserts {
		s.subscriptions[subKey{sub.WorkflowID, sub.EventType, sub.SourceWorkflowID}] = sub
	}
	for _, sub := range req.SubscriptionDeletes {
		delete(s.subscriptions, subKey{sub.WorkflowID, sub.EventType, sub.SourceWorkflowID})
	}
	for _, es := range req.ExternalUpserts {
		s.externals[extKey{es.WorkflowID, es.Topic}] = es
	}
	for _, topic := range req.ExternalDeletes {
		delete(s.externals, extKey{req.WorkflowID, topic})
	}
	for _, d := range req.DelayUpserts {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		s.schedules[schedKey{d.WorkflowID, d.DelayID}] = d
	}
	for _, delayID := range req.DelayDeletes {
		delete(s.schedules, schedKey{req.WorkflowID, delayID})
	}
	if req.DeleteAllDelays {
		for k := range s.schedules {
			if k.workflowID == req.WorkflowID {
				delete(s.schedules, k)
			}
		}
	}
	if req.Metadata != nil {
		m := *req.Metadata
		if prev, ok := s.metadata[m.WorkflowID]; ok {
			m.CreatedAt = prev.CreatedAt
		} else if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		s.metadata[m.WorkflowID] = m
	}
	if req.Snapshot != nil {
		s.putSnapshotLocked(*req.Snapshot, now)
	}
	if req.PurgeEventsBelow > 0 {
		kept := s.events[:0]
		for _, e := range s.events {
			if e.WorkflowID == req.WorkflowID && e.WorkflowVersion < req.PurgeEventsBelow {
				continue
			}
			kept = append(kept, e)
		}
		s.events = kept
	}
	return out, nil
}

func (s *MemStore) LoadEvents(_ context.Context, workflowID string, afterVersion, toVersion int) ([]store.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.StoredEvent
	for _, e := range s.events {
		if e.WorkflowID != workflowID || e.WorkflowVersion <= afterVersion {
			continue
		}
		if toVersion > 0 && e.WorkflowVersion > toVersion {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowVersion < out[j].WorkflowVersion })
	return out, nil
}

func (s *MemStore) LastVersion(_ context.Context, workflowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := 0
	for _, e := range s.events {
		if e.WorkflowID == workflowID && e.WorkflowVersion > last {
			last = e.WorkflowVersion
		}
	}
	return last, nil
}

func (s *MemStore) ListEvents(_ context.Context, q store.ListQuery) ([]store.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(q), nil
}

func (s *MemStore) listLocked(q store.ListQuery) []store.StoredEvent {
	var out []store.StoredEvent
	for _, e := range s.events {
		if e.WorkflowType != q.WorkflowType || e.GlobalID <= q.AfterGlobalID {
			continue
		}
		if len(q.EventTypes) > 0 && !contains(q.EventTypes, e.EventType) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalID < out[j].GlobalID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (s *MemStore) PeekEvents(_ context.Context, q store.ListQuery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.Limit = 1
	return len(s.listLocked(q)) > 0, nil
}

func (s *MemStore) MaxGlobalID(_ context.Context, workflowType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxID int64
	for _, e := range s.events {
		if e.WorkflowType == workflowType && e.GlobalID > maxID {
			maxID = e.GlobalID
		}
	}
	return maxID, nil
}

func (s *MemStore) DistinctWorkflowIDs(_ context.Context, workflowType string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, e := range s.events {
		if e.WorkflowType == workflowType {
			seen[e.WorkflowID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) LatestSnapshot(_ context.Context, workflowID string, maxVersion int) (*store.SnapshotRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[workflowID]
	if !ok || (maxVersion > 0 && snap.Version > maxVersion) {
		return nil, workflow.ErrNotFound
	}
	return &snap, nil
}

func (s *MemStore) UpsertSnapshot(_ context.Context, snap store.SnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putSnapshotLocked(snap, s.Now().UTC())
	return nil
}

func (s *MemStore) putSnapshotLocked(snap store.SnapshotRow, now time.Time) {
	if prev, ok := s.snapshots[snap.WorkflowID]; ok {
		snap.CreatedAt = prev.CreatedAt
	} else {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	s.snapshots[snap.WorkflowID] = snap
}

func (s *MemStore) SnapshotRefs(_ context.Context, workflowType string) ([]store.SnapshotRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SnapshotRef
	for _, snap := range s.snapshots {
		if snap.WorkflowType == workflowType {
			out = append(out, store.SnapshotRef{WorkflowID: snap.WorkflowID, Version: snap.Version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (s *MemStore) GetOffset(_ context.Context, reader string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[reader], nil
}

func (s *MemStore) CommitOffset(_ context.Context, reader string, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.offsets[reader]
	switch {
	case exists && cur == from:
		s.offsets[reader] = to
	case !exists && from == 0:
		s.offsets[reader] = to
	default:
		return workflow.ErrOffsetConflict
	}
	return nil
}

func (s *MemStore) UpsertOffset(_ context.Context, reader string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[reader] = value
	return nil
}

func (s *MemStore) ListOffsets(_ context.Context, prefix string) ([]store.OffsetRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OffsetRow
	for reader, value := range s.offsets {
		if strings.HasPrefix(reader, prefix) {
			out = append(out, store.OffsetRow{Reader: reader, LastReadEventNo: value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reader < out[j].Reader })
	return out, nil
}

func (s *MemStore) DeleteOffset(_ context.Context, reader string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, reader)
	return nil
}

func (s *MemStore) SubscribersOf(_ context.Context, workflowType, eventType, sourceWorkflowID string) ([]store.SubscriptionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SubscriptionRow
	for _, sub := range s.subscriptions {
		if sub.WorkflowType != workflowType {
			continue
		}
		if sub.EventType != "*" && sub.EventType != eventType {
			continue
		}
		if sub.SourceWorkflowID != "*" && sub.SourceWorkflowID != sourceWorkflowID {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (s *MemStore) SubscriptionsByType(_ context.Context, workflowType string) ([]store.SubscriptionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SubscriptionRow
	for _, sub := range s.subscriptions {
		if sub.WorkflowType == workflowType {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (s *MemStore) WorkflowTags(_ context.Context, workflowID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[workflowID]
	if !ok {
		return nil, nil
	}
	return m.Tags, nil
}

func (s *MemStore) WorkflowIDsByTag(_ context.Context, workflowType, tag string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.metadata {
		if m.WorkflowType == workflowType && contains(m.Tags, tag) {
			out = append(out, m.WorkflowID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) WorkflowIDsByTopic(_ context.Context, workflowType, topic string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, es := range s.externals {
		if es.WorkflowType == workflowType && es.Topic == topic {
			out = append(out, es.WorkflowID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) UpsertActivity(_ context.Context, row store.ActivityRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := actKey{row.WorkflowID, row.EventNumber}
	if prev, ok := s.activities[key]; ok {
		row.StartedAt = prev.StartedAt
	}
	s.activities[key] = row
	return nil
}

func (s *MemStore) GetActivity(_ context.Context, workflowID string, eventNumber int) (*store.ActivityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.activities[actKey{workflowID, eventNumber}]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return &row, nil
}

func (s *MemStore) ListActivities(_ context.Context, f store.ActivityFilter) ([]store.ActivityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ActivityRow
	for _, a := range s.activities {
		if f.WorkflowID != "" && a.WorkflowID != f.WorkflowID {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
			continue
		}
		if f.NextRetryBefore != nil && (a.NextRetryAt == nil || a.NextRetryAt.After(*f.NextRetryBefore)) {
			continue
		}
		if f.AttemptedBefore != nil && (a.LastAttemptAt == nil || !a.LastAttemptAt.Before(*f.AttemptedBefore)) {
			continue
		}
		if f.ExcludeRunnerID != "" && a.RunnerID == f.ExcludeRunnerID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastAttemptAt, out[j].LastAttemptAt
		if ai == nil {
			return aj != nil
		}
		if aj == nil {
			return false
		}
		return ai.Before(*aj)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemStore) TakeOverActivity(_ context.Context, workflowID string, eventNumber int, runnerID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := actKey{workflowID, eventNumber}
	a, ok := s.activities[key]
	if !ok {
		return false, nil
	}
	if a.Status != store.ActivityRunning && a.Status != store.ActivityRetrying {
		return false, nil
	}
	if a.RunnerID == runnerID {
		return false, nil
	}
	if a.LastAttemptAt == nil || !a.LastAttemptAt.Before(staleBefore) {
		return false, nil
	}
	now := s.Now().UTC()
	a.RunnerID = runnerID
	a.LastAttemptAt = &now
	s.activities[key] = a
	return true, nil
}

func (s *MemStore) ResetActivity(_ context.Context, workflowID string, eventNumber int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := actKey{workflowID, eventNumber}
	a, ok := s.activities[key]
	if !ok || a.Status != store.ActivityFailed {
		return false, nil
	}
	a.Status = store.ActivityPending
	a.RetryCount = 0
	a.ErrorMessage = ""
	a.ErrorType = ""
	a.NextRetryAt = nil
	a.FinishedAt = nil
	s.activities[key] = a
	return true, nil
}

func (s *MemStore) CancelActivities(_ context.Context, workflowID string, eventNumbers []int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now().UTC()
	var n int64
	for key, a := range s.activities {
		if key.workflowID != workflowID {
			continue
		}
		if a.Status == store.ActivityCompleted || a.Status == store.ActivityCancelled {
			continue
		}
		if len(eventNumbers) > 0 && !containsInt(eventNumbers, key.eventNumber) {
			continue
		}
		a.Status = store.ActivityCancelled
		a.FinishedAt = &now
		s.activities[key] = a
		n++
	}
	return n, nil
}

func (s *MemStore) DueSchedules(_ context.Context, workflowType string, now time.Time, limit int) ([]store.DelayScheduleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DelayScheduleRow
	for _, d := range s.schedules {
		if d.WorkflowType == workflowType && !d.DelayUntil.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DelayUntil.Before(out[j].DelayUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) InsertSchedule(_ context.Context, d store.DelayScheduleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.Now().UTC()
	}
	s.schedules[schedKey{d.WorkflowID, d.DelayID}] = d
	return nil
}

func (s *MemStore) UpdateScheduleFire(_ context.Context, workflowID, delayID string, nextFire time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := schedKey{workflowID, delayID}
	if d, ok := s.schedules[key]; ok {
		d.DelayUntil = nextFire
		s.schedules[key] = d
	}
	return nil
}

func (s *MemStore) DeleteSchedule(_ context.Context, workflowID, delayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, schedKey{workflowID, delayID})
	return nil
}

func (s *MemStore) ListSchedules(_ context.Context, workflowID string) ([]store.DelayScheduleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DelayScheduleRow
	for _, d := range s.schedules {
		if d.WorkflowID == workflowID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DelayUntil.Before(out[j].DelayUntil) })
	return out, nil
}

func (s *MemStore) CountSchedules(_ context.Context, workflowType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.schedules {
		if d.WorkflowType == workflowType {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) UnpushedEvents(_ context.Context, workflowType string, limit int) ([]store.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.StoredEvent
	for _, e := range s.events {
		if e.WorkflowType == workflowType && !e.Pushed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalID < out[j].GlobalID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MarkPushed(_ context.Context, workflowType string, globalIDs []int64) error {
	if len(globalIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[int64]bool, len(globalIDs))
	for _, id := range globalIDs {
		ids[id] = true
	}
	for i := range s.events {
		if s.events[i].WorkflowType == workflowType && ids[s.events[i].GlobalID] {
			s.events[i].Pushed = true
		}
	}
	return nil
}

func (s *MemStore) UnpushedCount(_ context.Context, workflowType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.events {
		if e.WorkflowType == workflowType && !e.Pushed {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) OldestUnpushedAge(_ context.Context, workflowType string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, e := range s.events {
		if e.WorkflowType == workflowType && !e.Pushed && (oldest.IsZero() || e.At.Before(oldest)) {
			oldest = e.At
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	age := s.Now().UTC().Sub(oldest)
	if age < 0 {
		age = 0
	}
	return age, nil
}

func (s *MemStore) MarkForRepublish(_ context.Context, workflowID string, minGlobalID, maxGlobalID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.events {
		e := &s.events[i]
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		if minGlobalID > 0 && e.GlobalID < minGlobalID {
			continue
		}
		if maxGlobalID > 0 && e.GlobalID > maxGlobalID {
			continue
		}
		e.Pushed = false
		n++
	}
	return n, nil
}

func (s *MemStore) CreateScalingOperation(_ context.Context, row store.ScalingOperationRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.scaling[row.WorkflowType]; ok {
		if cur.Status == store.ScalingPending || cur.Status == store.ScalingSynchronizing {
			return workflow.ErrAlreadyExists
		}
	}
	now := s.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	s.scaling[row.WorkflowType] = row
	return nil
}

func (s *MemStore) UpdateScalingStatus(_ context.Context, workflowType, status string, targetOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.scaling[workflowType]; ok {
		row.Status = status
		row.TargetOffset = targetOffset
		row.UpdatedAt = s.Now().UTC()
		s.scaling[workflowType] = row
	}
	return nil
}

func (s *MemStore) ActiveScalingOperation(_ context.Context, workflowType string) (*store.ScalingOperationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.scaling[workflowType]
	if !ok || (row.Status != store.ScalingPending && row.Status != store.ScalingSynchronizing) {
		return nil, workflow.ErrNotFound
	}
	return &row, nil
}

func (s *MemStore) ClearScalingOperation(_ context.Context, workflowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scaling, workflowType)
	return nil
}

func (s *MemStore) DeleteEventsBatch(_ context.Context, b store.TruncationBatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	kept := s.events[:0]
	for _, e := range s.events {
		match := e.WorkflowID == b.WorkflowID &&
			e.WorkflowVersion < b.BelowVersion &&
			e.GlobalID < b.MaxGlobalID &&
			e.At.Before(b.OlderThan) &&
			(!b.RequirePushed || e.Pushed)
		if match && (b.Limit <= 0 || deleted < int64(b.Limit)) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

func (s *MemStore) AdvisoryLock(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return false, nil
	}
	s.locks[key] = true
	return true, nil
}

func (s *MemStore) AdvisoryUnlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

// AllEvents copies the full log, for assertions.
func (s *MemStore) AllEvents() []store.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.StoredEvent, len(s.events))
	copy(out, s.events)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
