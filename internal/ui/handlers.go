package ui

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

var errMissingDB = errors.New("ui: database connection required")

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// limitParam parses ?limit= with a default and a hard cap.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// eventView renders a stored event. Bodies are attached only when stored
// as plain JSON; encrypted or compressed bodies report their size only.
type eventView struct {
	GlobalID        int64           `json:"global_id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowType    string          `json:"workflow_type"`
	WorkflowVersion int             `json:"workflow_version"`
	EventType       string          `json:"event_type"`
	SchemaVersion   int             `json:"schema_version"`
	Metadata        store.JSONB     `json:"metadata,omitempty"`
	Pushed          bool            `json:"pushed"`
	At              time.Time       `json:"at"`
	BodySize        int             `json:"body_size"`
	Body            json.RawMessage `json:"body,omitempty"`
}

func eventViewOf(row store.StoredEvent, includeBody bool) eventView {
	v := eventView{
		GlobalID:        row.GlobalID,
		WorkflowID:      row.WorkflowID,
		WorkflowType:    row.WorkflowType,
		WorkflowVersion: row.WorkflowVersion,
		EventType:       row.EventType,
		SchemaVersion:   row.SchemaVersion,
		Metadata:        row.Metadata,
		Pushed:          row.Pushed,
		At:              row.At,
		BodySize:        len(row.Body),
	}
	if includeBody && json.Valid(row.Body) {
		v.Body = json.RawMessage(row.Body)
	}
	return v
}

func eventViewsOf(rows []store.StoredEvent, includeBody bool) []eventView {
	out := make([]eventView, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventViewOf(row, includeBody))
	}
	return out
}

type activityView struct {
	WorkflowID    string      `json:"workflow_id"`
	EventNumber   int         `json:"event_number"`
	Status        string      `json:"status"`
	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	Checkpoint    store.JSONB `json:"checkpoint,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	ErrorType     string      `json:"error_type,omitempty"`
	RunnerID      string      `json:"runner_id,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time  `json:"next_retry_at,omitempty"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

func activityViewsOf(rows []store.ActivityRow) []activityView {
	out := make([]activityView, 0, len(rows))
	for _, a := range rows {
		out = append(out, activityView{
			WorkflowID:    a.WorkflowID,
			EventNumber:   a.EventNumber,
			Status:        a.Status,
			RetryCount:    a.RetryCount,
			MaxRetries:    a.MaxRetries,
			Checkpoint:    a.Checkpoint,
			ErrorMessage:  a.ErrorMessage,
			ErrorType:     a.ErrorType,
			RunnerID:      a.RunnerID,
			StartedAt:     a.StartedAt,
			LastAttemptAt: a.LastAttemptAt,
			NextRetryAt:   a.NextRetryAt,
			FinishedAt:    a.FinishedAt,
		})
	}
	return out
}

// delayView omits the encoded command payload; the type tag is enough
// for monitoring.
type delayView struct {
	WorkflowID      string    `json:"workflow_id"`
	DelayID         string    `json:"delay_id"`
	WorkflowType    string    `json:"workflow_type"`
	DelayUntil      time.Time `json:"delay_until"`
	EventVersion    int       `json:"event_version"`
	NextCommandType string    `json:"next_command_type,omitempty"`
	CronExpression  string    `json:"cron_expression,omitempty"`
	Timezone        string    `json:"timezone,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func delayViewsOf(rows []store.DelayScheduleRow) []delayView {
	out := make([]delayView, 0, len(rows))
	for _, d := range rows {
		out = append(out, delayView{
			WorkflowID:      d.WorkflowID,
			DelayID:         d.DelayID,
			WorkflowType:    d.WorkflowType,
			DelayUntil:      d.DelayUntil,
			EventVersion:    d.EventVersion,
			NextCommandType: d.NextCommandType,
			CronExpression:  d.CronExpression,
			Timezone:        d.Timezone,
			CreatedAt:       d.CreatedAt,
		})
	}
	return out
}

type typeCount struct {
	WorkflowType string `db:"workflow_type" json:"workflow_type"`
	Workflows    int64  `db:"workflows" json:"workflows"`
}

func (s *Server) handleWorkflowTypes(w http.ResponseWriter, r *http.Request) {
	rows := []typeCount{}
	err := s.db.SelectContext(r.Context(), &rows,
		`SELECT workflow_type, COUNT(*) AS workflows
		 FROM workflow_metadata GROUP BY workflow_type ORDER BY workflow_type`)
	if err != nil {
		s.serverError(w, "list workflow types", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_types": rows})
}

type workflowSummary struct {
	WorkflowID    string         `db:"workflow_id" json:"workflow_id"`
	WorkflowType  string         `db:"workflow_type" json:"workflow_type"`
	Tags          pq.StringArray `db:"tags" json:"tags"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	Version       int            `db:"version" json:"version"`
	LastEventType *string        `db:"last_event_type" json:"last_event_type,omitempty"`
	LastEventAt   *time.Time     `db:"last_event_at" json:"last_event_at,omitempty"`
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := `SELECT m.workflow_id, m.workflow_type, m.tags, m.created_at,
			COALESCE(e.workflow_version, 0) AS version,
			e.event_type AS last_event_type, e.at AS last_event_at
		FROM workflow_metadata m
		LEFT JOIN LATERAL (
			SELECT workflow_version, event_type, at FROM events
			WHERE workflow_id = m.workflow_id
			ORDER BY workflow_version DESC LIMIT 1
		) e ON true`

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if t := q.Get("workflow_type"); t != "" {
		conds = append(conds, "m.workflow_type = "+arg(t))
	}
	if tag := q.Get("tag"); tag != "" {
		conds = append(conds, arg(tag)+" = ANY(m.tags)")
	}
	if topic := q.Get("topic"); topic != "" {
		conds = append(conds, `EXISTS (SELECT 1 FROM external_subscriptions x
			WHERE x.workflow_id = m.workflow_id AND x.topic = `+arg(topic)+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY m.created_at DESC, m.workflow_id LIMIT " + arg(limitParam(r))
	if off, err := strconv.Atoi(q.Get("offset")); err == nil && off > 0 {
		query += " OFFSET " + arg(off)
	}

	rows := []workflowSummary{}
	if err := s.db.SelectContext(r.Context(), &rows, query, args...); err != nil {
		s.serverError(w, "list workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": rows})
}

type metadataRow struct {
	WorkflowID   string         `db:"workflow_id"`
	WorkflowType string         `db:"workflow_type"`
	Tags         pq.StringArray `db:"tags"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	var meta metadataRow
	err := s.db.GetContext(ctx, &meta,
		`SELECT workflow_id, workflow_type, tags, created_at
		 FROM workflow_metadata WHERE workflow_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.serverError(w, "load workflow", err)
		return
	}

	version, err := s.st.LastVersion(ctx, id)
	if err != nil {
		s.serverError(w, "load workflow version", err)
		return
	}
	schedules, err := s.st.ListSchedules(ctx, id)
	if err != nil {
		s.serverError(w, "load workflow schedules", err)
		return
	}

	resp := map[string]any{
		"workflow_id":   meta.WorkflowID,
		"workflow_type": meta.WorkflowType,
		"tags":          meta.Tags,
		"created_at":    meta.CreatedAt,
		"version":       version,
		"delays":        delayViewsOf(schedules),
	}
	if snap, err := s.st.LatestSnapshot(ctx, id, 0); err == nil && snap != nil {
		resp["snapshot_version"] = snap.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))

	rows, err := s.st.LoadEvents(r.Context(), id, after, 0)
	if err != nil {
		s.serverError(w, "load workflow events", err)
		return
	}
	includeBody := strings.EqualFold(r.URL.Query().Get("include_body"), "true")
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"events":      eventViewsOf(rows, includeBody),
	})
}

func (s *Server) handleWorkflowState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	var wfType string
	err := s.db.GetContext(ctx, &wfType,
		`SELECT workflow_type FROM workflow_metadata WHERE workflow_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.serverError(w, "resolve workflow type", err)
		return
	}
	loader, ok := s.states[wfType]
	if !ok {
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("state decoding not configured for workflow type %q", wfType))
		return
	}

	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil || version <= 0 {
		if version, err = s.st.LastVersion(ctx, id); err != nil {
			s.serverError(w, "resolve workflow version", err)
			return
		}
	}

	ss, err := loader.LoadState(ctx, id, version)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no state at that version")
		return
	}
	if err != nil {
		s.serverError(w, "load workflow state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id":   id,
		"workflow_type": wfType,
		"version":       ss.Version,
		"state":         ss.State,
	})
}

func (s *Server) handleWorkflowActivities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rows, err := s.st.ListActivities(r.Context(), store.ActivityFilter{
		WorkflowID: id,
		Limit:      limitParam(r),
	})
	if err != nil {
		s.serverError(w, "list workflow activities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"activities":  activityViewsOf(rows),
	})
}

// handleEvents tails one workflow type's stream in global_id order. With
// no cursor it starts so the newest page fills the response.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wfType := q.Get("workflow_type")
	if wfType == "" {
		writeError(w, http.StatusBadRequest, "workflow_type required")
		return
	}
	limit := limitParam(r)
	ctx := r.Context()

	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	} else {
		maxID, err := s.st.MaxGlobalID(ctx, wfType)
		if err != nil {
			s.serverError(w, "resolve stream head", err)
			return
		}
		if after = maxID - int64(limit); after < 0 {
			after = 0
		}
	}

	lq := store.ListQuery{WorkflowType: wfType, AfterGlobalID: after, Limit: limit}
	if et := q.Get("event_type"); et != "" {
		lq.EventTypes = strings.Split(et, ",")
	}
	rows, err := s.st.ListEvents(ctx, lq)
	if err != nil {
		s.serverError(w, "list events", err)
		return
	}
	includeBody := strings.EqualFold(q.Get("include_body"), "true")
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_type": wfType,
		"after":         after,
		"events":        eventViewsOf(rows, includeBody),
	})
}

// handleEvent looks up a single event. Global ids are per workflow type,
// so the type is a required parameter.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	wfType := r.URL.Query().Get("workflow_type")
	if wfType == "" {
		writeError(w, http.StatusBadRequest, "workflow_type required")
		return
	}
	globalID, err := strconv.ParseInt(r.PathValue("globalID"), 10, 64)
	if err != nil || globalID <= 0 {
		writeError(w, http.StatusBadRequest, "global id must be a positive integer")
		return
	}

	rows, err := s.st.ListEvents(r.Context(), store.ListQuery{
		WorkflowType:  wfType,
		AfterGlobalID: globalID - 1,
		Limit:         1,
	})
	if err != nil {
		s.serverError(w, "load event", err)
		return
	}
	if len(rows) == 0 || rows[0].GlobalID != globalID {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, eventViewOf(rows[0], true))
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	f := store.ActivityFilter{Limit: limitParam(r)}
	if status := r.URL.Query().Get("status"); status != "" {
		f.Statuses = strings.Split(status, ",")
	}
	rows, err := s.st.ListActivities(r.Context(), f)
	if err != nil {
		s.serverError(w, "list activities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activityViewsOf(rows)})
}

func (s *Server) handleDelays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wfType := q.Get("workflow_type")
	if wfType == "" {
		writeError(w, http.StatusBadRequest, "workflow_type required")
		return
	}
	// The due-schedules query is a <= bound, so a far-future horizon
	// lists everything pending.
	horizon := time.Now().UTC().Add(10 * 365 * 24 * time.Hour)
	if v := q.Get("due_before"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "due_before must be RFC 3339")
			return
		}
		horizon = parsed
	}
	rows, err := s.st.DueSchedules(r.Context(), wfType, horizon, limitParam(r))
	if err != nil {
		s.serverError(w, "list delays", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_type": wfType,
		"delays":        delayViewsOf(rows),
	})
}

type typeStats struct {
	WorkflowType string `db:"workflow_type" json:"-"`
	Workflows    int64  `db:"workflows" json:"workflows"`
	Events       int64  `db:"events" json:"events"`
	MaxGlobalID  int64  `db:"max_global_id" json:"max_global_id"`
	Unpushed     int64  `db:"unpushed" json:"unpushed"`
	Delays       int64  `db:"delays" json:"delays"`
}

type statusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"count"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	types := []typeStats{}
	err := s.db.SelectContext(ctx, &types,
		`SELECT e.workflow_type,
			COUNT(DISTINCT e.workflow_id) AS workflows,
			COUNT(*) AS events,
			MAX(e.global_id) AS max_global_id,
			COUNT(*) FILTER (WHERE NOT e.pushed) AS unpushed,
			(SELECT COUNT(*) FROM delay_schedules d
				WHERE d.workflow_type = e.workflow_type) AS delays
		 FROM events e GROUP BY e.workflow_type ORDER BY e.workflow_type`)
	if err != nil {
		s.serverError(w, "aggregate type stats", err)
		return
	}

	statuses := []statusCount{}
	err = s.db.SelectContext(ctx, &statuses,
		`SELECT status, COUNT(*) AS count FROM activities GROUP BY status`)
	if err != nil {
		s.serverError(w, "aggregate activity stats", err)
		return
	}

	byType := make(map[string]typeStats, len(types))
	for _, t := range types {
		byType[t.WorkflowType] = t
	}
	byStatus := make(map[string]int64, len(statuses))
	for _, sc := range statuses {
		byStatus[sc.Status] = sc.Count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_types": byType,
		"activities":     byStatus,
	})
}

// handleRetry rearms a dead-lettered activity. The executor's recovery
// loop picks the pending row up on its next sweep.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eventNumber, err := strconv.Atoi(r.PathValue("eventNumber"))
	if err != nil || eventNumber <= 0 {
		writeError(w, http.StatusBadRequest, "event number must be a positive integer")
		return
	}

	reset, err := s.st.ResetActivity(r.Context(), id, eventNumber)
	if err != nil {
		s.serverError(w, "reset activity", err)
		return
	}
	if !reset {
		writeError(w, http.StatusConflict, "activity is not in the failed state")
		return
	}
	s.logger.Info("Activity rearmed",
		zap.String("workflow_id", id), zap.Int("event_number", eventNumber))
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id":  id,
		"event_number": eventNumber,
		"status":       store.ActivityPending,
	})
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
