package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]any

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// RetryPolicyJSON stores a workflow.RetryPolicy as a jsonb column.
type RetryPolicyJSON struct {
	workflow.RetryPolicy
}

// Value implements the driver.Valuer interface.
func (p RetryPolicyJSON) Value() (driver.Value, error) {
	return json.Marshal(p.RetryPolicy)
}

// Scan implements the sql.Scanner interface.
func (p *RetryPolicyJSON) Scan(value any) error {
	if value == nil {
		p.RetryPolicy = workflow.RetryPolicy{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into RetryPolicyJSON", value)
	}
	return json.Unmarshal(bytes, &p.RetryPolicy)
}

// IsZero reports whether no policy was stored for the row.
func (p RetryPolicyJSON) IsZero() bool {
	return p.RetryPolicy == workflow.RetryPolicy{}
}

// StoredEvent is one row of the events table. Body is the codec-encoded
// event payload; Metadata carries the event and workflow tags.
type StoredEvent struct {
	GlobalID        int64     `db:"global_id"`
	WorkflowID      string    `db:"workflow_id"`
	WorkflowType    string    `db:"workflow_type"`
	WorkflowVersion int       `db:"workflow_version"`
	EventType       string    `db:"event_type"`
	SchemaVersion   int       `db:"schema_version"`
	Body            []byte    `db:"body"`
	Metadata        JSONB     `db:"metadata"`
	Pushed          bool      `db:"pushed"`
	At              time.Time `db:"at"`
}

// SnapshotRow is a durable state snapshot for one workflow, upserted in
// place. SchemaVersion records the definition version the state was
// encoded under; loads ignore snapshots with an older schema.
type SnapshotRow struct {
	WorkflowID    string    `db:"workflow_id"`
	WorkflowType  string    `db:"workflow_type"`
	Version       int       `db:"version"`
	SchemaVersion int       `db:"schema_version"`
	State         []byte    `db:"state"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// SnapshotRef identifies a snapshot without its state payload.
type SnapshotRef struct {
	WorkflowID string `db:"workflow_id"`
	Version    int    `db:"version"`
}

// SubscriptionRow is one standing subscription: WorkflowID wants events of
// EventType from SourceWorkflowID, either of which may be the wildcard "*".
// Tags matches when any tag is present on the event, TagsAll when all are.
type SubscriptionRow struct {
	WorkflowID       string         `db:"workflow_id"`
	WorkflowType     string         `db:"workflow_type"`
	EventType        string         `db:"event_type"`
	SourceWorkflowID string         `db:"source_workflow_id"`
	Tags             pq.StringArray `db:"tags"`
	TagsAll          pq.StringArray `db:"tags_all"`
}

// ExternalSubscriptionRow subscribes a workflow to an external message topic.
type ExternalSubscriptionRow struct {
	WorkflowID   string `db:"workflow_id"`
	WorkflowType string `db:"workflow_type"`
	Topic        string `db:"topic"`
}

// Activity record statuses.
const (
	ActivityPending   = "pending"
	ActivityRunning   = "running"
	ActivityCompleted = "completed"
	ActivityFailed    = "failed"
	ActivityRetrying  = "retrying"
	ActivityCancelled = "cancelled"
)

// ActivityRow tracks one activity execution, keyed by the workflow and the
// version of the event that triggered it.
type ActivityRow struct {
	WorkflowID    string          `db:"workflow_id"`
	EventNumber   int             `db:"event_number"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	MaxRetries    int             `db:"max_retries"`
	Checkpoint    JSONB           `db:"checkpoint"`
	RetryPolicy   RetryPolicyJSON `db:"retry_policy"`
	ErrorMessage  string          `db:"error_message"`
	ErrorType     string          `db:"error_type"`
	Result        []byte          `db:"result"`
	RunnerID      string          `db:"runner_id"`
	StartedAt     time.Time       `db:"started_at"`
	LastAttemptAt *time.Time      `db:"last_attempt_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
	FinishedAt    *time.Time      `db:"finished_at"`
}

// DelayScheduleRow is one pending delay. One-shot delays are deleted after
// firing; cron delays carry CronExpression and are rescheduled instead.
type DelayScheduleRow struct {
	WorkflowID      string    `db:"workflow_id"`
	DelayID         string    `db:"delay_id"`
	WorkflowType    string    `db:"workflow_type"`
	DelayUntil      time.Time `db:"delay_until"`
	EventVersion    int       `db:"event_version"`
	NextCommandType string    `db:"next_command_type"`
	NextCommand     []byte    `db:"next_command"`
	CronExpression  string    `db:"cron_expression"`
	Timezone        string    `db:"timezone"`
	CreatedAt       time.Time `db:"created_at"`
}

// OffsetRow is a durable reader cursor over one workflow type's global_id
// sequence.
type OffsetRow struct {
	Reader          string `db:"reader"`
	LastReadEventNo int64  `db:"last_read_event_no"`
}

// WorkflowMetadataRow holds creation-time workflow tags used for tag-based
// subscription matching.
type WorkflowMetadataRow struct {
	WorkflowID   string         `db:"workflow_id"`
	WorkflowType string         `db:"workflow_type"`
	Tags         pq.StringArray `db:"tags"`
	CreatedAt    time.Time      `db:"created_at"`
}

// Scaling operation statuses.
const (
	ScalingPending       = "pending"
	ScalingSynchronizing = "synchronizing"
	ScalingCompleted     = "completed"
	ScalingFailed        = "failed"
)

// ScalingOperationRow coordinates partition scaling: runners poll it and
// stop at TargetOffset so partitions can be rebalanced at a known point.
type ScalingOperationRow struct {
	WorkflowType string    `db:"workflow_type"`
	TargetOffset int64     `db:"target_offset"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
