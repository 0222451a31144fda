package workflow

import (
	"encoding/json"
	"time"
)

// Event type tags owned by the engine. They are pinned: stored events and
// stream consumers depend on the exact strings.
const (
	TypeSystemPause                 = "system_pause"
	TypeSystemResume                = "system_resume"
	TypeSystemCancel                = "system_cancel"
	TypeSystemContinueAsNew         = "system_continue_as_new"
	TypeSubscriptionAdded           = "subscription_added"
	TypeSubscriptionRemoved         = "subscription_removed"
	TypeExternalSubscriptionAdded   = "external_subscription_added"
	TypeExternalSubscriptionRemoved = "external_subscription_removed"
	TypeScheduleAdded               = "schedule_added"
	TypeScheduleRemoved             = "schedule_removed"
	TypeDelayComplete               = "delay_complete"
	TypeCancelSchedule              = "cancel_schedule"
	TypeActionCancel                = "action_cancel"
)

// SystemPause records that a workflow was paused externally.
type SystemPause struct {
	Reason string `json:"reason,omitempty"`
}

func (SystemPause) EventType() string { return TypeSystemPause }

// SystemResume records that a paused workflow was resumed.
type SystemResume struct{}

func (SystemResume) EventType() string { return TypeSystemResume }

// SystemCancel records that a workflow was cancelled externally. Folding
// it also drops all pending schedules.
type SystemCancel struct {
	Reason string `json:"reason,omitempty"`
}

func (SystemCancel) EventType() string { return TypeSystemCancel }

// ContinueAsNew resets a workflow's event log while preserving state.
// After it is written the history is truncated behind a snapshot and the
// instance continues with the same version counter. NewWorkflowType
// optionally migrates the instance to another type.
type ContinueAsNew struct {
	Reason          string `json:"reason,omitempty"`
	NewWorkflowType string `json:"new_workflow_type,omitempty"`
}

func (ContinueAsNew) EventType() string { return TypeSystemContinueAsNew }

// SubscriptionAdded is emitted from Decide to add a subscription. The
// fold updates state and the append updates the subscription table.
type SubscriptionAdded struct {
	Sub Sub `json:"sub"`
}

func (SubscriptionAdded) EventType() string { return TypeSubscriptionAdded }

// SubscriptionRemoved is emitted from Decide to remove a subscription.
// Removal matches every field of the Sub, tag filters included.
type SubscriptionRemoved struct {
	Sub Sub `json:"sub"`
}

func (SubscriptionRemoved) EventType() string { return TypeSubscriptionRemoved }

// ExternalSubscriptionAdded subscribes the workflow to an external topic.
type ExternalSubscriptionAdded struct {
	Sub ExternalSub `json:"sub"`
}

func (ExternalSubscriptionAdded) EventType() string { return TypeExternalSubscriptionAdded }

// ExternalSubscriptionRemoved drops an external topic subscription.
type ExternalSubscriptionRemoved struct {
	Topic string `json:"topic"`
}

func (ExternalSubscriptionRemoved) EventType() string { return TypeExternalSubscriptionRemoved }

// ScheduleAdded is emitted from Decide to add a cron schedule directly.
type ScheduleAdded struct {
	Schedule Schedule `json:"schedule"`
}

func (ScheduleAdded) EventType() string { return TypeScheduleAdded }

// ScheduleRemoved drops a cron schedule by delay id.
type ScheduleRemoved struct {
	DelayID string `json:"delay_id"`
}

func (ScheduleRemoved) EventType() string { return TypeScheduleRemoved }

// DelayComplete is appended by the delay scheduler when a timer expires.
// Workflows receive it; they never emit it. The embedded command is what
// the emitting delay asked to run next.
type DelayComplete struct {
	DelayID         string          `json:"delay_id"`
	At              time.Time       `json:"at"`
	NextCommandType string          `json:"next_cmd_type"`
	NextCommand     json.RawMessage `json:"next_cmd"`
}

func (DelayComplete) EventType() string { return TypeDelayComplete }

// CancelSchedule is emitted by a workflow to cancel a recurring schedule.
type CancelSchedule struct {
	DelayID string `json:"delay_id"`
}

func (CancelSchedule) EventType() string { return TypeCancelSchedule }

// ActionCancel is emitted by a workflow to cancel its in-flight actions.
// An empty EventNumbers cancels every action of the workflow; otherwise
// only actions for the listed event versions are cancelled.
type ActionCancel struct {
	EventNumbers []int `json:"event_numbers,omitempty"`
}

func (ActionCancel) EventType() string { return TypeActionCancel }
