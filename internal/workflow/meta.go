package workflow

import "encoding/json"

// Lifecycle is the engine-managed phase of a workflow instance.
type Lifecycle string

const (
	LifecycleActive    Lifecycle = "active"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleCancelled Lifecycle = "cancelled"
)

// Wildcard matches any workflow id or event type in a subscription.
const Wildcard = "*"

// Sub subscribes a workflow to events emitted by other workflows.
// WorkflowID and EventType accept the "*" wildcard. Sub values are
// immutable once created.
type Sub struct {
	EventType  string   `json:"event_type"`
	WorkflowID string   `json:"workflow_id"`
	Tags       []string `json:"tags,omitempty"`
	TagsAll    []string `json:"tags_all,omitempty"`
}

// MatchesTags evaluates the subscription's tag filters over the union of
// event and workflow tags. Tags requires at least one match, TagsAll
// requires every entry to match. Empty filters always pass.
func (s Sub) MatchesTags(eventTags, workflowTags []string) bool {
	all := make(map[string]struct{}, len(eventTags)+len(workflowTags))
	for _, t := range eventTags {
		all[t] = struct{}{}
	}
	for _, t := range workflowTags {
		all[t] = struct{}{}
	}
	if len(s.Tags) > 0 {
		matched := false
		for _, t := range s.Tags {
			if _, ok := all[t]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, t := range s.TagsAll {
		if _, ok := all[t]; !ok {
			return false
		}
	}
	return true
}

// Equal reports full-field equality, including tag filters in order.
func (s Sub) Equal(o Sub) bool {
	return s.WorkflowID == o.WorkflowID &&
		s.EventType == o.EventType &&
		stringsEqual(s.Tags, o.Tags) &&
		stringsEqual(s.TagsAll, o.TagsAll)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ExternalSub subscribes a workflow to an external message topic.
type ExternalSub struct {
	Topic string `json:"topic"`
}

// Schedule is a recurring delay tracked in workflow state. The state copy
// is the source of truth; the scheduler's table rows are derived from it.
type Schedule struct {
	ID              string          `json:"id"`
	CronExpression  string          `json:"cron_expression"`
	Timezone        string          `json:"timezone,omitempty"`
	NextCommandType string          `json:"next_cmd_type"`
	NextCommand     json.RawMessage `json:"next_cmd"`
}

// Meta is the engine-owned slice of workflow state.
type Meta struct {
	Lifecycle             Lifecycle     `json:"lifecycle,omitempty"`
	Subscriptions         []Sub         `json:"subscriptions,omitempty"`
	ExternalSubscriptions []ExternalSub `json:"external_subscriptions,omitempty"`
	Schedules             []Schedule    `json:"schedules,omitempty"`
}

// Copy returns a deep copy of m. Sub and Schedule values are treated as
// immutable, so only the slices themselves are duplicated.
func (m Meta) Copy() Meta {
	cp := m
	if m.Subscriptions != nil {
		cp.Subscriptions = append([]Sub(nil), m.Subscriptions...)
	}
	if m.ExternalSubscriptions != nil {
		cp.ExternalSubscriptions = append([]ExternalSub(nil), m.ExternalSubscriptions...)
	}
	if m.Schedules != nil {
		cp.Schedules = append([]Schedule(nil), m.Schedules...)
	}
	return cp
}

// Base is embedded by workflow state types; it carries Meta and provides
// the accessor half of the State interface.
type Base struct {
	StateMeta Meta `json:"meta"`
}

// Meta returns the engine-owned part of the state.
func (b *Base) Meta() *Meta { return &b.StateMeta }

// CopyBase returns a Base with a deep-copied Meta, for use in Clone
// implementations.
func (b Base) CopyBase() Base {
	return Base{StateMeta: b.StateMeta.Copy()}
}

// BaseState carries only engine bookkeeping. The fold produces one when
// an engine event arrives before any domain state exists.
type BaseState struct {
	Base
}

// Clone implements State.
func (s *BaseState) Clone() State {
	return &BaseState{Base: s.CopyBase()}
}

func newBaseState() *BaseState {
	return &BaseState{Base: Base{StateMeta: Meta{Lifecycle: LifecycleActive}}}
}
