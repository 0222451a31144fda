// Package workflow defines the core model shared by the engine: events,
// commands, state, and the fold that derives state from the event log.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is a domain or engine event appended to a workflow's log.
// Implementations are plain structs with value receivers so they can be
// serialized and compared.
type Event interface {
	EventType() string
}

// Command requests a state transition on a workflow instance.
type Command interface {
	CommandType() string
}

// State is the folded view of a workflow's event log. Embed Base to get
// the Meta accessor; Clone must deep-copy everything the engine may edit.
type State interface {
	Meta() *Meta
	Clone() State
}

// Definition describes one workflow type to the engine.
type Definition interface {
	// Name is the workflow type, used in storage, reader names, and
	// stream subjects.
	Name() string

	// SchemaVersion is stamped on stored events. Raise it together with
	// an Upcaster when event schemas change.
	SchemaVersion() int

	// Decide validates cmd against state (nil = not yet created) and
	// returns the resulting events. Business refusals are returned as a
	// *Rejection error; infrastructure failures as any other error.
	Decide(state State, cmd Command) ([]Event, error)

	// Evolve applies an event the engine fold does not handle itself.
	// It may mutate state in place and return it; the engine always
	// folds on a clone. A nil state means the first event of a new
	// instance.
	Evolve(state State, event Event) State

	// EventToCommand maps a consumed stream event to a follow-up command
	// for a subscribing workflow. Returning nil ignores the event.
	EventToCommand(e ConsumedEvent) Command

	// IsFinalEvent reports whether e terminates the instance.
	IsFinalEvent(e Event) bool
}

// Upcaster migrates event bodies stored at older schema versions.
// Definitions implement it when SchemaVersion moves past 1.
type Upcaster interface {
	// Upcast rewrites a stored body from fromVersion to the current
	// schema. body is the decoded JSON envelope payload.
	Upcast(eventType string, fromVersion int, body []byte) ([]byte, error)
}

// Tagger contributes workflow tags that are recorded in event metadata
// on append and used for tag-filtered subscription matching.
type Tagger interface {
	Tags(state State) []string
}

// TaggedEvent lets individual events carry tags of their own. They land in
// the event's metadata next to the workflow tags and feed the same
// subscription tag filters.
type TaggedEvent interface {
	Event
	EventTags() []string
}

// DelaySpec describes a timer requested by a DelayEvent. When
// CronExpression is set the timer recurs and is tracked as a Schedule in
// the workflow's Meta.
type DelaySpec struct {
	// ID identifies the delay within the workflow; re-emitting with the
	// same ID replaces the pending timer.
	ID             string
	Until          time.Time
	NextCommand    Command
	CronExpression string
	// Timezone is an IANA zone name for cron evaluation; empty means UTC.
	Timezone string
}

// DelayEvent marks events that arm a timer when appended. The scheduler
// feeds NextCommand back to the workflow once the timer expires.
type DelayEvent interface {
	Event
	Delay() DelaySpec
}

// DirectMessageEvent marks events addressed to a single workflow
// instance instead of the subscription table.
type DirectMessageEvent interface {
	Event
	Target() (workflowType, workflowID string)
}

// EncodeCommand serializes a command to its wire form: the type tag plus
// the JSON body. Decoding back requires a codec registry.
func EncodeCommand(cmd Command) (string, json.RawMessage, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return "", nil, err
	}
	return cmd.CommandType(), raw, nil
}

// ValidateDefinition rejects definitions whose name or schema version
// would break downstream identifiers. The name becomes a NATS subject
// token and part of reader names, so dots, wildcards, and whitespace
// are out.
func ValidateDefinition(def Definition) error {
	name := def.Name()
	if name == "" {
		return fmt.Errorf("workflow definition has an empty name")
	}
	if strings.ContainsAny(name, ".*> \t\r\n") {
		return fmt.Errorf("workflow type %q contains characters not allowed in stream subjects", name)
	}
	if def.SchemaVersion() < 1 {
		return fmt.Errorf("workflow type %q declares schema version %d, want >= 1", name, def.SchemaVersion())
	}
	return nil
}
