package workflow

import "time"

// Metadata keys stamped on stored events.
const (
	// MetadataEventTags carries tags attached to the individual event.
	MetadataEventTags = "tags"
	// MetadataWorkflowTags carries the emitting workflow's tags, injected
	// at append time so subscription matching needs no extra lookups.
	MetadataWorkflowTags = "workflow_tags"
)

// ConsumedEvent is one event delivered from a per-type stream together
// with its envelope columns from the log.
type ConsumedEvent struct {
	GlobalID        int64
	WorkflowID      string
	WorkflowType    string
	WorkflowVersion int
	EventType       string
	SchemaVersion   int
	Metadata        map[string]any
	At              time.Time

	// Event is the decoded body.
	Event Event
}

// EventTags returns the tags attached to this event's metadata.
func (c ConsumedEvent) EventTags() []string {
	return metadataStrings(c.Metadata, MetadataEventTags)
}

// WorkflowTags returns the emitting workflow's tags from the metadata.
func (c ConsumedEvent) WorkflowTags() []string {
	return metadataStrings(c.Metadata, MetadataWorkflowTags)
}

// metadataStrings tolerates both []string and the []any that JSON
// decoding produces.
func metadataStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
