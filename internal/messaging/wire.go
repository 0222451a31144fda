// Package messaging connects the event log to NATS JetStream: an outbox
// publisher mirrors appended events onto per-type streams, a
// reconciliation loop watches for events stuck unpushed, and a consumer
// turns inbound subjects into workflow commands.
package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Message headers carried on every published event. The body is the
// sealed event payload; readers decode it with the same codec that wrote
// the log, so compression and encryption survive the broker hop.
const (
	HeaderWorkflowID      = "workflow_id"
	HeaderWorkflowType    = "workflow_type"
	HeaderWorkflowVersion = "workflow_version"
	HeaderEventType       = "event_type"
	HeaderGlobalID        = "global_id"
	HeaderSchemaVersion   = "schema_version"
	HeaderAt              = "at"
	HeaderMetadata        = "metadata"
)

// Stream retention for both event and external-message streams.
const (
	streamMaxAge     = 24 * time.Hour
	streamDuplicates = 5 * time.Minute
)

// EventSubject is where one event type of one workflow type is published.
func EventSubject(workflowType, eventType string) string {
	return fmt.Sprintf("events.%s.%s", workflowType, eventType)
}

// EventSubjectWildcard matches every event of one workflow type.
func EventSubjectWildcard(workflowType string) string {
	return fmt.Sprintf("events.%s.*", workflowType)
}

// EventStreamName is the JetStream stream holding one type's events.
func EventStreamName(workflowType string) string {
	return fmt.Sprintf("%s_stream", workflowType)
}

// ExternalStreamName is the stream holding inbound messages for one type.
func ExternalStreamName(workflowType string) string {
	return fmt.Sprintf("external_%s", workflowType)
}

// ExternalSubjectRoot matches every inbound message subject for one type.
func ExternalSubjectRoot(workflowType string) string {
	return fmt.Sprintf("messages.%s.>", workflowType)
}

// MsgID builds the Nats-Msg-Id used for broker-side deduplication. The
// (workflow_id, workflow_version) pair is unique per event, so redelivered
// publishes collapse inside the duplicate window.
func MsgID(workflowID string, workflowVersion int64) string {
	return fmt.Sprintf("%s:%d", workflowID, workflowVersion)
}

// EnsureEventStream creates the per-type event stream if it does not
// exist: file storage, 24h retention, 5m dedup window.
func EnsureEventStream(js nats.JetStreamContext, workflowType string) error {
	return ensureStream(js, EventStreamName(workflowType), EventSubjectWildcard(workflowType))
}

// EnsureExternalStream creates the inbound message stream for one type.
func EnsureExternalStream(js nats.JetStreamContext, name, workflowType string) error {
	if name == "" {
		name = ExternalStreamName(workflowType)
	}
	return ensureStream(js, name, ExternalSubjectRoot(workflowType))
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Storage:    nats.FileStorage,
		MaxAge:     streamMaxAge,
		Duplicates: streamDuplicates,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}
