package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a workflow has no events.
	ErrNotFound = errors.New("workflow not found")

	// ErrAlreadyExists is returned when creating a workflow whose id
	// already has events.
	ErrAlreadyExists = errors.New("workflow already exists")

	// ErrWorkflowPaused rejects commands against a paused workflow.
	ErrWorkflowPaused = errors.New("workflow is paused")

	// ErrWorkflowCancelled rejects commands against a cancelled workflow.
	ErrWorkflowCancelled = errors.New("workflow is cancelled")

	// ErrVersionConflict signals a concurrent append on the same
	// workflow; command processing retries it internally.
	ErrVersionConflict = errors.New("workflow version conflict")

	// ErrOffsetConflict signals that a reader's committed offset moved
	// underneath it, meaning two processes claim the same reader name.
	ErrOffsetConflict = errors.New("reader offset conflict")

	// ErrInvalidCron is returned for cron expressions the schedule
	// parser refuses.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrSchemaUpcast is returned when a stored event cannot be migrated
	// to the current schema version.
	ErrSchemaUpcast = errors.New("event schema upcast failed")
)

// Rejection is a business refusal from Decide. It travels as an error but
// is an expected outcome, not an infrastructure failure; callers match it
// with errors.As or IsRejection.
type Rejection struct {
	Msg string `json:"msg"`
}

func (r *Rejection) Error() string {
	if r.Msg == "" {
		return "command rejected"
	}
	return "command rejected: " + r.Msg
}

// Reject builds a Rejection with a formatted message.
func Reject(format string, args ...any) *Rejection {
	return &Rejection{Msg: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a business rejection, including
// duplicate creation, rather than an infrastructure failure.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r) || errors.Is(err, ErrAlreadyExists)
}
