// Package activity runs side effects in response to workflow events. An
// Adapter declares which events it acts on and produces a stream of action
// items (commands, checkpoints, timeouts) per event; the Executor drives
// those streams on a worker pool with durable per-event records, retries
// with backoff, crash takeover and dead-lettering.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// ActionContext carries the durable bookkeeping of one action into the
// adapter: which event triggered it, how often it ran before and what the
// previous attempts checkpointed.
type ActionContext struct {
	WorkflowID  string
	EventNumber int
	// Checkpoint holds the merged checkpoint data persisted by earlier
	// attempts. Adapters read it to skip work already done.
	Checkpoint  map[string]any
	RetryCount  int
	RetryPolicy workflow.RetryPolicy
}

// ActionItem is one instruction emitted by an adapter while acting on an
// event.
type ActionItem interface {
	actionItem()
}

// CommandItem applies Cmd to the workflow the action belongs to. Rejections
// count as success so re-runs of an already-effective action converge.
type CommandItem struct {
	Cmd workflow.Command
}

// CheckpointItem merges Data into the action's checkpoint. With SaveNow the
// merged checkpoint is persisted before the next item is consumed, so a
// crash afterwards resumes behind this point; otherwise it is persisted
// with the final status write.
type CheckpointItem struct {
	Data    map[string]any
	SaveNow bool
}

// TimeoutItem bounds the wall-clock time of the remaining items of this
// attempt. A later TimeoutItem restarts the bound.
type TimeoutItem struct {
	Seconds float64
}

func (CommandItem) actionItem()    {}
func (CheckpointItem) actionItem() {}
func (TimeoutItem) actionItem()    {}

// Adapter reacts to events with side effects. ActOn returns a channel of
// items and a completion function: the executor consumes items until the
// channel closes, then calls the function for the attempt's terminal error.
// ActOn must close the channel when ctx is cancelled.
type Adapter interface {
	ShouldActOn(e workflow.Event) bool
	ActOn(ctx context.Context, ev workflow.ConsumedEvent, actx *ActionContext) (<-chan ActionItem, func() error)
}

// RetryPolicyProvider is an optional Adapter upgrade that picks the retry
// policy per event instead of using the executor default.
type RetryPolicyProvider interface {
	RetryPolicyFor(e workflow.Event) workflow.RetryPolicy
}

// Script is the convenience producer behind RunScript. Its methods emit
// action items in order and block until the executor consumed them, so a
// script observes its own checkpoints through Get right after emitting
// them.
type Script struct {
	ctx   context.Context
	items chan<- ActionItem
	view  map[string]any
}

// scriptStop unwinds a script goroutine whose executor went away.
type scriptStop struct {
	err error
}

// RunScript adapts a sequential function to the ActOn contract. fn runs on
// its own goroutine; every emission blocks until consumed; the returned
// error function waits for fn and reports its error. A panic inside fn is
// returned as an error, so executors treat it as a failed attempt rather
// than crashing.
func RunScript(ctx context.Context, actx *ActionContext, fn func(s *Script) error) (<-chan ActionItem, func() error) {
	items := make(chan ActionItem)
	done := make(chan struct{})
	s := &Script{ctx: ctx, items: items, view: cloneCheckpoint(actx.Checkpoint)}

	var err error
	go func() {
		defer close(done)
		defer close(items)
		defer func() {
			switch r := recover().(type) {
			case nil:
			case scriptStop:
				err = r.err
			default:
				err = fmt.Errorf("script panicked: %v", r)
			}
		}()
		err = fn(s)
	}()

	return items, func() error {
		<-done
		return err
	}
}

// Command emits a command against the acting workflow.
func (s *Script) Command(cmd workflow.Command) {
	s.emit(CommandItem{Cmd: cmd})
}

// Set merges one checkpoint key without forcing a write; it is persisted
// with the final status.
func (s *Script) Set(key string, value any) {
	s.merge(map[string]any{key: value}, false)
}

// Save merges checkpoint data and persists it immediately.
func (s *Script) Save(data map[string]any) {
	s.merge(data, true)
}

// Timeout bounds the rest of the script by d of wall-clock time.
func (s *Script) Timeout(d time.Duration) {
	s.emit(TimeoutItem{Seconds: d.Seconds()})
}

// Get reads a checkpoint value, seeing both earlier attempts and this run's
// own emissions.
func (s *Script) Get(key string) (any, bool) {
	v, ok := s.view[key]
	return v, ok
}

// Step runs fn unless a previous attempt already completed the step named
// name. Success is checkpointed immediately, so a crash or retry afterwards
// skips the step.
func (s *Script) Step(name string, fn func() error) error {
	if done, _ := s.view[name].(bool); done {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	s.merge(map[string]any{name: true}, true)
	return nil
}

func (s *Script) merge(data map[string]any, saveNow bool) {
	s.emit(CheckpointItem{Data: data, SaveNow: saveNow})
	if s.view == nil {
		s.view = make(map[string]any, len(data))
	}
	for k, v := range data {
		s.view[k] = v
	}
}

// emit hands one item to the executor. When the executor abandons the
// attempt it cancels ctx, which unwinds the script through a panic that
// RunScript converts back into an error.
func (s *Script) emit(item ActionItem) {
	select {
	case s.items <- item:
	case <-s.ctx.Done():
		panic(scriptStop{err: s.ctx.Err()})
	}
}

func cloneCheckpoint(cp map[string]any) map[string]any {
	if cp == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(cp))
	for k, v := range cp {
		out[k] = v
	}
	return out
}
