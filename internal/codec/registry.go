// Package codec serializes events, commands, and states for storage and
// transport. Bodies are JSON, optionally compressed with zstd and sealed
// with an authenticated cipher. Type tags map back to concrete Go types
// through a Registry.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/doomervibe/fleuve/internal/workflow"
)

// ErrUnknownType is returned when a type tag has no registered Go type.
var ErrUnknownType = errors.New("unregistered type tag")

// Registry maps type tags to concrete event and command types and
// workflow names to state prototypes. Registration happens once at
// startup; lookups are read-only afterwards, so no locking is needed.
type Registry struct {
	events   map[string]reflect.Type
	commands map[string]reflect.Type
	states   map[string]reflect.Type
}

// NewRegistry returns a registry preloaded with the engine's own events.
// Their tags are reserved; registering a domain event under one fails.
func NewRegistry() *Registry {
	r := &Registry{
		events:   make(map[string]reflect.Type),
		commands: make(map[string]reflect.Type),
		states:   make(map[string]reflect.Type),
	}
	system := []workflow.Event{
		workflow.SystemPause{},
		workflow.SystemResume{},
		workflow.SystemCancel{},
		workflow.ContinueAsNew{},
		workflow.SubscriptionAdded{},
		workflow.SubscriptionRemoved{},
		workflow.ExternalSubscriptionAdded{},
		workflow.ExternalSubscriptionRemoved{},
		workflow.ScheduleAdded{},
		workflow.ScheduleRemoved{},
		workflow.DelayComplete{},
		workflow.CancelSchedule{},
		workflow.ActionCancel{},
	}
	for _, ev := range system {
		r.events[ev.EventType()] = baseType(ev)
	}
	return r
}

func (r *Registry) put(m map[string]reflect.Type, tag string, proto any) error {
	if tag == "" {
		return fmt.Errorf("%T has an empty type tag", proto)
	}
	t := baseType(proto)
	if prev, ok := m[tag]; ok && prev != t {
		return fmt.Errorf("tag %q already registered to %s", tag, prev)
	}
	m[tag] = t
	return nil
}

// RegisterEvent records the concrete types behind each event tag.
// Events should use value receivers; decoded events come back as values.
func (r *Registry) RegisterEvent(protos ...workflow.Event) error {
	for _, p := range protos {
		if err := r.put(r.events, p.EventType(), p); err != nil {
			return fmt.Errorf("register event: %w", err)
		}
	}
	return nil
}

// RegisterCommand records the concrete types behind each command tag.
func (r *Registry) RegisterCommand(protos ...workflow.Command) error {
	for _, p := range protos {
		if err := r.put(r.commands, p.CommandType(), p); err != nil {
			return fmt.Errorf("register command: %w", err)
		}
	}
	return nil
}

// RegisterState records the state type for a workflow name so snapshots
// can be decoded.
func (r *Registry) RegisterState(workflowType string, proto workflow.State) error {
	if err := r.put(r.states, workflowType, proto); err != nil {
		return fmt.Errorf("register state: %w", err)
	}
	return nil
}

// RegisterWorkflow registers a definition's state prototype along with
// its events and commands in one call. protos entries must implement
// workflow.Event or workflow.Command.
func (r *Registry) RegisterWorkflow(def workflow.Definition, state workflow.State, protos ...any) error {
	if err := r.RegisterState(def.Name(), state); err != nil {
		return err
	}
	for _, p := range protos {
		switch v := p.(type) {
		case workflow.Event:
			if err := r.RegisterEvent(v); err != nil {
				return err
			}
		case workflow.Command:
			if err := r.RegisterCommand(v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("register %s: %T is neither event nor command", def.Name(), p)
		}
	}
	return nil
}

// KnownEvent reports whether tag has a registered event type.
func (r *Registry) KnownEvent(tag string) bool {
	_, ok := r.events[tag]
	return ok
}

// KnownCommand reports whether tag has a registered command type.
func (r *Registry) KnownCommand(tag string) bool {
	_, ok := r.commands[tag]
	return ok
}

func (r *Registry) eventType(tag string) (reflect.Type, error) {
	t, ok := r.events[tag]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", tag, ErrUnknownType)
	}
	return t, nil
}

func (r *Registry) commandType(tag string) (reflect.Type, error) {
	t, ok := r.commands[tag]
	if !ok {
		return nil, fmt.Errorf("command %q: %w", tag, ErrUnknownType)
	}
	return t, nil
}

func (r *Registry) stateType(workflowType string) (reflect.Type, error) {
	t, ok := r.states[workflowType]
	if !ok {
		return nil, fmt.Errorf("state for %q: %w", workflowType, ErrUnknownType)
	}
	return t, nil
}

func baseType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
