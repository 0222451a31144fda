package workflow

import "fmt"

// Fold applies events to state in order and returns the new state. Engine
// events are folded here; everything else is delegated to def.Evolve. A
// nil state stands for a workflow that has no events yet. The input state
// is never mutated: folding operates on a clone.
func Fold(def Definition, state State, events []Event) (State, error) {
	var cur State
	if state != nil {
		cur = state.Clone()
	}
	for _, e := range events {
		next, handled, err := foldSystem(cur, e)
		if err != nil {
			return nil, err
		}
		if handled {
			cur = next
			continue
		}
		cur = def.Evolve(cur, e)
		if cur == nil {
			return nil, fmt.Errorf("evolve returned nil state for event %q", e.EventType())
		}
	}
	return cur, nil
}

// foldSystem handles engine events. It may mutate state (always a clone)
// and reports whether the event was consumed. Events it does not handle,
// including delay completions and one-shot delays, go to the definition's
// Evolve.
func foldSystem(state State, e Event) (State, bool, error) {
	switch ev := e.(type) {
	case SystemPause:
		return setLifecycle(state, LifecyclePaused), true, nil

	case SystemResume:
		return setLifecycle(state, LifecycleActive), true, nil

	case SystemCancel:
		if state == nil {
			s := newBaseState()
			s.StateMeta.Lifecycle = LifecycleCancelled
			return s, true, nil
		}
		m := state.Meta()
		m.Lifecycle = LifecycleCancelled
		m.Schedules = nil
		return state, true, nil

	case ContinueAsNew:
		// State carries over unchanged; the log reset happens at append.
		if state == nil {
			return nil, false, nil
		}
		return state, true, nil

	case SubscriptionAdded:
		if state == nil {
			s := newBaseState()
			s.StateMeta.Subscriptions = []Sub{ev.Sub}
			return s, true, nil
		}
		m := state.Meta()
		m.Subscriptions = append(m.Subscriptions, ev.Sub)
		return state, true, nil

	case SubscriptionRemoved:
		if state == nil {
			return nil, false, nil
		}
		m := state.Meta()
		kept := make([]Sub, 0, len(m.Subscriptions))
		for _, s := range m.Subscriptions {
			if !s.Equal(ev.Sub) {
				kept = append(kept, s)
			}
		}
		m.Subscriptions = kept
		return state, true, nil

	case ExternalSubscriptionAdded:
		if state == nil {
			s := newBaseState()
			s.StateMeta.ExternalSubscriptions = []ExternalSub{ev.Sub}
			return s, true, nil
		}
		m := state.Meta()
		m.ExternalSubscriptions = append(m.ExternalSubscriptions, ev.Sub)
		return state, true, nil

	case ExternalSubscriptionRemoved:
		if state == nil {
			return nil, false, nil
		}
		m := state.Meta()
		kept := make([]ExternalSub, 0, len(m.ExternalSubscriptions))
		for _, x := range m.ExternalSubscriptions {
			if x.Topic != ev.Topic {
				kept = append(kept, x)
			}
		}
		m.ExternalSubscriptions = kept
		return state, true, nil

	case ScheduleAdded:
		if state == nil {
			s := newBaseState()
			s.StateMeta.Schedules = []Schedule{ev.Schedule}
			return s, true, nil
		}
		m := state.Meta()
		m.Schedules = append(dropSchedule(m.Schedules, ev.Schedule.ID), ev.Schedule)
		return state, true, nil

	case ScheduleRemoved:
		if state == nil {
			return nil, false, nil
		}
		m := state.Meta()
		m.Schedules = dropSchedule(m.Schedules, ev.DelayID)
		return state, true, nil

	case CancelSchedule:
		if state == nil {
			return nil, false, nil
		}
		m := state.Meta()
		m.Schedules = dropSchedule(m.Schedules, ev.DelayID)
		return state, true, nil

	case DelayEvent:
		spec := ev.Delay()
		if spec.CronExpression == "" {
			// One-shot delays evolve in the domain.
			return state, false, nil
		}
		tag, raw, err := EncodeCommand(spec.NextCommand)
		if err != nil {
			return nil, false, fmt.Errorf("encode next command for delay %q: %w", spec.ID, err)
		}
		sched := Schedule{
			ID:              spec.ID,
			CronExpression:  spec.CronExpression,
			Timezone:        spec.Timezone,
			NextCommandType: tag,
			NextCommand:     raw,
		}
		if state == nil {
			s := newBaseState()
			s.StateMeta.Schedules = []Schedule{sched}
			return s, true, nil
		}
		m := state.Meta()
		m.Schedules = append(dropSchedule(m.Schedules, spec.ID), sched)
		return state, true, nil
	}
	return state, false, nil
}

func setLifecycle(state State, lc Lifecycle) State {
	if state == nil {
		s := newBaseState()
		s.StateMeta.Lifecycle = lc
		return s
	}
	state.Meta().Lifecycle = lc
	return state
}

func dropSchedule(schedules []Schedule, id string) []Schedule {
	kept := make([]Schedule, 0, len(schedules))
	for _, s := range schedules {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	return kept
}
