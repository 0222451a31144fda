// Package order is the example workflow shipped with the engine: a small
// order lifecycle (placed, paid, shipped) used by the test suite and the
// serve command.
package order

import (
	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Order status values.
const (
	StatusNew     = "new"
	StatusPaid    = "paid"
	StatusShipped = "shipped"
)

// State is the folded view of one order.
type State struct {
	workflow.Base
	Status       string   `json:"status"`
	Items        []string `json:"items,omitempty"`
	Total        float64  `json:"total"`
	PaymentID    string   `json:"payment_id,omitempty"`
	TrackingCode string   `json:"tracking_code,omitempty"`
}

func (s *State) Clone() workflow.State {
	return &State{
		Base:         s.CopyBase(),
		Status:       s.Status,
		Items:        append([]string(nil), s.Items...),
		Total:        s.Total,
		PaymentID:    s.PaymentID,
		TrackingCode: s.TrackingCode,
	}
}

// Place creates an order.
type Place struct {
	Items []string `json:"items"`
	Total float64  `json:"total"`
}

func (Place) CommandType() string { return "place" }

// Pay records the payment for a new order.
type Pay struct {
	PaymentID string `json:"payment_id"`
}

func (Pay) CommandType() string { return "pay" }

// Ship closes a paid order.
type Ship struct {
	TrackingCode string `json:"tracking_code"`
}

func (Ship) CommandType() string { return "ship" }

type OrderPlaced struct {
	Items []string `json:"items"`
	Total float64  `json:"total"`
}

func (OrderPlaced) EventType() string { return "order_placed" }

type PaymentReceived struct {
	PaymentID string `json:"payment_id"`
}

func (PaymentReceived) EventType() string { return "payment_received" }

type OrderShipped struct {
	TrackingCode string `json:"tracking_code"`
}

func (OrderShipped) EventType() string { return "order_shipped" }

// PaymentNotice is the payload external payment systems publish on
// messages.order.* subjects. It never enters the log; the external
// consumer parses it and EventToCommand turns it into a Pay command.
type PaymentNotice struct {
	PaymentID string `json:"payment_id"`
}

func (PaymentNotice) EventType() string { return "payment_notice" }

// Definition implements workflow.Definition for orders.
type Definition struct{}

func (Definition) Name() string       { return "order" }
func (Definition) SchemaVersion() int { return 1 }

func (Definition) Decide(state workflow.State, cmd workflow.Command) ([]workflow.Event, error) {
	if state == nil {
		if c, ok := cmd.(Place); ok {
			return []workflow.Event{OrderPlaced{Items: c.Items, Total: c.Total}}, nil
		}
		return nil, workflow.ErrNotFound
	}
	s := state.(*State)
	switch c := cmd.(type) {
	case Place:
		return nil, workflow.Reject("already exists")
	case Pay:
		if s.Status != StatusNew {
			return nil, workflow.Reject("already paid")
		}
		return []workflow.Event{PaymentReceived{PaymentID: c.PaymentID}}, nil
	case Ship:
		if s.Status != StatusPaid {
			return nil, workflow.Reject("order not paid")
		}
		return []workflow.Event{OrderShipped{TrackingCode: c.TrackingCode}}, nil
	}
	return nil, workflow.Reject("unknown command")
}

func (Definition) Evolve(state workflow.State, e workflow.Event) workflow.State {
	s, ok := state.(*State)
	if !ok {
		s = &State{}
		if state != nil {
			s.StateMeta = *state.Meta()
		} else {
			s.StateMeta = workflow.Meta{Lifecycle: workflow.LifecycleActive}
		}
	}
	switch ev := e.(type) {
	case OrderPlaced:
		s.Status = StatusNew
		s.Items = ev.Items
		s.Total = ev.Total
	case PaymentReceived:
		s.Status = StatusPaid
		s.PaymentID = ev.PaymentID
	case OrderShipped:
		s.Status = StatusShipped
		s.TrackingCode = ev.TrackingCode
	}
	return s
}

// EventToCommand turns externally published payment notices into Pay
// commands. Everything else is ignored.
func (Definition) EventToCommand(ce workflow.ConsumedEvent) workflow.Command {
	if n, ok := ce.Event.(PaymentNotice); ok {
		return Pay{PaymentID: n.PaymentID}
	}
	return nil
}

// IsFinalEvent reports shipping as the end of the order: a shipped order
// takes no further commands.
func (Definition) IsFinalEvent(e workflow.Event) bool {
	_, ok := e.(OrderShipped)
	return ok
}

// Tags exposes the order status for tag-routed messages and monitoring.
func (Definition) Tags(state workflow.State) []string {
	if s, ok := state.(*State); ok && s.Status != "" {
		return []string{"status:" + s.Status}
	}
	return nil
}

// Register adds the order workflow's types to a codec registry.
func Register(reg *codec.Registry) error {
	if err := reg.RegisterWorkflow(Definition{}, &State{}, OrderPlaced{}, PaymentReceived{}, OrderShipped{}); err != nil {
		return err
	}
	return reg.RegisterCommand(Place{}, Pay{}, Ship{})
}
