package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/activity"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Adapter runs the order side effects: stock reservation and a
// confirmation message when an order is placed, and a shipment request
// once payment arrives. The hooks are injectable so deployments plug in
// real integrations; a nil hook turns its step into a no-op.
type Adapter struct {
	ReserveStock     func(ctx context.Context, orderID string, items []string) error
	SendConfirmation func(ctx context.Context, orderID string) error
	RequestShipment  func(ctx context.Context, orderID string) (trackingCode string, err error)

	Logger *zap.Logger
}

func (a *Adapter) ShouldActOn(e workflow.Event) bool {
	switch e.(type) {
	case OrderPlaced, PaymentReceived:
		return true
	}
	return false
}

func (a *Adapter) ActOn(ctx context.Context, ev workflow.ConsumedEvent, actx *activity.ActionContext) (<-chan activity.ActionItem, func() error) {
	return activity.RunScript(ctx, actx, func(s *activity.Script) error {
		switch e := ev.Event.(type) {
		case OrderPlaced:
			return a.onPlaced(ctx, s, ev.WorkflowID, e)
		case PaymentReceived:
			return a.onPaid(ctx, s, ev.WorkflowID)
		}
		return nil
	})
}

// onPlaced reserves stock and sends the confirmation. Each step runs once
// across retries; a confirmation failure does not redo the reservation.
func (a *Adapter) onPlaced(ctx context.Context, s *activity.Script, orderID string, e OrderPlaced) error {
	if err := s.Step("reserve_stock", func() error {
		if a.ReserveStock == nil {
			return nil
		}
		return a.ReserveStock(ctx, orderID, e.Items)
	}); err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	if err := s.Step("send_confirmation", func() error {
		if a.SendConfirmation == nil {
			return nil
		}
		return a.SendConfirmation(ctx, orderID)
	}); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	a.logger().Debug("Order placement handled", zap.String("workflow_id", orderID))
	return nil
}

// onPaid requests a shipment and applies the Ship command. The tracking
// code is checkpointed before the command goes out, so a retry between
// the two reuses the code instead of shipping twice.
func (a *Adapter) onPaid(ctx context.Context, s *activity.Script, orderID string) error {
	v, _ := s.Get("tracking_code")
	code, _ := v.(string)
	if code == "" {
		if a.RequestShipment == nil {
			return nil
		}
		fresh, err := a.RequestShipment(ctx, orderID)
		if err != nil {
			return fmt.Errorf("request shipment: %w", err)
		}
		s.Save(map[string]any{"tracking_code": fresh})
		code = fresh
	}
	s.Command(Ship{TrackingCode: code})
	a.logger().Debug("Shipment requested",
		zap.String("workflow_id", orderID), zap.String("tracking_code", code))
	return nil
}

func (a *Adapter) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}
