package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Routing modes inside an external message subject,
// messages.{workflow_type}.{routing}.{detail}.
const (
	RoutingAll   = "all"   // every workflow of the type
	RoutingTag   = "tag"   // workflows tagged with detail
	RoutingID    = "id"    // the single workflow named by detail
	RoutingTopic = "topic" // workflows subscribed to the detail topic
)

// Consumer defaults.
const (
	DefaultConsumerBatchSize  = 100
	DefaultConsumerFetchWait  = time.Second
	DefaultConsumerMaxDeliver = 3
	DefaultConsumerAckWait    = 30 * time.Second

	consumerErrBackoff = time.Second
)

// ConsumerName is the default durable name for one type's external
// consumer. Partitioned deployments must derive a name per partition so
// each keeps its own cursor over the stream.
func ConsumerName(workflowType string) string {
	return fmt.Sprintf("%s_external_consumer", workflowType)
}

// ParseSubject splits an external message subject into its routing mode
// and detail. Detail may contain further dots (topic names usually do).
// ok is false when the subject belongs to another type, names an unknown
// routing mode, or has no detail token.
func ParseSubject(subject, workflowType string) (routing, detail string, ok bool) {
	rest, found := strings.CutPrefix(subject, "messages.")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) < 3 || parts[0] != workflowType {
		return "", "", false
	}
	switch parts[1] {
	case RoutingAll, RoutingTag, RoutingID, RoutingTopic:
		return parts[1], parts[2], true
	}
	return "", "", false
}

// Parser decodes an inbound message body into an event for
// Definition.EventToCommand. Returning a nil event skips the message.
type Parser func(data []byte) (workflow.Event, error)

// JSONParser returns a Parser that unmarshals every payload into a fresh
// value of prototype's type.
func JSONParser(prototype workflow.Event) Parser {
	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return func(data []byte) (workflow.Event, error) {
		ptr := reflect.New(t)
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", t.Name(), err)
		}
		if ev, ok := ptr.Elem().Interface().(workflow.Event); ok {
			return ev, nil
		}
		return ptr.Interface().(workflow.Event), nil
	}
}

// ConsumerOptions tune a Consumer. Zero values get defaults.
type ConsumerOptions struct {
	// Stream overrides the inbound stream name. Empty means
	// external_{workflow_type}.
	Stream string

	// Name overrides the durable consumer name. Empty means
	// ConsumerName(workflow_type).
	Name string

	// Filter keeps only the workflow ids this instance acts for. Nil
	// keeps everything. Partitioned deployments pass their partition
	// predicate together with a per-partition Name.
	Filter func(workflowID string) bool

	BatchSize  int
	FetchWait  time.Duration
	MaxDeliver int
	AckWait    time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// Consumer routes inbound JetStream messages to workflow commands. Each
// message's subject picks the targets (all, by tag, by id, or by topic
// subscription), the parser turns its payload into an event, and the
// definition's EventToCommand decides the command applied to every
// target.
//
// Delivery is at least once: a failed message is redelivered up to
// MaxDeliver times and re-applies to every target, so Decide must treat
// replays as refusals rather than fresh work.
type Consumer struct {
	workflowType string
	rep          *repo.Repository
	st           store.Store
	def          workflow.Definition
	js           nats.JetStreamContext
	parse        Parser

	stream     string
	name       string
	filter     func(string) bool
	batch      int
	fetchWait  time.Duration
	maxDeliver int
	ackWait    time.Duration
	clk        clock.Clock
	logger     *zap.Logger
}

// NewConsumer builds a consumer feeding rep's workflow type.
func NewConsumer(rep *repo.Repository, js nats.JetStreamContext, parse Parser, opts ConsumerOptions) (*Consumer, error) {
	if rep == nil || js == nil {
		return nil, fmt.Errorf("messaging: repository and jetstream context required")
	}
	if parse == nil {
		return nil, fmt.Errorf("messaging: payload parser required")
	}
	workflowType := rep.WorkflowType()
	if opts.Stream == "" {
		opts.Stream = ExternalStreamName(workflowType)
	}
	if opts.Name == "" {
		opts.Name = ConsumerName(workflowType)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultConsumerBatchSize
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = DefaultConsumerFetchWait
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = DefaultConsumerMaxDeliver
	}
	if opts.AckWait <= 0 {
		opts.AckWait = DefaultConsumerAckWait
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Consumer{
		workflowType: workflowType,
		rep:          rep,
		st:           rep.Store(),
		def:          rep.Definition(),
		js:           js,
		parse:        parse,
		stream:       opts.Stream,
		name:         opts.Name,
		filter:       opts.Filter,
		batch:        opts.BatchSize,
		fetchWait:    opts.FetchWait,
		maxDeliver:   opts.MaxDeliver,
		ackWait:      opts.AckWait,
		clk:          opts.Clock,
		logger: opts.Logger.With(
			zap.String("workflow_type", workflowType),
			zap.String("consumer", opts.Name)),
	}, nil
}

// Run ensures the stream exists, attaches the durable consumer and
// processes messages until ctx is cancelled. The subscription is never
// unsubscribed so the broker keeps the durable cursor across restarts.
func (c *Consumer) Run(ctx context.Context) error {
	if err := EnsureExternalStream(c.js, c.stream, c.workflowType); err != nil {
		return fmt.Errorf("ensure external stream: %w", err)
	}
	sub, err := c.js.PullSubscribe(
		ExternalSubjectRoot(c.workflowType),
		c.name,
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.AckWait(c.ackWait),
		nats.MaxDeliver(c.maxDeliver),
		nats.BindStream(c.stream),
	)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.stream, err)
	}
	c.logger.Info("External consumer started", zap.String("stream", c.stream))

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("External consumer stopped")
			return err
		}
		msgs, err := sub.Fetch(c.batch, nats.MaxWait(c.fetchWait))
		if err == nats.ErrTimeout {
			continue
		}
		if err != nil {
			c.logger.Error("External fetch failed", zap.Error(err))
			metrics.JetStreamConsumerErrors.WithLabelValues(c.workflowType, c.name, "fetch").Inc()
			select {
			case <-ctx.Done():
				c.logger.Info("External consumer stopped")
				return ctx.Err()
			case <-c.clk.After(consumerErrBackoff):
			}
			continue
		}
		for _, msg := range msgs {
			if err := c.process(ctx, msg); err != nil {
				c.logger.Error("External message failed",
					zap.String("subject", msg.Subject), zap.Error(err))
				metrics.JetStreamConsumerErrors.WithLabelValues(c.workflowType, c.name, "process").Inc()
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
			metrics.JetStreamMessagesConsumed.WithLabelValues(c.workflowType, c.name).Inc()
		}
	}
}

// process routes one message. A nil return acks it; unroutable subjects
// and unparseable payloads are acked too since redelivery cannot fix
// them. Store failures and unexpected command errors nak for redelivery.
func (c *Consumer) process(ctx context.Context, msg *nats.Msg) error {
	routing, detail, ok := ParseSubject(msg.Subject, c.workflowType)
	if !ok {
		c.logger.Warn("Unroutable external message", zap.String("subject", msg.Subject))
		return nil
	}
	targets, err := c.resolve(ctx, routing, detail)
	if err != nil {
		return fmt.Errorf("resolve targets: %w", err)
	}
	if len(targets) == 0 {
		c.logger.Debug("No targets for external message",
			zap.String("routing", routing), zap.String("detail", detail))
		return nil
	}

	ev, err := c.parse(msg.Data)
	if err != nil {
		c.logger.Warn("Dropping unparseable external message",
			zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}
	if ev == nil {
		return nil
	}
	cmd := c.def.EventToCommand(workflow.ConsumedEvent{
		WorkflowType: c.workflowType,
		EventType:    ev.EventType(),
		At:           c.clk.Now().UTC(),
		Event:        ev,
	})
	if cmd == nil {
		return nil
	}

	for _, id := range targets {
		if _, err := c.rep.ProcessCommand(ctx, id, cmd); err != nil {
			if repo.IsExpectedRefusal(err) {
				c.logger.Debug("External command refused",
					zap.String("workflow_id", id),
					zap.String("command_type", cmd.CommandType()),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("apply %s to %s: %w", cmd.CommandType(), id, err)
		}
	}
	return nil
}

// resolve expands the routing mode into target workflow ids and applies
// the partition filter.
func (c *Consumer) resolve(ctx context.Context, routing, detail string) ([]string, error) {
	var (
		ids []string
		err error
	)
	switch routing {
	case RoutingAll:
		ids, err = c.st.DistinctWorkflowIDs(ctx, c.workflowType)
	case RoutingTag:
		ids, err = c.st.WorkflowIDsByTag(ctx, c.workflowType, detail)
	case RoutingID:
		if detail != "" {
			ids = []string{detail}
		}
	case RoutingTopic:
		ids, err = c.st.WorkflowIDsByTopic(ctx, c.workflowType, detail)
	}
	if err != nil {
		return nil, err
	}
	if c.filter == nil {
		return ids, nil
	}
	kept := ids[:0]
	for _, id := range ids {
		if c.filter(id) {
			kept = append(kept, id)
		}
	}
	return kept, nil
}
