package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/store"
)

// Outbox defaults.
const (
	DefaultOutboxBatchSize    = 100
	DefaultOutboxPollInterval = 100 * time.Millisecond

	outboxErrBackoff = time.Second
	outboxIdleFactor = 10
)

// OutboxOptions tune an OutboxPublisher.
type OutboxOptions struct {
	BatchSize    int
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// OutboxPublisher drains unpushed events from the log onto the per-type
// JetStream stream. A store advisory lock keeps it single-flight per
// workflow type: appenders write only to Postgres, and publish order
// follows global id so the stream mirrors the log.
//
// Rows are marked pushed only after the broker accepts them. A crash
// between publish and mark republishes on restart, which the broker
// deduplicates by Nats-Msg-Id inside the stream's duplicate window.
type OutboxPublisher struct {
	workflowType string
	st           store.Store
	js           nats.JetStreamContext
	batchSize    int
	poll         time.Duration
	clk          clock.Clock
	logger       *zap.Logger
	lockKey      string
}

// NewOutboxPublisher builds a publisher for def's workflow type.
func NewOutboxPublisher(workflowType string, st store.Store, js nats.JetStreamContext, opts OutboxOptions) (*OutboxPublisher, error) {
	if workflowType == "" {
		return nil, fmt.Errorf("messaging: workflow type required")
	}
	if st == nil || js == nil {
		return nil, fmt.Errorf("messaging: store and jetstream context required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOutboxBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOutboxPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &OutboxPublisher{
		workflowType: workflowType,
		st:           st,
		js:           js,
		batchSize:    opts.BatchSize,
		poll:         opts.PollInterval,
		clk:          opts.Clock,
		logger:       opts.Logger.With(zap.String("workflow_type", workflowType)),
		lockKey:      fmt.Sprintf("fleuve_outbox_%s", workflowType),
	}, nil
}

// Run acquires the per-type publisher lock, ensures the stream exists and
// publishes until ctx is cancelled. It fails immediately when another
// publisher already holds the lock.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	acquired, err := p.st.AdvisoryLock(ctx, p.lockKey)
	if err != nil {
		return fmt.Errorf("acquire outbox lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("outbox publisher for %s already running elsewhere", p.workflowType)
	}
	p.logger.Info("Acquired outbox publisher lock", zap.String("lock_key", p.lockKey))
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.st.AdvisoryUnlock(unlockCtx, p.lockKey); err != nil {
			p.logger.Warn("Outbox lock release failed", zap.Error(err))
		}
	}()

	if err := EnsureEventStream(p.js, p.workflowType); err != nil {
		return fmt.Errorf("ensure event stream: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("Outbox publisher stopped")
			return err
		}
		n, err := p.publishBatch(ctx)
		wait := p.poll
		switch {
		case err != nil:
			p.logger.Error("Outbox batch failed", zap.Error(err))
			metrics.OutboxPublishFailures.WithLabelValues(p.workflowType, "batch").Inc()
			wait = outboxErrBackoff
		case n == 0:
			wait = p.poll * outboxIdleFactor
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox publisher stopped")
			return ctx.Err()
		case <-p.clk.After(wait):
		}
	}
}

// publishBatch pushes one batch of unpushed rows and marks the ones the
// broker accepted. A single failed publish is logged and skipped; its row
// stays unpushed and comes around next cycle.
func (p *OutboxPublisher) publishBatch(ctx context.Context) (int, error) {
	rows, err := p.st.UnpushedEvents(ctx, p.workflowType, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load unpushed events: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	start := p.clk.Now()
	pushed := make([]int64, 0, len(rows))
	for _, row := range rows {
		msg, err := p.buildMsg(row)
		if err != nil {
			p.logger.Error("Outbox message build failed",
				zap.Int64("global_id", row.GlobalID), zap.Error(err))
			metrics.OutboxPublishFailures.WithLabelValues(p.workflowType, "encode").Inc()
			continue
		}
		if _, err := p.js.PublishMsg(msg); err != nil {
			p.logger.Error("Outbox publish failed",
				zap.Int64("global_id", row.GlobalID),
				zap.String("subject", msg.Subject),
				zap.Error(err))
			metrics.OutboxPublishFailures.WithLabelValues(p.workflowType, "publish").Inc()
			continue
		}
		pushed = append(pushed, row.GlobalID)
	}
	if len(pushed) == 0 {
		return 0, nil
	}
	if err := p.st.MarkPushed(ctx, p.workflowType, pushed); err != nil {
		// Rows republish next cycle; Nats-Msg-Id dedup absorbs the repeats.
		return 0, fmt.Errorf("mark pushed: %w", err)
	}
	elapsed := p.clk.Now().Sub(start)
	metrics.RecordOutboxBatch(p.workflowType, len(pushed), elapsed.Seconds())
	p.logger.Debug("Published outbox batch",
		zap.Int("events", len(pushed)),
		zap.Int64("last_global_id", pushed[len(pushed)-1]))
	return len(pushed), nil
}

func (p *OutboxPublisher) buildMsg(row store.StoredEvent) (*nats.Msg, error) {
	msg := nats.NewMsg(EventSubject(row.WorkflowType, row.EventType))
	msg.Data = row.Body
	msg.Header.Set(nats.MsgIdHdr, MsgID(row.WorkflowID, int64(row.WorkflowVersion)))
	msg.Header.Set(HeaderWorkflowID, row.WorkflowID)
	msg.Header.Set(HeaderWorkflowType, row.WorkflowType)
	msg.Header.Set(HeaderWorkflowVersion, strconv.Itoa(row.WorkflowVersion))
	msg.Header.Set(HeaderEventType, row.EventType)
	msg.Header.Set(HeaderGlobalID, strconv.FormatInt(row.GlobalID, 10))
	msg.Header.Set(HeaderSchemaVersion, strconv.Itoa(row.SchemaVersion))
	msg.Header.Set(HeaderAt, row.At.UTC().Format(time.RFC3339Nano))
	if len(row.Metadata) > 0 {
		raw, err := json.Marshal(map[string]any(row.Metadata))
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		msg.Header.Set(HeaderMetadata, string(raw))
	}
	return msg, nil
}
