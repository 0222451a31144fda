package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/messaging"
	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

const (
	jsFetchWait     = time.Second
	jsAckWait       = 30 * time.Second
	jsRetryCooldown = 30 * time.Second
)

// HybridReader tails the per-type JetStream stream for low latency and
// falls back to store polling whenever NATS is unavailable or the stream
// has holes. Both paths advance the same durable offset, and global ids
// are dense per type, so any id the broker skips (expired, acked before a
// crash, poison payload) shows up as a gap that one store read fills.
//
// Event-type filters are not supported here: gap detection needs to see
// every id.
type HybridReader struct {
	*Reader

	js nats.JetStreamContext

	jsMu    sync.Mutex
	sub     *nats.Subscription
	retryAt time.Time
}

// NewHybridReader builds a reader that prefers js and degrades to st.
// The durable consumer name is the reader name, so the broker cursor and
// the store offset describe the same consumer.
func NewHybridReader(name string, st store.Store, cdc *codec.Codec, def workflow.Definition, js nats.JetStreamContext, opts Options) (*HybridReader, error) {
	if js == nil {
		return nil, fmt.Errorf("stream: jetstream context required")
	}
	if len(opts.EventTypes) > 0 {
		return nil, fmt.Errorf("stream: hybrid reader cannot filter event types")
	}
	base, err := NewReader(name, st, cdc, def, opts)
	if err != nil {
		return nil, err
	}
	h := &HybridReader{Reader: base, js: js}
	base.fetch = h.hybridBatch
	return h, nil
}

// Close drops the broker subscription and flushes the offset.
func (h *HybridReader) Close(ctx context.Context) error {
	h.unsubscribe()
	return h.Reader.Close(ctx)
}

func (h *HybridReader) hybridBatch(ctx context.Context, max int) ([]workflow.ConsumedEvent, error) {
	if !h.ensureSubscribed() {
		return h.storeBatch(ctx, max)
	}
	events, gap, err := h.jsBatch(max)
	if err != nil {
		h.degrade(err)
		return h.storeBatch(ctx, max)
	}
	if gap && len(events) == 0 {
		// One store read fills the hole; the subscription stays up and
		// redelivered duplicates are ack-skipped next round.
		return h.storeBatch(ctx, max)
	}
	if len(events) > 0 {
		metrics.ReaderEventsRead.WithLabelValues(h.workflowType, h.name, "jetstream").Add(float64(len(events)))
	}
	return events, nil
}

// jsBatch fetches from the durable consumer and keeps only the contiguous
// run starting at the current cursor. It reports gap=true when the broker
// skipped ids, in which case the remainder was nak'd for redelivery.
func (h *HybridReader) jsBatch(max int) ([]workflow.ConsumedEvent, bool, error) {
	h.jsMu.Lock()
	sub := h.sub
	h.jsMu.Unlock()
	if sub == nil {
		return nil, false, nil
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(jsFetchWait))
	if err == nats.ErrTimeout {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	h.mu.Lock()
	cursor := h.read
	stopAt := h.stopAt
	h.mu.Unlock()

	var out []workflow.ConsumedEvent
	gap := false
	for i, msg := range msgs {
		ev, perr := h.parse(msg)
		if perr != nil {
			// Poison payload: terminate delivery, the store path carries
			// the real event when its id surfaces as a gap.
			h.logger.Warn("Dropping unparseable stream message", zap.Error(perr))
			_ = msg.Term()
			continue
		}
		if ev.GlobalID <= cursor {
			_ = msg.Ack()
			continue
		}
		if ev.GlobalID != cursor+1 || (stopAt > 0 && ev.GlobalID > stopAt) {
			if ev.GlobalID != cursor+1 {
				gap = true
			}
			for _, rest := range msgs[i:] {
				_ = rest.Nak()
			}
			break
		}
		out = append(out, ev)
		cursor = ev.GlobalID
		_ = msg.Ack()
	}
	return out, gap, nil
}

func (h *HybridReader) ensureSubscribed() bool {
	h.jsMu.Lock()
	defer h.jsMu.Unlock()
	if h.sub != nil {
		return true
	}
	if h.clk.Now().Before(h.retryAt) {
		return false
	}
	sub, err := h.js.PullSubscribe(
		messaging.EventSubjectWildcard(h.workflowType),
		h.name,
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.AckWait(jsAckWait),
	)
	if err != nil {
		h.retryAt = h.clk.Now().Add(jsRetryCooldown)
		h.logger.Warn("JetStream subscribe failed, polling store", zap.Error(err))
		return false
	}
	h.logger.Info("JetStream consumer attached", zap.String("subject", messaging.EventSubjectWildcard(h.workflowType)))
	h.sub = sub
	return true
}

func (h *HybridReader) degrade(err error) {
	metrics.ReaderFallbacks.WithLabelValues(h.workflowType, h.name).Inc()
	h.logger.Warn("JetStream fetch failed, falling back to store", zap.Error(err))
	h.unsubscribe()
	h.jsMu.Lock()
	h.retryAt = h.clk.Now().Add(jsRetryCooldown)
	h.jsMu.Unlock()
}

func (h *HybridReader) unsubscribe() {
	h.jsMu.Lock()
	defer h.jsMu.Unlock()
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
}

// parse rebuilds a ConsumedEvent from the outbox wire format: identity in
// headers, sealed event payload in the body.
func (h *HybridReader) parse(msg *nats.Msg) (workflow.ConsumedEvent, error) {
	hdr := msg.Header
	globalID, err := strconv.ParseInt(hdr.Get(messaging.HeaderGlobalID), 10, 64)
	if err != nil {
		return workflow.ConsumedEvent{}, fmt.Errorf("global_id header: %w", err)
	}
	version, err := strconv.Atoi(hdr.Get(messaging.HeaderWorkflowVersion))
	if err != nil {
		return workflow.ConsumedEvent{}, fmt.Errorf("workflow_version header: %w", err)
	}
	schemaVersion, err := strconv.Atoi(hdr.Get(messaging.HeaderSchemaVersion))
	if err != nil {
		return workflow.ConsumedEvent{}, fmt.Errorf("schema_version header: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, hdr.Get(messaging.HeaderAt))
	if err != nil {
		return workflow.ConsumedEvent{}, fmt.Errorf("at header: %w", err)
	}
	var metadata map[string]any
	if raw := hdr.Get(messaging.HeaderMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return workflow.ConsumedEvent{}, fmt.Errorf("metadata header: %w", err)
		}
	}
	eventType := hdr.Get(messaging.HeaderEventType)
	ev, err := h.cdc.DecodeEvent(h.def, eventType, schemaVersion, msg.Data)
	if err != nil {
		return workflow.ConsumedEvent{}, fmt.Errorf("decode event %d (%s): %w", globalID, eventType, err)
	}
	return workflow.ConsumedEvent{
		GlobalID:        globalID,
		WorkflowID:      hdr.Get(messaging.HeaderWorkflowID),
		WorkflowType:    h.workflowType,
		WorkflowVersion: version,
		EventType:       eventType,
		SchemaVersion:   schemaVersion,
		Metadata:        metadata,
		At:              at,
		Event:           ev,
	}, nil
}
