package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Handler consumes one event. Returning an error makes the reader rewind
// to the last acknowledged position and redeliver.
type Handler func(ctx context.Context, ev workflow.ConsumedEvent) error

// Options tune a Reader. Zero values get sensible defaults.
type Options struct {
	// EventTypes restricts delivery to the listed event types. Empty
	// means everything the workflow type appends.
	EventTypes []string

	// BatchSize bounds one fetch. Defaults to DefaultBatchSize.
	BatchSize int

	// MinSleep and MaxSleep bound the idle backoff.
	MinSleep time.Duration
	MaxSleep time.Duration

	// HorizonInterval is how often the background goroutine persists the
	// processed position during Run. Negative disables it; zero means 10s.
	HorizonInterval time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

const defaultHorizonInterval = 10 * time.Second

// Reader tails one workflow type's log under a durable named offset.
//
// It tracks three positions: read (handed out by NextBatch), processed
// (acknowledged via Advance) and committed (persisted). Commit only ever
// persists positions at or behind processed, so a crash replays the tail
// rather than skipping it.
type Reader struct {
	name         string
	workflowType string
	st           store.Store
	cdc          *codec.Codec
	def          workflow.Definition

	eventTypes   []string
	batchSize    int
	clk          clock.Clock
	logger       *zap.Logger
	sleeper      *Sleeper
	horizonEvery time.Duration

	// fetch pulls the next batch after the read cursor. Defaults to
	// storeBatch; HybridReader swaps in its JetStream-first variant.
	fetch func(ctx context.Context, max int) ([]workflow.ConsumedEvent, error)

	mu        sync.Mutex
	loaded    bool
	read      int64
	processed int64
	committed int64
	stopAt    int64

	// commitMu serializes Commit bodies so the horizon goroutine and the
	// poll loop cannot interleave their compare-and-swap windows.
	commitMu sync.Mutex
}

// NewReader builds a reader over st for def's workflow type. The name is
// the durable offset key; two processes sharing a name will trip
// workflow.ErrOffsetConflict on commit.
func NewReader(name string, st store.Store, cdc *codec.Codec, def workflow.Definition, opts Options) (*Reader, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("stream: reader name required")
	}
	if st == nil {
		return nil, errors.New("stream: store required")
	}
	if cdc == nil {
		return nil, errors.New("stream: codec required")
	}
	if def == nil {
		return nil, errors.New("stream: workflow definition required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	horizon := opts.HorizonInterval
	if horizon == 0 {
		horizon = defaultHorizonInterval
	}
	r := &Reader{
		name:         name,
		workflowType: def.Name(),
		st:           st,
		cdc:          cdc,
		def:          def,
		eventTypes:   opts.EventTypes,
		batchSize:    opts.BatchSize,
		clk:          opts.Clock,
		logger:       opts.Logger.With(zap.String("reader", name), zap.String("workflow_type", def.Name())),
		sleeper:      NewSleeper(opts.MinSleep, opts.MaxSleep, opts.Clock),
		horizonEvery: horizon,
	}
	r.fetch = r.storeBatch
	return r, nil
}

// Name returns the durable offset key.
func (r *Reader) Name() string { return r.name }

// WorkflowType returns the log this reader tails.
func (r *Reader) WorkflowType() string { return r.workflowType }

func (r *Reader) ensureLoaded(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	off, err := r.st.GetOffset(ctx, r.name)
	if errors.Is(err, workflow.ErrNotFound) {
		off = 0
	} else if err != nil {
		return fmt.Errorf("load offset %s: %w", r.name, err)
	}
	r.read = off
	r.processed = off
	r.committed = off
	r.loaded = true
	return nil
}

// CurrentOffset reports the in-memory read position, ahead of the
// committed offset while a batch is in flight.
func (r *Reader) CurrentOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read
}

// CommittedOffset reports the last persisted position.
func (r *Reader) CommittedOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// MaxObserved reports the newest global id in this type's log.
func (r *Reader) MaxObserved(ctx context.Context) (int64, error) {
	return r.st.MaxGlobalID(ctx, r.workflowType)
}

// SetStopAtOffset caps delivery at the given global id. Used while a
// partition change drains readers to a common horizon.
func (r *Reader) SetStopAtOffset(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAt = n
}

// StopAtOffset returns the drain cap, zero when unset.
func (r *Reader) StopAtOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopAt
}

// Drained reports whether the reader reached its stop-at cap.
func (r *Reader) Drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopAt > 0 && r.read >= r.stopAt
}

// NextBatch returns up to max events after the read position and advances
// it, without touching the durable offset. Returns nil when nothing is
// pending or the stop-at cap was reached.
func (r *Reader) NextBatch(ctx context.Context, max int) ([]workflow.ConsumedEvent, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if max <= 0 || max > r.batchSize {
		max = r.batchSize
	}
	if r.Drained() {
		return nil, nil
	}
	events, err := r.fetch(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	r.read = events[len(events)-1].GlobalID
	r.mu.Unlock()
	return events, nil
}

// storeBatch reads the next slice of the log from the store and decodes
// it. A decode failure aborts the whole batch so nothing is skipped.
func (r *Reader) storeBatch(ctx context.Context, max int) ([]workflow.ConsumedEvent, error) {
	r.mu.Lock()
	after := r.read
	stopAt := r.stopAt
	r.mu.Unlock()

	q := store.ListQuery{
		WorkflowType:  r.workflowType,
		AfterGlobalID: after,
		EventTypes:    r.eventTypes,
		Limit:         max,
	}
	pending, err := r.st.PeekEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("peek events: %w", err)
	}
	if !pending {
		return nil, nil
	}
	rows, err := r.st.ListEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]workflow.ConsumedEvent, 0, len(rows))
	for _, row := range rows {
		if stopAt > 0 && row.GlobalID > stopAt {
			break
		}
		ev, err := r.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if len(out) > 0 {
		metrics.ReaderEventsRead.WithLabelValues(r.workflowType, r.name, "store").Add(float64(len(out)))
	}
	return out, nil
}

func (r *Reader) decode(row store.StoredEvent) (workflow.ConsumedEvent, error) {
	e, err := r.cdc.DecodeEvent(r.def, row.EventType, row.SchemaVersion, row.Body)
	if err != nil {
		return workflow.ConsumedEvent{}, fmt.Errorf("decode event %d (%s): %w", row.GlobalID, row.EventType, err)
	}
	return workflow.ConsumedEvent{
		GlobalID:        row.GlobalID,
		WorkflowID:      row.WorkflowID,
		WorkflowType:    row.WorkflowType,
		WorkflowVersion: row.WorkflowVersion,
		EventType:       row.EventType,
		SchemaVersion:   row.SchemaVersion,
		Metadata:        row.Metadata,
		At:              row.At,
		Event:           e,
	}, nil
}

// Advance acknowledges everything up to and including globalID. Only
// acknowledged positions are eligible for commit.
func (r *Reader) Advance(globalID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if globalID > r.processed {
		r.processed = globalID
	}
}

// rewind resets the read position to the last acknowledged event so the
// failed remainder of a batch is redelivered.
func (r *Reader) rewind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = r.processed
}

// Commit persists the offset with a compare-and-swap against the last
// committed value. workflow.ErrOffsetConflict means another process owns
// the name now; the caller must stop.
func (r *Reader) Commit(ctx context.Context, lastGlobalID int64) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.Lock()
	from := r.committed
	r.mu.Unlock()
	if lastGlobalID <= from {
		return nil
	}
	if err := r.st.CommitOffset(ctx, r.name, from, lastGlobalID); err != nil {
		if errors.Is(err, workflow.ErrOffsetConflict) {
			return fmt.Errorf("commit offset %s from %d to %d: %w", r.name, from, lastGlobalID, err)
		}
		return fmt.Errorf("commit offset %s: %w", r.name, err)
	}
	r.mu.Lock()
	r.committed = lastGlobalID
	r.mu.Unlock()
	return nil
}

// Flush commits the acknowledged position.
func (r *Reader) Flush(ctx context.Context) error {
	r.mu.Lock()
	processed := r.processed
	r.mu.Unlock()
	return r.Commit(ctx, processed)
}

// Close flushes the offset. The reader must not be used afterwards.
func (r *Reader) Close(ctx context.Context) error {
	return r.Flush(ctx)
}

// Run polls the log and feeds fn until ctx is cancelled, the stop-at cap
// is drained, or the offset is lost to another claimant. Delivery is
// at-least-once: fn failures rewind and redeliver after a backoff.
func (r *Reader) Run(ctx context.Context, fn Handler) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if r.horizonEvery > 0 {
		horizonCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-horizonCtx.Done():
					return
				case <-r.clk.After(r.horizonEvery):
					if err := r.Flush(horizonCtx); err != nil && !errors.Is(err, context.Canceled) {
						r.logger.Warn("Horizon flush failed", zap.Error(err))
					}
				}
			}
		}()
	}
	defer wg.Wait()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.Flush(flushCtx); err != nil {
			r.logger.Warn("Final offset flush failed", zap.Error(err))
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := r.NextBatch(ctx, r.batchSize)
		if err != nil {
			r.logger.Warn("Fetch failed", zap.Error(err))
			if werr := r.sleeper.Wait(ctx); werr != nil {
				return werr
			}
			continue
		}
		if len(batch) == 0 {
			if r.Drained() {
				r.logger.Info("Reader drained to stop offset", zap.Int64("stop_at", r.StopAtOffset()))
				return r.Flush(ctx)
			}
			if werr := r.sleeper.Wait(ctx); werr != nil {
				return werr
			}
			continue
		}
		r.sleeper.Reset()

		failed := false
		for _, ev := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, ev); err != nil {
				r.logger.Warn("Handler failed, rewinding",
					zap.Int64("global_id", ev.GlobalID),
					zap.String("event_type", ev.EventType),
					zap.Error(err))
				r.rewind()
				failed = true
				break
			}
			r.Advance(ev.GlobalID)
		}
		if err := r.Flush(ctx); err != nil {
			if errors.Is(err, workflow.ErrOffsetConflict) {
				r.logger.Error("Offset claimed by another reader, stopping", zap.Error(err))
				return err
			}
			r.logger.Warn("Offset flush failed", zap.Error(err))
		}
		if failed {
			if werr := r.sleeper.Wait(ctx); werr != nil {
				return werr
			}
		}
	}
}

// DrainOnce pumps pending events through fn until the log is exhausted or
// fn fails, committing after each batch. It returns how many events fn
// handled successfully.
func (r *Reader) DrainOnce(ctx context.Context, fn Handler) (int, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	total := 0
	for {
		batch, err := r.NextBatch(ctx, r.batchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, r.Flush(ctx)
		}
		for _, ev := range batch {
			if err := fn(ctx, ev); err != nil {
				r.rewind()
				ferr := r.Flush(ctx)
				return total, errors.Join(fmt.Errorf("handle event %d: %w", ev.GlobalID, err), ferr)
			}
			r.Advance(ev.GlobalID)
			total++
		}
		if err := r.Flush(ctx); err != nil {
			return total, err
		}
	}
}
