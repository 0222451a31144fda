// Package runner drives one workflow type's event loop. It tails the
// type's log through a stream reader, hands matching events to the side
// effect executor, turns events into follow-up commands, and fans those
// commands out to the subscribing workflow instances.
//
// Partitioned deployments run one Runner per partition, all reading the
// full type log but acting only on the ids their predicate keeps.
package runner

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/stream"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// SideEffects receives every event of the runner's own partition before
// command routing. The activity executor implements it.
type SideEffects interface {
	ObserveEvent(ctx context.Context, ev workflow.ConsumedEvent) error
}

// DefaultScalingCheckEvery is how many events pass between polls of the
// scaling_operations table.
const DefaultScalingCheckEvery = 50

// Options tune a Runner. Zero values get defaults.
type Options struct {
	// Keep filters which workflow ids this runner acts for. Nil keeps
	// everything (single-partition deployment).
	Keep func(workflowID string) bool

	// Effects observes events belonging to the runner's partition.
	Effects SideEffects

	// ScalingCheckEvery overrides the scaling poll cadence. Negative
	// disables the polls entirely.
	ScalingCheckEvery int

	// MaxInflight caps concurrent command applies. One (the default)
	// applies targets sequentially.
	MaxInflight int

	// Rate and Burst configure the command-injection token bucket.
	// Zero Rate disables pacing.
	Rate  float64
	Burst int

	Logger *zap.Logger
}

// Runner consumes one partition of a workflow type's event stream.
type Runner struct {
	rep    *repo.Repository
	reader *stream.Reader
	st     store.Store
	cdc    *codec.Codec
	def    workflow.Definition

	keep       func(string) bool
	effects    SideEffects
	checkEvery int
	subs       *subCache
	inflight   *InflightTracker
	bucket     *TokenBucket
	logger     *zap.Logger

	sinceCheck int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a runner over rd, which must tail the repository's workflow
// type. The runner takes ownership of the reader.
func New(rep *repo.Repository, rd *stream.Reader, opts Options) (*Runner, error) {
	if rep == nil {
		return nil, errors.New("runner: repository required")
	}
	if rd == nil {
		return nil, errors.New("runner: reader required")
	}
	if rd.WorkflowType() != rep.WorkflowType() {
		return nil, errors.New("runner: reader and repository serve different workflow types")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	checkEvery := opts.ScalingCheckEvery
	if checkEvery == 0 {
		checkEvery = DefaultScalingCheckEvery
	}
	r := &Runner{
		rep:        rep,
		reader:     rd,
		st:         rep.Store(),
		cdc:        rep.Codec(),
		def:        rep.Definition(),
		keep:       opts.Keep,
		effects:    opts.Effects,
		checkEvery: checkEvery,
		subs:       newSubCache(rep.WorkflowType()),
		logger: opts.Logger.With(
			zap.String("runner", rd.Name()),
			zap.String("workflow_type", rep.WorkflowType())),
	}
	if opts.MaxInflight > 1 {
		r.inflight = NewInflightTracker(opts.MaxInflight)
	}
	if opts.Rate > 0 {
		r.bucket = NewTokenBucket(opts.Rate, opts.Burst, nil)
	}
	return r, nil
}

// Name returns the durable reader name the runner commits under.
func (r *Runner) Name() string { return r.reader.Name() }

// Reader exposes the reader, mainly so tests and the scaling coordinator
// can inspect offsets.
func (r *Runner) Reader() *stream.Reader { return r.reader }

// Run blocks consuming the stream until ctx is cancelled, the offset is
// claimed by another process, or a scaling drain completes. A drain stop
// returns nil; the process is expected to restart with the new layout.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.subs.load(ctx, r.st, r.logger); err != nil {
		return err
	}
	r.logger.Info("Runner started")
	err := r.reader.Run(ctx, r.handle)
	switch {
	case err == nil:
		r.logger.Info("Runner drained for scaling, stopping")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// Start launches Run on a goroutine. Stop cancels it and waits.
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()
	go func() {
		defer close(done)
		if err := r.Run(runCtx); err != nil {
			r.logger.Error("Runner stopped with error", zap.Error(err))
		}
	}()
}

// Stop finishes the in-flight batch, commits the offset and returns once
// the loop has exited.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// handle processes one consumed event. An error aborts the batch before
// commit so the reader redelivers from the last good position.
func (r *Runner) handle(ctx context.Context, ev workflow.ConsumedEvent) error {
	r.maybePollScaling(ctx)
	r.subs.fold(ev)

	if r.actable(ev) && r.effects != nil {
		if err := r.effects.ObserveEvent(ctx, ev); err != nil {
			return err
		}
	}

	cmd, targets, err := r.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if cmd != nil && len(targets) > 0 {
		if err := r.dispatch(ctx, ev, cmd, targets); err != nil {
			return err
		}
	}

	metrics.EventsProcessed.WithLabelValues(r.def.Name()).Inc()
	return nil
}

// actable reports whether this runner's partition owns the event's
// workflow.
func (r *Runner) actable(ev workflow.ConsumedEvent) bool {
	if ev.WorkflowType != r.def.Name() {
		return false
	}
	return r.keep == nil || r.keep(ev.WorkflowID)
}

// resolve derives the follow-up command and its target workflow ids.
//
// Delay completions carry their own next command and go back to the
// delayed workflow; direct messages go to the named instance; everything
// else consults the subscription cache. Targets outside this runner's
// partition are dropped here and picked up by the partition that owns
// them.
func (r *Runner) resolve(ctx context.Context, ev workflow.ConsumedEvent) (workflow.Command, []string, error) {
	switch e := ev.Event.(type) {
	case workflow.DelayComplete:
		if e.NextCommandType == "" {
			return nil, nil, nil
		}
		cmd, err := r.cdc.DecodeCommand(e.NextCommandType, e.NextCommand)
		if err != nil {
			// Undecodable follow-up commands are poison: retrying the
			// batch cannot fix them, so log and move on.
			r.logger.Error("Dropping undecodable delay command",
				zap.String("workflow_id", ev.WorkflowID),
				zap.String("command_type", e.NextCommandType),
				zap.Error(err))
			return nil, nil, nil
		}
		return cmd, r.filterTargets([]string{ev.WorkflowID}), nil
	}

	cmd := r.def.EventToCommand(ev)
	if cmd == nil {
		return nil, nil, nil
	}

	if dm, ok := ev.Event.(workflow.DirectMessageEvent); ok {
		targetType, targetID := dm.Target()
		if targetType != r.def.Name() {
			r.logger.Warn("Direct message targets a different workflow type",
				zap.String("target_type", targetType),
				zap.String("target_id", targetID))
			return nil, nil, nil
		}
		return cmd, r.filterTargets([]string{targetID}), nil
	}

	return cmd, r.filterTargets(r.subs.match(ev)), nil
}

// filterTargets applies the partition predicate, dedupes and sorts.
func (r *Runner) filterTargets(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r.keep != nil && !r.keep(id) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// dispatch applies cmd to every target. Expected refusals (lifecycle
// gates, business rejections, unknown workflows) are logged and skipped;
// anything else aborts the batch.
func (r *Runner) dispatch(ctx context.Context, ev workflow.ConsumedEvent, cmd workflow.Command, targets []string) error {
	if r.inflight == nil || len(targets) == 1 {
		for _, id := range targets {
			if err := r.apply(ctx, ev, cmd, id); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, id := range targets {
		release, err := r.inflight.Acquire(ctx, id)
		if err != nil {
			errs[i] = err
			break
		}
		wg.Add(1)
		go func(i int, id string, release func()) {
			defer wg.Done()
			defer release()
			errs[i] = r.apply(ctx, ev, cmd, id)
		}(i, id, release)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Runner) apply(ctx context.Context, ev workflow.ConsumedEvent, cmd workflow.Command, workflowID string) error {
	if err := r.bucket.Wait(ctx); err != nil {
		return err
	}
	_, err := r.rep.ProcessCommand(ctx, workflowID, cmd)
	switch {
	case err == nil:
		return nil
	case repo.IsExpectedRefusal(err):
		r.logger.Debug("Command refused",
			zap.String("workflow_id", workflowID),
			zap.String("command_type", cmd.CommandType()),
			zap.Int64("source_global_id", ev.GlobalID),
			zap.Error(err))
		return nil
	default:
		return err
	}
}

// maybePollScaling checks the scaling_operations table every checkEvery
// events and caps the reader at the frozen horizon when a resize is in
// flight.
func (r *Runner) maybePollScaling(ctx context.Context) {
	if r.checkEvery < 0 || r.reader.StopAtOffset() > 0 {
		return
	}
	r.sinceCheck++
	if r.sinceCheck < r.checkEvery {
		return
	}
	r.sinceCheck = 0

	op, err := r.st.ActiveScalingOperation(ctx, r.def.Name())
	if errors.Is(err, workflow.ErrNotFound) {
		return
	}
	if err != nil {
		r.logger.Warn("Scaling poll failed", zap.Error(err))
		return
	}
	r.reader.SetStopAtOffset(op.TargetOffset)
	r.logger.Info("Scaling operation detected, draining to horizon",
		zap.Int64("target_offset", op.TargetOffset),
		zap.String("status", op.Status))
}
