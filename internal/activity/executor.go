package activity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Defaults for Options.
const (
	DefaultWorkers          = 4
	DefaultRecoveryInterval = 30 * time.Second
	DefaultStaleThreshold   = 5 * time.Minute

	recoveryBatch = 100
)

// ErrTimeout marks an attempt that outran its adapter-declared time bound.
var ErrTimeout = errors.New("action timed out")

// errExhausted dead-letters a recovered action whose retry budget was
// already spent by previous owners.
var errExhausted = errors.New("retry budget exhausted")

// errPanic wraps a recovered adapter panic so it rides the normal retry
// path.
var errPanic = errors.New("adapter panicked")

// Options tune an Executor. Zero values get sensible defaults.
type Options struct {
	// Workers is the size of the execution pool.
	Workers int

	// RunnerID identifies this executor in activity records. Stale records
	// owned by other runner ids are taken over by the recovery loop.
	// Defaults to hostname-pid.
	RunnerID string

	// RetryPolicy applies to actions whose adapter does not implement
	// RetryPolicyProvider. Zero means workflow.DefaultRetryPolicy.
	RetryPolicy workflow.RetryPolicy

	// RecoveryInterval is how often the recovery loop scans for stale
	// records; StaleThreshold is how long a record may sit unattempted
	// before another executor claims it.
	RecoveryInterval time.Duration
	StaleThreshold   time.Duration

	// OnActionFailed runs after an action exhausts its retries, with the
	// dead-lettered record and the final error.
	OnActionFailed func(ctx context.Context, row store.ActivityRow, err error)

	Clock  clock.Clock
	Logger *zap.Logger
}

// job is one unit handed to the worker pool: the triggering event plus the
// retry bookkeeping it resumes from.
type job struct {
	ev         workflow.ConsumedEvent
	policy     workflow.RetryPolicy
	retryStart int
	checkpoint map[string]any
}

type actionKey struct {
	workflowID  string
	eventNumber int
}

// Executor drives an Adapter from the event stream. It implements the
// runner's SideEffects hook: every owned event is offered to the adapter,
// matching events get a durable activity record and run on the worker pool.
//
// The record is written before the job is queued, so the reader may commit
// past the event: a crash leaves a running record that the recovery loop of
// any executor picks up after the stale threshold.
type Executor struct {
	rep     *repo.Repository
	adapter Adapter

	workers          int
	runnerID         string
	policy           workflow.RetryPolicy
	recoveryInterval time.Duration
	staleThreshold   time.Duration
	onFailed         func(ctx context.Context, row store.ActivityRow, err error)
	clk              clock.Clock
	logger           *zap.Logger

	jobs chan job
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[actionKey]context.CancelFunc
}

// New builds an executor over rep's store for adapter.
func New(rep *repo.Repository, adapter Adapter, opts Options) (*Executor, error) {
	if rep == nil {
		return nil, errors.New("activity: repository required")
	}
	if adapter == nil {
		return nil, errors.New("activity: adapter required")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RunnerID == "" {
		opts.RunnerID = defaultRunnerID()
	}
	if opts.RetryPolicy == (workflow.RetryPolicy{}) {
		opts.RetryPolicy = workflow.DefaultRetryPolicy()
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = DefaultRecoveryInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		rep:              rep,
		adapter:          adapter,
		workers:          opts.Workers,
		runnerID:         opts.RunnerID,
		policy:           opts.RetryPolicy,
		recoveryInterval: opts.RecoveryInterval,
		staleThreshold:   opts.StaleThreshold,
		onFailed:         opts.OnActionFailed,
		clk:              opts.Clock,
		logger: opts.Logger.With(
			zap.String("component", "activity_executor"),
			zap.String("workflow_type", rep.WorkflowType()),
		),
		jobs:     make(chan job),
		stop:     make(chan struct{}),
		inflight: make(map[actionKey]context.CancelFunc),
	}, nil
}

// RunnerID returns the id this executor stamps on activity records.
func (e *Executor) RunnerID() string { return e.runnerID }

// Start launches the worker pool and the recovery loop.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.recoveryLoop(ctx)
	e.logger.Info("Activity executor started",
		zap.String("runner_id", e.runnerID),
		zap.Int("workers", e.workers))
}

// Stop signals every goroutine and waits for in-flight attempts to finish.
// Records of attempts cut short stay running and are recovered later.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.logger.Info("Activity executor stopped")
}

// ObserveEvent is the runner's SideEffects hook. Cancellation events are
// applied inline; events the adapter acts on are claimed and queued.
func (e *Executor) ObserveEvent(ctx context.Context, ev workflow.ConsumedEvent) error {
	switch sys := ev.Event.(type) {
	case workflow.ActionCancel:
		_, err := e.CancelActions(ctx, ev.WorkflowID, sys.EventNumbers...)
		return err
	case workflow.SystemCancel:
		_, err := e.CancelActions(ctx, ev.WorkflowID)
		return err
	}
	if !e.adapter.ShouldActOn(ev.Event) {
		return nil
	}

	_, err := e.rep.Store().GetActivity(ctx, ev.WorkflowID, ev.WorkflowVersion)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		// First delivery.
	case err != nil:
		return err
	default:
		// Redelivery after a rewind, or another executor owns the record.
		// Terminal records stay done; live ones finish on their owner or
		// through the recovery loop.
		return nil
	}

	j := job{ev: ev, policy: e.policyFor(ev.Event), checkpoint: map[string]any{}}
	if err := e.writeRecord(ctx, j, store.ActivityRunning, 0, j.checkpoint, nil, nil); err != nil {
		return err
	}
	return e.enqueue(ctx, j)
}

// RetryFailedAction rearms a dead-lettered action with a fresh retry budget
// and runs it again, keeping its checkpoint. Returns false when no failed
// record exists for the key.
func (e *Executor) RetryFailedAction(ctx context.Context, workflowID string, eventNumber int) (bool, error) {
	st := e.rep.Store()
	ok, err := st.ResetActivity(ctx, workflowID, eventNumber)
	if err != nil || !ok {
		return ok, err
	}
	row, err := st.GetActivity(ctx, workflowID, eventNumber)
	if err != nil {
		return true, err
	}
	ev, err := e.eventAt(ctx, workflowID, eventNumber)
	if err != nil {
		return true, err
	}
	j := job{
		ev:         ev,
		policy:     e.rowPolicy(*row, ev),
		checkpoint: map[string]any(row.Checkpoint),
	}
	if err := e.writeRecord(ctx, j, store.ActivityRunning, 0, j.checkpoint, nil, nil); err != nil {
		return true, err
	}
	return true, e.enqueue(ctx, j)
}

// CancelActions marks the workflow's non-terminal action records cancelled
// and interrupts any of them running here. With event numbers it narrows to
// those actions.
func (e *Executor) CancelActions(ctx context.Context, workflowID string, eventNumbers ...int) (int64, error) {
	n, err := e.rep.Store().CancelActivities(ctx, workflowID, eventNumbers)
	if err != nil {
		return n, err
	}
	e.mu.Lock()
	for key, cancel := range e.inflight {
		if key.workflowID != workflowID {
			continue
		}
		if len(eventNumbers) == 0 || containsInt(eventNumbers, key.eventNumber) {
			cancel()
		}
	}
	e.mu.Unlock()
	if n > 0 {
		e.logger.Info("Actions cancelled",
			zap.String("workflow_id", workflowID), zap.Int64("count", n))
	}
	return n, nil
}

// enqueue hands a job to the pool, blocking for backpressure. On stop the
// job is dropped; its running record is recovered later.
func (e *Executor) enqueue(ctx context.Context, j job) error {
	select {
	case e.jobs <- j:
		return nil
	case <-e.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case j := <-e.jobs:
			e.run(ctx, j)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// run drives one action to a terminal status: the attempt loop with backoff
// between failures, then completed or failed. Shutdown and per-action
// cancellation leave the record to the recovery loop or the cancel write.
func (e *Executor) run(ctx context.Context, j job) {
	key := actionKey{workflowID: j.ev.WorkflowID, eventNumber: j.ev.WorkflowVersion}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(key, cancel)
	defer e.untrack(key)

	log := e.logger.With(
		zap.String("workflow_id", j.ev.WorkflowID),
		zap.Int("event_number", j.ev.WorkflowVersion),
		zap.String("event_type", j.ev.EventType))

	checkpoint := cloneCheckpoint(j.checkpoint)
	for k := j.retryStart; ; k++ {
		if k > j.policy.MaxRetries {
			e.deadLetter(ctx, j, k-1, checkpoint, errExhausted)
			return
		}
		if k > j.retryStart {
			if err := e.writeRecord(runCtx, j, store.ActivityRunning, k, checkpoint, nil, nil); err != nil {
				log.Warn("Activity record write failed", zap.Error(err))
			}
		}

		started := e.clk.Now()
		cp, attemptErr := e.attempt(runCtx, j, k, checkpoint)
		checkpoint = cp

		if attemptErr == nil {
			now := e.clk.Now()
			if err := e.writeRecord(ctx, j, store.ActivityCompleted, k, checkpoint, nil, &now); err != nil {
				log.Warn("Activity record write failed", zap.Error(err))
			}
			metrics.RecordAction(e.rep.WorkflowType(), now.Sub(started).Seconds())
			log.Debug("Action completed", zap.Int("retries", k))
			return
		}
		if runCtx.Err() != nil {
			// Engine shutdown keeps the running record for recovery; a
			// per-action cancel already wrote the cancelled status.
			log.Debug("Action interrupted", zap.Error(attemptErr))
			return
		}

		log.Warn("Action attempt failed",
			zap.Int("retry", k),
			zap.Int("max_retries", j.policy.MaxRetries),
			zap.Error(attemptErr))

		if k >= j.policy.MaxRetries {
			e.deadLetter(ctx, j, k, checkpoint, attemptErr)
			return
		}

		wait := j.policy.Backoff(k)
		nextRetry := e.clk.Now().Add(wait)
		if err := e.writeRecord(ctx, j, store.ActivityRetrying, k+1, checkpoint, attemptErr, &nextRetry); err != nil {
			log.Warn("Activity record write failed", zap.Error(err))
		}
		select {
		case <-e.clk.After(wait):
		case <-runCtx.Done():
			return
		case <-e.stop:
			return
		}
	}
}

// attempt consumes one full pass of the adapter's item stream. The returned
// checkpoint reflects every merge the attempt made, whether it succeeded or
// not.
func (e *Executor) attempt(ctx context.Context, j job, retry int, checkpoint map[string]any) (cp map[string]any, err error) {
	cp = cloneCheckpoint(checkpoint)
	actx := &ActionContext{
		WorkflowID:  j.ev.WorkflowID,
		EventNumber: j.ev.WorkflowVersion,
		Checkpoint:  cloneCheckpoint(checkpoint),
		RetryCount:  retry,
		RetryPolicy: j.policy,
	}

	// The attempt context is cancelled on every exit so a blocked producer
	// goroutine unwinds instead of leaking.
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	items, errFn := e.adapter.ActOn(attemptCtx, j.ev, actx)

	var timer clock.Timer
	var deadline <-chan time.Time
	var bound time.Duration
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case item, ok := <-items:
			if !ok {
				return cp, errFn()
			}
			switch it := item.(type) {
			case CommandItem:
				if err := e.apply(attemptCtx, j.ev.WorkflowID, it.Cmd); err != nil {
					cancel()
					return cp, err
				}
			case CheckpointItem:
				for k, v := range it.Data {
					cp[k] = v
				}
				if it.SaveNow {
					if err := e.writeRecord(attemptCtx, j, store.ActivityRunning, retry, cp, nil, nil); err != nil {
						cancel()
						return cp, err
					}
				}
			case TimeoutItem:
				if timer != nil {
					timer.Stop()
				}
				bound = time.Duration(it.Seconds * float64(time.Second))
				timer = e.clk.NewTimer(bound)
				deadline = timer.Chan()
			}
		case <-deadline:
			cancel()
			return cp, fmt.Errorf("%w after %s", ErrTimeout, bound)
		case <-attemptCtx.Done():
			return cp, attemptCtx.Err()
		}
	}
}

// apply runs one adapter-emitted command against the acting workflow.
// Expected refusals (rejections, lifecycle gates) count as success so
// re-running an already-effective action converges instead of retrying
// forever.
func (e *Executor) apply(ctx context.Context, workflowID string, cmd workflow.Command) error {
	_, err := e.rep.ProcessCommand(ctx, workflowID, cmd)
	if err == nil || repo.IsExpectedRefusal(err) {
		return nil
	}
	return err
}

// deadLetter writes the terminal failed record and fires the failure hook.
func (e *Executor) deadLetter(ctx context.Context, j job, retry int, checkpoint map[string]any, actErr error) {
	now := e.clk.Now()
	row := e.record(j, store.ActivityFailed, retry, checkpoint, actErr, nil, &now)
	if err := e.rep.Store().UpsertActivity(ctx, row); err != nil {
		e.logger.Error("Dead-letter write failed",
			zap.String("workflow_id", j.ev.WorkflowID),
			zap.Int("event_number", j.ev.WorkflowVersion),
			zap.Error(err))
	}
	metrics.FailedActions.WithLabelValues(e.rep.WorkflowType(), errorKind(actErr)).Inc()
	e.logger.Error("Action failed permanently",
		zap.String("workflow_id", j.ev.WorkflowID),
		zap.Int("event_number", j.ev.WorkflowVersion),
		zap.String("event_type", j.ev.EventType),
		zap.Int("retries", retry),
		zap.Error(actErr))
	if e.onFailed != nil {
		e.onFailed(ctx, row, actErr)
	}
}

// recoveryLoop periodically rescues records whose owner stopped attempting
// them: crashed executors, lost jobs, manual resets in other processes.
func (e *Executor) recoveryLoop(ctx context.Context) {
	defer e.wg.Done()
	timer := e.clk.NewTimer(e.recoveryInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			if err := e.recoverOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("Activity recovery scan failed", zap.Error(err))
			}
			timer.Reset(e.recoveryInterval)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) recoverOnce(ctx context.Context) error {
	stale := e.clk.Now().Add(-e.staleThreshold)
	rows, err := e.rep.Store().ListActivities(ctx, store.ActivityFilter{
		Statuses:        []string{store.ActivityPending, store.ActivityRunning, store.ActivityRetrying},
		AttemptedBefore: &stale,
		Limit:           recoveryBatch,
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		select {
		case <-e.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.recoverRow(ctx, row, stale); err != nil {
			e.logger.Warn("Activity takeover failed",
				zap.String("workflow_id", row.WorkflowID),
				zap.Int("event_number", row.EventNumber),
				zap.Error(err))
		}
	}
	return nil
}

// recoverRow claims one stale record and requeues it. Running and retrying
// records go through the conditional takeover so exactly one executor wins;
// the takeover costs a retry slot. Pending records come from manual resets
// and resume with the retry count they carry.
func (e *Executor) recoverRow(ctx context.Context, row store.ActivityRow, staleBefore time.Time) error {
	retryStart := row.RetryCount
	if row.Status != store.ActivityPending {
		if row.RunnerID == e.runnerID {
			// Our own long backoff; the in-flight goroutine still owns it.
			return nil
		}
		won, err := e.rep.Store().TakeOverActivity(ctx, row.WorkflowID, row.EventNumber, e.runnerID, staleBefore)
		if err != nil || !won {
			return err
		}
		retryStart = row.RetryCount + 1
	}

	ev, err := e.eventAt(ctx, row.WorkflowID, row.EventNumber)
	if err != nil {
		return err
	}
	j := job{
		ev:         ev,
		policy:     e.rowPolicy(row, ev),
		retryStart: retryStart,
		checkpoint: map[string]any(row.Checkpoint),
	}
	if row.Status == store.ActivityPending {
		if err := e.writeRecord(ctx, j, store.ActivityRunning, retryStart, j.checkpoint, nil, nil); err != nil {
			return err
		}
	}
	e.logger.Info("Recovered stale action",
		zap.String("workflow_id", row.WorkflowID),
		zap.Int("event_number", row.EventNumber),
		zap.String("previous_status", row.Status),
		zap.Int("retry", retryStart))
	return e.enqueue(ctx, j)
}

// eventAt reloads the event a recovered record points at and decodes it the
// way the original delivery did.
func (e *Executor) eventAt(ctx context.Context, workflowID string, version int) (workflow.ConsumedEvent, error) {
	rows, err := e.rep.Store().LoadEvents(ctx, workflowID, version-1, version)
	if err != nil {
		return workflow.ConsumedEvent{}, err
	}
	if len(rows) == 0 {
		return workflow.ConsumedEvent{}, fmt.Errorf("event %s/%d: %w", workflowID, version, workflow.ErrNotFound)
	}
	se := rows[0]
	ev, err := e.rep.Codec().DecodeEvent(e.rep.Definition(), se.EventType, se.SchemaVersion, se.Body)
	if err != nil {
		return workflow.ConsumedEvent{}, err
	}
	return workflow.ConsumedEvent{
		GlobalID:        se.GlobalID,
		WorkflowID:      se.WorkflowID,
		WorkflowType:    se.WorkflowType,
		WorkflowVersion: se.WorkflowVersion,
		EventType:       se.EventType,
		SchemaVersion:   se.SchemaVersion,
		Metadata:        map[string]any(se.Metadata),
		At:              se.At,
		Event:           ev,
	}, nil
}

// writeRecord upserts the activity record for j at the given status. The
// store keeps the original started_at on conflict.
func (e *Executor) writeRecord(ctx context.Context, j job, status string, retry int, checkpoint map[string]any, attemptErr error, extra *time.Time) error {
	var nextRetry, finished *time.Time
	switch status {
	case store.ActivityRetrying:
		nextRetry = extra
	case store.ActivityCompleted, store.ActivityFailed, store.ActivityCancelled:
		finished = extra
	}
	return e.rep.Store().UpsertActivity(ctx, e.record(j, status, retry, checkpoint, attemptErr, nextRetry, finished))
}

func (e *Executor) record(j job, status string, retry int, checkpoint map[string]any, attemptErr error, nextRetry, finished *time.Time) store.ActivityRow {
	now := e.clk.Now()
	row := store.ActivityRow{
		WorkflowID:    j.ev.WorkflowID,
		EventNumber:   j.ev.WorkflowVersion,
		Status:        status,
		RetryCount:    retry,
		MaxRetries:    j.policy.MaxRetries,
		Checkpoint:    store.JSONB(checkpoint),
		RetryPolicy:   store.RetryPolicyJSON{RetryPolicy: j.policy},
		RunnerID:      e.runnerID,
		StartedAt:     now,
		LastAttemptAt: &now,
		NextRetryAt:   nextRetry,
		FinishedAt:    finished,
	}
	if attemptErr != nil {
		row.ErrorMessage = attemptErr.Error()
		row.ErrorType = errorKind(attemptErr)
	}
	return row
}

func (e *Executor) policyFor(ev workflow.Event) workflow.RetryPolicy {
	if p, ok := e.adapter.(RetryPolicyProvider); ok {
		if policy := p.RetryPolicyFor(ev); policy != (workflow.RetryPolicy{}) {
			return policy
		}
	}
	return e.policy
}

// rowPolicy resumes with the policy the record was created under so a
// recovered action keeps its original budget.
func (e *Executor) rowPolicy(row store.ActivityRow, ev workflow.ConsumedEvent) workflow.RetryPolicy {
	if !row.RetryPolicy.IsZero() {
		return row.RetryPolicy.RetryPolicy
	}
	return e.policyFor(ev.Event)
}

func (e *Executor) track(key actionKey, cancel context.CancelFunc) {
	e.mu.Lock()
	e.inflight[key] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(key actionKey) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

// errorKind classifies an attempt error for the record's error_type column
// and the failure metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, errPanic):
		return "panic"
	case errors.Is(err, errExhausted):
		return "exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func defaultRunnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
