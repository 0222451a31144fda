// Package engine assembles one workflow type's full deployment from
// configuration: store, cache, codec, repository, stream reader, runner,
// activity executor, delay scheduler, and the optional outbox publisher,
// reconciler, truncator and external consumer. It owns the infrastructure
// connections (Postgres, Redis, NATS) and the lifecycle of every
// long-running task, so a service binary wires a workflow type with one
// Options struct instead of a dozen constructors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/activity"
	"github.com/doomervibe/fleuve/internal/cache"
	"github.com/doomervibe/fleuve/internal/codec"
	"github.com/doomervibe/fleuve/internal/config"
	"github.com/doomervibe/fleuve/internal/delay"
	"github.com/doomervibe/fleuve/internal/messaging"
	"github.com/doomervibe/fleuve/internal/metrics"
	"github.com/doomervibe/fleuve/internal/partition"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/runner"
	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/stream"
	"github.com/doomervibe/fleuve/internal/tracing"
	"github.com/doomervibe/fleuve/internal/truncation"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Supervised task restart backoff bounds.
const (
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second

	shutdownTimeout = 10 * time.Second
)

// Options describe one workflow type's deployment.
type Options struct {
	// Config drives every backend and tuning choice. Required.
	Config *config.Config

	// Definition is the workflow type this engine runs. Required.
	Definition workflow.Definition

	// Register installs the type's commands, events and state in the
	// codec registry. Required; system types are pre-registered.
	Register func(*codec.Registry) error

	// Adapter maps events to external actions. Nil runs the type without
	// an activity executor.
	Adapter activity.Adapter

	// Parser decodes external message payloads into events. Required when
	// external messaging is enabled.
	Parser messaging.Parser

	// OnActionFailed observes dead-lettered actions.
	OnActionFailed func(ctx context.Context, row store.ActivityRow, err error)

	// Store overrides the Postgres store opened from Config.DatabaseURL.
	// Tests inject enginetest.NewMemStore(); the engine never closes an
	// injected store.
	Store store.Store

	// Cache overrides the backend selected by Config.Cache.
	Cache cache.StateCache

	// Clock feeds every time-dependent component. Nil means wall clock.
	Clock clock.Clock

	Logger *zap.Logger
}

// Engine bundles the running pieces of one workflow type.
type Engine struct {
	cfg    *config.Config
	def    workflow.Definition
	clk    clock.Clock
	logger *zap.Logger

	st    store.Store
	pg    *store.Postgres
	nc    *nats.Conn
	js    nats.JetStreamContext
	redis *redis.Client

	cdc *codec.Codec
	rep *repo.Repository

	reader *stream.Reader
	hybrid *stream.HybridReader
	runner *runner.Runner
	exec   *activity.Executor
	sched  *delay.Scheduler
	trunc  *truncation.Truncator
	outbox *messaging.OutboxPublisher
	recon  *messaging.Reconciler
	cons   *messaging.Consumer

	metricsSrv    *http.Server
	traceShutdown func(context.Context) error

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	srvWG    sync.WaitGroup
}

// New wires an engine from the options. Infrastructure opened here
// (database pool, NATS and Redis connections) is torn down again when
// construction fails partway, and otherwise lives until Stop.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config required")
	}
	if opts.Definition == nil {
		return nil, fmt.Errorf("engine: workflow definition required")
	}
	if err := workflow.ValidateDefinition(opts.Definition); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Register == nil {
		return nil, fmt.Errorf("engine: codec registration func required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.External.Enabled && opts.Parser == nil {
		return nil, fmt.Errorf("engine: external messaging requires a payload parser")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	e := &Engine{
		cfg:    cfg,
		def:    opts.Definition,
		clk:    clk,
		logger: logger.With(zap.String("workflow_type", opts.Definition.Name())),
	}

	ok := false
	defer func() {
		if !ok {
			e.closeInfra()
		}
	}()

	if opts.Store != nil {
		e.st = opts.Store
	} else {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("engine: database_url required")
		}
		pg, err := store.OpenURL(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		e.pg = pg
		e.st = pg
		if err := pg.EnsureSchema(); err != nil {
			return nil, err
		}
	}

	if cfg.Outbox.Enabled || cfg.External.Enabled || cfg.Cache.Backend == config.BackendNATSKV {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("fleuve_"+e.def.Name()))
		if err != nil {
			return nil, fmt.Errorf("engine: connect nats: %w", err)
		}
		e.nc = nc
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("engine: jetstream: %w", err)
		}
		e.js = js
	}

	reg := codec.NewRegistry()
	if err := opts.Register(reg); err != nil {
		return nil, fmt.Errorf("engine: register types: %w", err)
	}
	cdc, err := codec.New(reg, codec.Options{
		Compression:   cfg.Compression,
		EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		return nil, err
	}
	e.cdc = cdc

	sc, err := e.buildCache(ctx, opts)
	if err != nil {
		return nil, err
	}

	// The config treats 0 as "snapshots off" while the repository treats
	// it as "use the default", so disable explicitly.
	snapshotInterval := cfg.SnapshotInterval
	if snapshotInterval == 0 {
		snapshotInterval = -1
	}
	e.rep = repo.NewWithOptions(e.st, cdc, e.def, logger, repo.Options{
		Cache:            sc,
		SnapshotInterval: snapshotInterval,
		Clock:            clk,
	})

	part := partition.Config{
		WorkflowType: e.def.Name(),
		Index:        cfg.Partition.Index,
		Total:        cfg.Partition.Total,
	}
	keep, err := part.Predicate()
	if err != nil {
		return nil, err
	}

	readerName := partition.RunnerName(e.def.Name())
	if cfg.Partition.Total > 1 {
		readerName = part.ReaderName()
	}
	readerOpts := stream.Options{
		BatchSize: cfg.ReaderBatchSize,
		MinSleep:  cfg.ReaderPollInterval,
		Clock:     clk,
		Logger:    logger,
	}
	if e.js != nil && cfg.Outbox.Enabled {
		h, err := stream.NewHybridReader(readerName, e.st, cdc, e.def, e.js, readerOpts)
		if err != nil {
			return nil, err
		}
		e.hybrid = h
		e.reader = h.Reader
	} else {
		rd, err := stream.NewReader(readerName, e.st, cdc, e.def, readerOpts)
		if err != nil {
			return nil, err
		}
		e.reader = rd
	}

	var effects runner.SideEffects
	if opts.Adapter != nil {
		ex, err := activity.New(e.rep, opts.Adapter, activity.Options{
			Workers:        cfg.ActivityWorkers,
			RetryPolicy:    cfg.RetryPolicy.ToPolicy(),
			OnActionFailed: opts.OnActionFailed,
			Clock:          clk,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		e.exec = ex
		effects = ex
	}

	var keepFn func(string) bool
	if cfg.Partition.Total > 1 {
		keepFn = keep
	}
	run, err := runner.New(e.rep, e.reader, runner.Options{
		Keep:    keepFn,
		Effects: effects,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	e.runner = run

	sched, err := delay.New(e.rep, delay.Options{
		PollInterval: cfg.DelayPollInterval,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	e.sched = sched

	if cfg.EnableTruncation {
		tr, err := truncation.New(e.def.Name(), e.st, truncation.Options{
			Retention:     cfg.TruncationMinRetention,
			BatchSize:     cfg.TruncationBatchSize,
			CheckInterval: cfg.TruncationCheckInterval,
			RequirePushed: cfg.Outbox.Enabled,
			Clock:         clk,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		e.trunc = tr
	}

	if cfg.Outbox.Enabled {
		pub, err := messaging.NewOutboxPublisher(e.def.Name(), e.st, e.js, messaging.OutboxOptions{
			BatchSize:    cfg.Outbox.BatchSize,
			PollInterval: cfg.Outbox.PollInterval,
			Clock:        clk,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		e.outbox = pub
		rec, err := messaging.NewReconciler(e.def.Name(), e.st, messaging.ReconcilerOptions{
			Clock:  clk,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		e.recon = rec
	}

	if cfg.External.Enabled {
		consOpts := messaging.ConsumerOptions{
			Stream: cfg.External.Stream,
			Clock:  clk,
			Logger: logger,
		}
		if cfg.Partition.Total > 1 {
			consOpts.Name = fmt.Sprintf("%s_partition_%d_of_%d",
				messaging.ConsumerName(e.def.Name()), cfg.Partition.Index, cfg.Partition.Total)
			consOpts.Filter = keep
		}
		cons, err := messaging.NewConsumer(e.rep, e.js, opts.Parser, consOpts)
		if err != nil {
			return nil, err
		}
		e.cons = cons
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		e.metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	shutdown, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.EnableTracing,
		ServiceName:  "fleuve_" + e.def.Name(),
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return nil, err
	}
	e.traceShutdown = shutdown

	ok = true
	return e, nil
}

// buildCache selects the state cache backend. Connections it opens are
// owned by the engine and closed on Stop.
func (e *Engine) buildCache(ctx context.Context, opts Options) (cache.StateCache, error) {
	if opts.Cache != nil {
		return opts.Cache, nil
	}
	cfg := e.cfg
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		return cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.TTL), nil
	case config.BackendRedis:
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return cache.NewRedis(e.redis, cfg.Cache.TTL, e.logger), nil
	case config.BackendNATSKV:
		jsk, err := jetstream.New(e.nc)
		if err != nil {
			return nil, fmt.Errorf("engine: jetstream kv: %w", err)
		}
		return cache.NewNATSKV(ctx, jsk, "fleuve_state_"+e.def.Name(), cfg.Cache.TTL, e.logger)
	case config.BackendTiered:
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		local := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.TTL)
		return cache.NewTiered(local, cache.NewRedis(e.redis, cfg.Cache.TTL, e.logger)), nil
	}
	return nil, fmt.Errorf("engine: unknown cache backend %q", cfg.Cache.Backend)
}

// Repository exposes the wired repository for command submission and
// state reads.
func (e *Engine) Repository() *repo.Repository { return e.rep }

// Store exposes the wired event store.
func (e *Engine) Store() store.Store { return e.st }

// Start launches every long-running task. The runner and executor stop
// through Stop; the background loops additionally stop when ctx is
// cancelled. Start is idempotent while running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	bgCtx, bgCancel := context.WithCancel(runCtx)
	e.cancel = cancel
	e.bgCancel = bgCancel
	e.mu.Unlock()

	if e.metricsSrv != nil {
		e.srvWG.Add(1)
		go func() {
			defer e.srvWG.Done()
			e.logger.Info("Metrics server listening", zap.String("addr", e.metricsSrv.Addr))
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	if e.exec != nil {
		e.exec.Start(runCtx)
	}
	e.runner.Start(runCtx)
	e.supervise(bgCtx, "delay_scheduler", e.sched.Run)
	if e.trunc != nil {
		e.supervise(bgCtx, "truncator", e.trunc.Run)
	}
	if e.outbox != nil {
		e.supervise(bgCtx, "outbox_publisher", e.outbox.Run)
	}
	if e.recon != nil {
		e.supervise(bgCtx, "outbox_reconciler", e.recon.Run)
	}
	if e.cons != nil {
		e.supervise(bgCtx, "external_consumer", e.cons.Run)
	}
	e.logger.Info("Engine started")
}

// Stop drains everything in reverse dependency order: background loops
// first, then the runner (which flushes its reader offset), then the
// executor's in-flight actions, and finally the metrics server, tracer
// and infrastructure connections. Safe to call once per Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, bgCancel := e.cancel, e.bgCancel
	e.mu.Unlock()

	shutCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	bgCancel()
	e.bgWG.Wait()

	e.runner.Stop()
	if e.hybrid != nil {
		if err := e.hybrid.Close(shutCtx); err != nil {
			e.logger.Warn("Hybrid reader close failed", zap.Error(err))
		}
	}
	if e.exec != nil {
		e.exec.Stop()
	}

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Shutdown(shutCtx); err != nil {
			e.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
		e.srvWG.Wait()
	}
	if e.traceShutdown != nil {
		if err := e.traceShutdown(shutCtx); err != nil {
			e.logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}

	cancel()
	e.closeInfra()
	e.logger.Info("Engine stopped")
}

// Run starts the engine, blocks until ctx is cancelled and drains. It is
// the loop behind the serve command.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)
	<-ctx.Done()
	e.Stop()
	return nil
}

// supervise runs one background task in a goroutine, restarting it with
// exponential backoff after an error or panic. A ctx cancellation ends
// the task for good.
func (e *Engine) supervise(ctx context.Context, name string, run func(context.Context) error) {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		backoff := restartBackoffMin
		for {
			err := guard(ctx, run)
			if ctx.Err() != nil {
				return
			}
			metrics.TaskRestarts.WithLabelValues(name).Inc()
			e.logger.Warn("Task exited, restarting",
				zap.String("task", name),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-e.clk.After(backoff):
			}
			if backoff < restartBackoffMax {
				backoff *= 2
			}
		}
	}()
}

// guard converts a panic in run into an error so the supervisor can
// restart instead of crashing the process.
func guard(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return run(ctx)
}

// closeInfra releases connections the engine opened. Injected stores and
// caches stay untouched.
func (e *Engine) closeInfra() {
	if e.nc != nil {
		e.nc.Close()
		e.nc = nil
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("Redis close failed", zap.Error(err))
		}
		e.redis = nil
	}
	if e.pg != nil {
		if err := e.pg.Close(); err != nil {
			e.logger.Warn("Store close failed", zap.Error(err))
		}
		e.pg = nil
	}
}
