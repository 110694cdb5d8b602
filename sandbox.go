// Package sandbox runs short, untrusted JavaScript guest scripts against a
// set of host-provided capabilities. Guests run in pooled interpreter
// isolates under memory and wall-clock limits; only JSON text crosses
// between guest and host.
package sandbox

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/pool"
	"github.com/cryguy/sandbox/journal"
)

// Engine executes guest scripts. It is safe for concurrent use; each
// Execute call owns one isolate for its duration.
type Engine struct {
	cfg        Config
	backend    core.Backend
	pool       *pool.Pool[core.Isolate]
	logger     *zap.Logger
	registerer prometheus.Registerer
	recorder   journal.Recorder
	metrics    *metrics
}

// NewEngine creates an Engine and warms its isolate pool. cfg is normalized
// first, so zero fields take their defaults except WarmCount: zero there
// means no isolate is built before the first run.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     cfg.Normalize(),
		backend: defaultBackend(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newMetrics(e.registerer)

	memMB := e.cfg.MemoryLimitMB
	p, err := pool.New(
		pool.Config{WarmCount: e.cfg.WarmCount, MaxSize: e.cfg.MaxPoolSize},
		func() (core.Isolate, error) { return e.backend.NewIsolate(memMB) },
		func(iso core.Isolate) { iso.Close() },
		e.metrics,
	)
	if err != nil {
		return nil, fmt.Errorf("creating isolate pool: %w", err)
	}
	e.pool = p

	e.logger.Info("sandbox engine started",
		zap.String("backend", e.backend.Name()),
		zap.Int("warm_count", e.cfg.WarmCount),
		zap.Int("max_pool_size", e.cfg.MaxPoolSize),
		zap.Int("memory_limit_mb", e.cfg.MemoryLimitMB),
		zap.Duration("execution_timeout", e.cfg.Timeout()),
	)
	return e, nil
}

// Config returns the normalized configuration the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

// Backend returns the name of the interpreter backend.
func (e *Engine) Backend() string { return e.backend.Name() }

// Stats returns the pool counters.
func (e *Engine) Stats() PoolStats { return e.pool.Stats() }

// Shutdown disposes every idle isolate and rejects later runs with
// ErrClosed. It does not wait for runs in progress; their isolates are
// disposed when they finish. Safe to call more than once.
func (e *Engine) Shutdown() {
	if e.pool.Closed() {
		return
	}
	e.pool.DisposeAll()
	st := e.pool.Stats()
	e.logger.Info("sandbox engine shut down",
		zap.Uint64("isolates_created", st.Created),
		zap.Int("runs_in_progress", st.OnLoan),
	)
}

// Execute runs req.Source and returns its result. It never panics for
// guest behaviour: every failure, including engine faults, is reported in
// Result.Error. ctx cancellation stops the run like an expired budget.
func (e *Engine) Execute(ctx context.Context, req *Request) *Result {
	r := newRun(e, ctx, req)
	res := r.execute()
	e.finish(ctx, r, res)
	return res
}

// finish logs, measures and records a completed run.
func (e *Engine) finish(ctx context.Context, r *run, res *Result) {
	outcome := outcomeOf(res.Error)
	e.metrics.ObserveExecution(outcome, res.Duration)

	if ce := e.logger.Check(zap.DebugLevel, "guest run finished"); ce != nil {
		fields := []zap.Field{
			zap.String("run_id", res.ID),
			zap.Duration("duration", res.Duration),
			zap.String("outcome", outcome),
			zap.Int("capability_calls", res.CapabilityCalls),
		}
		if res.DroppedLogs > 0 {
			fields = append(fields, zap.Int("logs_dropped", res.DroppedLogs))
		}
		if res.Error != nil {
			fields = append(fields, zap.Error(res.Error))
		}
		ce.Write(fields...)
	}

	if e.recorder == nil {
		return
	}
	entry := journal.Entry{
		RunID:           res.ID,
		StartedAt:       r.start,
		Duration:        res.Duration,
		Outcome:         outcome,
		Output:          res.Output,
		Logs:            res.Logs,
		CapabilityCalls: res.CapabilityCalls,
	}
	if res.Error != nil {
		entry.Error = res.Error.Error()
	}
	if err := e.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("recording run failed", zap.String("run_id", res.ID), zap.Error(err))
	}
}

// outcomeOf labels a run for metrics and the journal.
func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	switch core.KindOf(err) {
	case core.KindCompile:
		return "compile_error"
	case core.KindTimeout:
		return "timeout"
	case core.KindMemoryLimit:
		return "memory_limit"
	case core.KindGuestRuntime:
		return "runtime_error"
	case core.KindCapability:
		return "capability_error"
	case core.KindInvalidRequest:
		return "invalid_request"
	default:
		return "engine_error"
	}
}
