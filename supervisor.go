package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/internal/binding"
	"github.com/cryguy/sandbox/internal/bridge"
	"github.com/cryguy/sandbox/internal/core"
)

// run is one pass through the supervisor:
// acquire, bind, compile, run, collect, release.
type run struct {
	e     *Engine
	ctx   context.Context
	req   *Request
	start time.Time
	res   *Result

	timeout time.Duration
	memMB   int

	iso       core.Isolate
	dedicated bool
	js        core.Context
	session   *bridge.Session
	logs      *core.LogBuffer

	timedOut  atomic.Bool
	cancelled atomic.Bool
	discard   string // reason the isolate must not be reused
}

func newRun(e *Engine, ctx context.Context, req *Request) *run {
	if ctx == nil {
		ctx = context.Background()
	}
	return &run{
		e:     e,
		ctx:   ctx,
		req:   req,
		start: time.Now(),
		res:   &Result{ID: uuid.NewString()},
	}
}

func (r *run) execute() *Result {
	res := r.res
	defer func() { res.Duration = time.Since(r.start) }()

	prog, err := r.prepare()
	if err != nil {
		res.Error = err
		return res
	}
	if err := r.acquire(); err != nil {
		res.Error = err
		return res
	}

	cfg := r.e.cfg
	deadline := r.start.Add(r.timeout)
	runCtx, cancel := context.WithDeadline(r.ctx, deadline)
	defer cancel()

	r.logs = core.NewLogBuffer(cfg.MaxLogEntries, cfg.MaxLogMessageSize)
	r.session = bridge.NewSession(runCtx, r.req.Capabilities, bridge.Options{
		MaxCalls:    cfg.MaxCapabilityCalls,
		CallTimeout: cfg.CallTimeout(),
		Observe:     r.e.metrics.ObserveCapability,
	})

	iso := r.iso
	watchdog := time.AfterFunc(time.Until(deadline), func() {
		r.timedOut.Store(true)
		iso.Interrupt()
	})
	stopCancel := context.AfterFunc(r.ctx, func() {
		r.cancelled.Store(true)
		iso.Interrupt()
	})

	defer func() {
		if p := recover(); p != nil {
			r.markDiscard("panic")
			if r.timedOut.Load() || r.cancelled.Load() {
				res.Error = r.interruptedError()
			} else {
				res.Error = fmt.Errorf("engine panic: %v", p)
			}
			res.Output, res.HasOutput = "", false
		}
		r.release(watchdog, stopCancel)
		res.Logs = r.logs.Lines()
		res.Entries = r.logs.Entries()
		res.CapabilityCalls = r.session.Calls()
		res.DroppedLogs = r.logs.Dropped()
	}()

	outcome, err := r.drive(runCtx, prog)
	if err != nil {
		res.Error = err
		return res
	}
	r.collect(outcome)
	return res
}

// prepare validates the request and resolves its budgets.
func (r *run) prepare() (binding.Program, error) {
	req := r.req
	cfg := r.e.cfg
	if req == nil {
		return binding.Program{}, core.NewExecError(core.KindInvalidRequest, "request is nil")
	}
	if limit := cfg.MaxScriptSizeKB * 1024; len(req.Source) > limit {
		return binding.Program{}, core.NewExecError(core.KindInvalidRequest,
			"script is %d bytes, limit is %d", len(req.Source), limit)
	}
	if req.Timeout < 0 || req.MemoryLimitMB < 0 {
		return binding.Program{}, core.NewExecError(core.KindInvalidRequest, "budgets must not be negative")
	}
	if err := binding.ValidateCapabilities(req.Capabilities); err != nil {
		return binding.Program{}, err
	}

	r.timeout = cfg.Timeout()
	if req.Timeout > 0 && req.Timeout < r.timeout {
		r.timeout = req.Timeout
	}
	r.memMB = cfg.MemoryLimitMB
	if req.MemoryLimitMB > 0 && req.MemoryLimitMB < r.memMB {
		r.memMB = req.MemoryLimitMB
	}

	return binding.Envelope(req.Source, req.Language)
}

// acquire borrows an isolate. When the pooled isolate cannot take the run's
// memory ceiling, it goes back and a dedicated one is built instead.
func (r *run) acquire() error {
	iso, err := r.e.pool.Acquire()
	if err != nil {
		if errors.Is(err, core.ErrClosed) {
			return err
		}
		return fmt.Errorf("acquiring isolate: %w", err)
	}
	if iso.MemoryLimitMB() != r.memMB && !iso.SetMemoryLimit(r.memMB) {
		r.e.pool.Release(iso)
		iso, err = r.e.backend.NewIsolate(r.memMB)
		if err != nil {
			return fmt.Errorf("creating isolate for a %d MB budget: %w", r.memMB, err)
		}
		r.dedicated = true
	}
	r.iso = iso
	return nil
}

// drive binds the scope, compiles and starts the guest, then alternates
// between pumping microtasks and settling capability calls until the main
// function settles.
func (r *run) drive(ctx context.Context, prog binding.Program) (*binding.Outcome, error) {
	host := &core.HostFuncs{Call: r.session.Dispatch, Log: r.logs.Add}
	js, err := r.iso.NewContext(host)
	if err != nil {
		r.markDiscard("context")
		return nil, fmt.Errorf("opening guest scope: %w", err)
	}
	r.js = js

	if err := binding.Build(js, r.req.Capabilities); err != nil {
		if strings.Contains(err.Error(), "shadows a global") {
			return nil, &core.ExecError{Kind: core.KindInvalidRequest, Message: firstLine(err.Error()), Err: err}
		}
		return nil, r.classify(err, 0)
	}
	if ce := r.e.logger.Check(zap.DebugLevel, "capabilities bound"); ce != nil && len(r.req.Capabilities) > 0 {
		ce.Write(zap.String("run_id", r.res.ID), zap.Strings("capabilities", capabilityLabels(r.req.Capabilities)))
	}
	if err := binding.Compile(js, prog); err != nil {
		return nil, r.classify(err, core.KindCompile)
	}
	if err := binding.Start(js); err != nil {
		return nil, r.classify(err, core.KindGuestRuntime)
	}

	for {
		js.RunMicrotasks()
		if err := js.Fault(); err != nil {
			return nil, r.classifyFault()
		}
		if r.timedOut.Load() || r.cancelled.Load() {
			r.markDiscard("interrupted")
			return nil, r.interruptedError()
		}
		state, err := binding.State(js)
		if err != nil {
			return nil, r.classify(err, core.KindGuestRuntime)
		}
		if state == binding.StateIdle {
			return nil, r.classify(errors.New("guest scope was reset during the run"), 0)
		}
		if state != binding.StatePending {
			break
		}
		if !r.session.Pending() {
			return nil, core.NewExecError(core.KindGuestRuntime,
				"script did not settle: it awaits a promise that nothing can resolve")
		}
		c, err := r.session.Next(ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				r.cancelled.Store(true)
			} else {
				r.timedOut.Store(true)
			}
			r.markDiscard("interrupted")
			return nil, r.interruptedError()
		}
		if err := binding.Settle(js, c); err != nil {
			return nil, r.classify(err, core.KindGuestRuntime)
		}
	}

	outcome, err := binding.Result(js)
	if err != nil {
		return nil, r.classify(err, core.KindGuestRuntime)
	}
	return outcome, nil
}

// collect turns the settled main function into the run's output or error.
func (r *run) collect(o *binding.Outcome) {
	res := r.res
	switch {
	case o.State == binding.StateRejected:
		ee := &core.ExecError{
			Kind:    core.KindGuestRuntime,
			Name:    o.Name,
			Message: o.Message,
			Stack:   o.Stack,
		}
		switch {
		case o.Name == bridge.CapabilityErrorName:
			ee.Err = core.ErrCapability
		case o.Engine && r.iso.OutOfMemory(o.Name, o.Message):
			r.markDiscard("out of memory")
			res.Error = r.memoryError()
			return
		}
		res.Error = ee
	case o.Kind == "undefined":
		if r.e.cfg.NoLogFallback {
			return
		}
		if last, ok := r.logs.Last(); ok {
			res.Output, res.HasOutput = last, true
		}
	default:
		res.Output, res.HasOutput = o.Text, true
	}
}

// release closes the scope while the watchdog is still armed, then returns
// the isolate to the pool or disposes it.
func (r *run) release(watchdog *time.Timer, stopCancel func() bool) {
	if r.js != nil && r.discard == "" && !r.timedOut.Load() && !r.cancelled.Load() {
		if err := r.js.Close(); err != nil {
			r.markDiscard(err.Error())
		}
	}
	if !watchdog.Stop() || r.timedOut.Load() {
		r.markDiscard("timed out")
	}
	stopCancel()
	if r.cancelled.Load() {
		r.markDiscard("cancelled")
	}
	r.session.Close()

	switch {
	case r.dedicated:
		r.iso.Close()
	case r.discard != "":
		r.e.logger.Warn("discarding isolate",
			zap.String("run_id", r.res.ID),
			zap.String("reason", r.discard),
		)
		r.e.pool.Discard(r.iso)
	default:
		if r.iso.MemoryLimitMB() != r.e.cfg.MemoryLimitMB {
			r.iso.SetMemoryLimit(r.e.cfg.MemoryLimitMB)
		}
		r.e.pool.Release(r.iso)
	}
}

func (r *run) markDiscard(reason string) {
	if r.discard == "" {
		r.discard = reason
	}
}

// classify maps an error raised while evaluating in the guest scope. A zero
// kind marks an engine fault.
func (r *run) classify(err error, kind core.ErrorKind) error {
	if r.timedOut.Load() || r.cancelled.Load() {
		r.markDiscard("interrupted")
		return r.interruptedError()
	}
	name, msg := splitJSError(err.Error())
	switch {
	case r.iso.OutOfMemory(name, msg):
		r.markDiscard("out of memory")
		return r.memoryError()
	case kind == 0:
		r.markDiscard("engine fault")
		return fmt.Errorf("engine fault: %w", err)
	}
	if kind == core.KindCompile && name == "" {
		name = "SyntaxError"
	}
	return &core.ExecError{Kind: kind, Name: name, Message: msg, Err: err}
}

// classifyFault maps an uncatchable microtask failure. Without an
// interrupt it can only be the heap ceiling.
func (r *run) classifyFault() error {
	if r.timedOut.Load() || r.cancelled.Load() {
		r.markDiscard("interrupted")
		return r.interruptedError()
	}
	r.markDiscard("out of memory")
	return r.memoryError()
}

func (r *run) interruptedError() error {
	if r.cancelled.Load() {
		return &core.ExecError{Kind: core.KindTimeout, Message: "run cancelled", Err: context.Cause(r.ctx)}
	}
	return core.NewExecError(core.KindTimeout, "script exceeded the %v time budget", r.timeout)
}

func (r *run) memoryError() error {
	return core.NewExecError(core.KindMemoryLimit, "script exceeded the %d MB memory limit", r.memMB)
}

var jsErrorRe = regexp.MustCompile(`^([A-Z][A-Za-z]*Error): ?(.*)$`)

// splitJSError separates "Name: message" as printed by the engines.
func splitJSError(s string) (name, message string) {
	line := firstLine(s)
	if m := jsErrorRe.FindStringSubmatch(line); m != nil {
		return m[1], m[2]
	}
	return "", line
}

// capabilityLabels renders each capability as "name" or "name: description".
func capabilityLabels(caps []core.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.Name
		if c.Description != "" {
			out[i] += ": " + c.Description
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
