// Package bridge runs capability handlers for one guest run and queues their
// results for the goroutine that owns the interpreter.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cryguy/sandbox/internal/core"
)

// CapabilityErrorName is the name carried by guest errors raised from a
// failed handler.
const CapabilityErrorName = "CapabilityError"

// Call outcome labels passed to Options.Observe.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusPanic   = "panic"
	StatusTimeout = "timeout"
)

// Completion is the settled outcome of one capability call. Payload is JSON
// text: the handler's value when OK, otherwise {"name","message"}.
type Completion struct {
	ID         string
	Capability string
	OK         bool
	Payload    string
}

// Options tune a Session.
type Options struct {
	// MaxCalls caps the calls one run may start. Zero or negative means no cap.
	MaxCalls int

	// CallTimeout bounds each handler. Zero leaves only the run context.
	CallTimeout time.Duration

	// Observe, when set, is told the outcome of every handler.
	Observe func(capability, status string, elapsed time.Duration)
}

// Session is the per-run half of the capability bridge. Dispatch, Next and
// Pending are called from the goroutine driving the guest; handlers run on
// their own goroutines and never touch the interpreter.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	caps   map[string]core.Capability
	opts   Options

	results chan Completion
	done    chan struct{}
	once    sync.Once

	nextID  uint64
	calls   int
	pending int
}

// NewSession binds caps to a run. Handler contexts derive from ctx and are
// cancelled by Close.
func NewSession(ctx context.Context, caps []core.Capability, opts Options) *Session {
	ctx, cancel := context.WithCancel(ctx)
	m := make(map[string]core.Capability, len(caps))
	for _, c := range caps {
		m[c.Name] = c
	}
	return &Session{
		ctx:     ctx,
		cancel:  cancel,
		caps:    m,
		opts:    opts,
		results: make(chan Completion, 16),
		done:    make(chan struct{}),
	}
}

// Dispatch validates a guest call, starts its handler and returns the call
// ID. argsJSON must be a JSON array. A returned error rejects the guest's
// promise synchronously; its Name becomes the guest error name.
func (s *Session) Dispatch(name, argsJSON string) (string, error) {
	select {
	case <-s.done:
		return "", &core.ExecError{Kind: core.KindCapability, Name: CapabilityErrorName, Message: "run is over"}
	default:
	}

	c, ok := s.caps[name]
	if !ok {
		return "", &core.ExecError{Kind: core.KindCapability, Name: "ReferenceError",
			Message: fmt.Sprintf("capability %q is not available", name)}
	}

	var args core.Args
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", &core.ExecError{Kind: core.KindCapability, Name: "TypeError",
			Message: fmt.Sprintf("%s: arguments are not a JSON array: %v", name, err)}
	}
	if c.Params != nil && len(args) > len(c.Params) {
		return "", &core.ExecError{Kind: core.KindCapability, Name: "TypeError",
			Message: fmt.Sprintf("%s expects at most %d argument(s), got %d", name, len(c.Params), len(args))}
	}
	if s.opts.MaxCalls > 0 && s.calls >= s.opts.MaxCalls {
		return "", &core.ExecError{Kind: core.KindCapability, Name: CapabilityErrorName,
			Message: fmt.Sprintf("capability call limit exceeded (%d)", s.opts.MaxCalls)}
	}

	s.calls++
	s.pending++
	s.nextID++
	id := strconv.FormatUint(s.nextID, 10)

	go func() {
		comp := s.run(c, args, id)
		select {
		case s.results <- comp:
		case <-s.done:
		}
	}()
	return id, nil
}

// run invokes one handler and converts its outcome to a Completion.
func (s *Session) run(c core.Capability, args core.Args, id string) (comp Completion) {
	ctx := s.ctx
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	status := StatusOK
	comp = Completion{ID: id, Capability: c.Name}
	defer func() {
		if r := recover(); r != nil {
			status = StatusPanic
			comp.OK = false
			comp.Payload = ErrorPayload(CapabilityErrorName, fmt.Sprintf("%s: handler panicked: %v", c.Name, r))
		}
		if s.opts.Observe != nil {
			s.opts.Observe(c.Name, status, time.Since(start))
		}
	}()

	if c.Handler == nil {
		status = StatusError
		comp.Payload = ErrorPayload(CapabilityErrorName, fmt.Sprintf("%s: no handler", c.Name))
		return comp
	}

	val, err := c.Handler(ctx, args)
	if err != nil {
		status = StatusError
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			status = StatusTimeout
			msg = fmt.Sprintf("%s: timed out", c.Name)
		}
		comp.Payload = ErrorPayload(CapabilityErrorName, msg)
		return comp
	}

	payload, err := Marshal(val)
	if err != nil {
		status = StatusError
		comp.Payload = ErrorPayload(CapabilityErrorName, fmt.Sprintf("%s: %v", c.Name, err))
		return comp
	}
	comp.OK = true
	comp.Payload = payload
	return comp
}

// Pending reports whether a dispatched call has not been returned by Next yet.
func (s *Session) Pending() bool { return s.pending > 0 }

// Calls returns the number of calls started so far.
func (s *Session) Calls() int { return s.calls }

// Next blocks until a handler finishes or ctx is done. Completions are
// returned in arrival order.
func (s *Session) Next(ctx context.Context) (Completion, error) {
	select {
	case c := <-s.results:
		s.pending--
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Close cancels every running handler and releases their goroutines. Results
// arriving afterwards are dropped. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}
