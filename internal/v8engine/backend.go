//go:build v8

// Package v8engine is the V8 interpreter backend, built on
// github.com/tommie/v8go. Each loan gets a fresh context inside a pooled
// isolate, so nothing the guest defines survives the loan.
package v8engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cryguy/sandbox/internal/binding"
	"github.com/cryguy/sandbox/internal/core"
	v8 "github.com/tommie/v8go"
)

// Backend creates V8 isolates.
type Backend struct{}

var _ core.Backend = Backend{}

// Name returns "v8".
func (Backend) Name() string { return "v8" }

// NewIsolate creates an isolate whose heap is capped at memoryLimitMB. V8
// fixes the ceiling at creation.
func (Backend) NewIsolate(memoryLimitMB int) (core.Isolate, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &isolate{iso: iso, memMB: memoryLimitMB}, nil
}

type isolate struct {
	iso   *v8.Isolate
	memMB int
	open  *v8Context
}

var _ core.Isolate = (*isolate)(nil)

func (i *isolate) NewContext(host *core.HostFuncs) (core.Context, error) {
	if i.open != nil {
		return nil, errors.New("v8: isolate already has an open context")
	}
	ctx := v8.NewContext(i.iso)
	rt := &v8Runtime{iso: i.iso, ctx: ctx}
	if i.memMB > 0 {
		rt.limit = uint64(i.memMB) * 1024 * 1024
	}

	if err := rt.hostFunc(binding.RawCallName, host.Invoke); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("registering %s: %w", binding.RawCallName, err)
	}
	if err := rt.hostFunc(binding.RawLogName, func(level, message string) string {
		host.Log(level, message)
		return ""
	}); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("registering %s: %w", binding.RawLogName, err)
	}
	if err := rt.Eval(binding.Prelude(false)); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("evaluating prelude: %w", err)
	}

	c := &v8Context{v8Runtime: rt, iso: i}
	i.open = c
	return c, nil
}

// SetMemoryLimit reports whether the isolate already has the requested
// ceiling; V8 cannot change it after creation.
func (i *isolate) SetMemoryLimit(mb int) bool { return mb == i.memMB }

func (i *isolate) MemoryLimitMB() int { return i.memMB }

func (i *isolate) Interrupt() { i.iso.TerminateExecution() }

// OutOfMemory requires the isolate's own heap statistics to show the heap at
// least half full before trusting an out-of-memory message.
func (i *isolate) OutOfMemory(name, message string) bool {
	if i.memMB <= 0 || name == "" || !strings.Contains(message, "out of memory") {
		return false
	}
	hs := i.iso.GetHeapStatistics()
	return hs.UsedHeapSize*2 >= uint64(i.memMB)*1024*1024
}

func (i *isolate) Close() {
	if i.open != nil {
		i.open.ctx.Close()
		i.open = nil
	}
	i.iso.Dispose()
}

// v8Context is a context created for one loan.
type v8Context struct {
	*v8Runtime
	iso *isolate
}

// Close discards the context together with everything the guest defined.
func (c *v8Context) Close() error {
	if c.iso.open != c {
		return nil
	}
	c.iso.open = nil
	c.ctx.Close()
	return nil
}
