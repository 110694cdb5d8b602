//go:build !v8

// Package quickjs is the default interpreter backend, built on
// modernc.org/quickjs. One VM is one isolate; its single global scope is
// lent to one run at a time and reset in between.
package quickjs

import (
	"errors"
	"fmt"

	"github.com/cryguy/sandbox/internal/binding"
	"github.com/cryguy/sandbox/internal/core"
	"modernc.org/quickjs"
)

// noRunReply is what a stale stub receives when no run holds the VM.
const noRunReply = `{"name":"Error","message":"no active run"}`

// Backend creates QuickJS isolates.
type Backend struct{}

var _ core.Backend = Backend{}

// Name returns "quickjs".
func (Backend) Name() string { return "quickjs" }

// NewIsolate creates a VM capped at memoryLimitMB, registers the raw host
// functions and evaluates the resettable prelude.
func (Backend) NewIsolate(memoryLimitMB int) (core.Isolate, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}

	iso := &isolate{vm: vm, rt: &qjsRuntime{vm: vm}}

	if err := vm.RegisterFunc(binding.RawCallName, func(name, argsJSON string) string {
		if iso.host == nil {
			return noRunReply
		}
		return iso.host.Invoke(name, argsJSON)
	}, false); err != nil {
		vm.Close()
		return nil, fmt.Errorf("registering %s: %w", binding.RawCallName, err)
	}
	if err := vm.RegisterFunc(binding.RawLogName, func(level, message string) {
		if iso.host != nil {
			iso.host.Log(level, message)
		}
	}, false); err != nil {
		vm.Close()
		return nil, fmt.Errorf("registering %s: %w", binding.RawLogName, err)
	}

	if err := iso.rt.Eval(binding.Prelude(true)); err != nil {
		vm.Close()
		return nil, fmt.Errorf("evaluating prelude: %w", err)
	}

	// The prelude snapshot is taken without a ceiling so a low per-run
	// budget cannot fail construction.
	iso.SetMemoryLimit(memoryLimitMB)
	return iso, nil
}

// isolate wraps one QuickJS VM. host is only touched from the goroutine
// that holds the loan.
type isolate struct {
	vm    *quickjs.VM
	rt    *qjsRuntime
	memMB int
	host  *core.HostFuncs
	open  bool
}

var _ core.Isolate = (*isolate)(nil)

func (i *isolate) NewContext(host *core.HostFuncs) (core.Context, error) {
	if i.open {
		return nil, errors.New("quickjs: isolate already has an open context")
	}
	i.host = host
	i.open = true
	return &qjsContext{qjsRuntime: i.rt, iso: i}, nil
}

func (i *isolate) SetMemoryLimit(mb int) bool {
	if mb > 0 {
		i.vm.SetMemoryLimit(uintptr(mb) * 1024 * 1024)
		i.memMB = mb
	}
	return true
}

func (i *isolate) MemoryLimitMB() int { return i.memMB }

func (i *isolate) Interrupt() { i.vm.Interrupt() }

// OutOfMemory matches the exception QuickJS raises when an allocation is
// refused. The frame that held the memory is already released when the
// rejection is observed, so the heap cannot confirm it.
func (i *isolate) OutOfMemory(name, message string) bool {
	return i.memMB > 0 && name == "InternalError" && message == "out of memory"
}

func (i *isolate) Close() { i.vm.Close() }

// qjsContext is the VM's global scope on loan to one run.
type qjsContext struct {
	*qjsRuntime
	iso *isolate
}

// Close resets the global scope. An error means the scope could not be
// restored and the isolate must not be lent again.
func (c *qjsContext) Close() error {
	if !c.iso.open {
		return nil
	}
	c.iso.host = nil
	c.iso.open = false
	c.RunMicrotasks()
	clean, err := binding.Reset(c.qjsRuntime)
	if err != nil {
		return fmt.Errorf("resetting scope: %w", err)
	}
	if !clean {
		return errors.New("resetting scope: guest left non-restorable state")
	}
	return nil
}
