//go:build !v8

package quickjs

import (
	"errors"
	"fmt"

	"github.com/cryguy/sandbox/internal/core"
	"modernc.org/quickjs"
)

// errJobFault is reported when a microtask ends with an uncatchable
// exception (interrupt or out of memory).
var errJobFault = errors.New("microtask aborted by an uncatchable exception")

// qjsRuntime implements core.JSRuntime for the QuickJS engine.
type qjsRuntime struct {
	vm    *quickjs.VM
	fault error
}

var _ core.JSRuntime = (*qjsRuntime)(nil)

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// RunMicrotasks pumps the QuickJS microtask queue until it is empty or a
// job faults. A fault is kept until the next call and reported by Fault.
func (r *qjsRuntime) RunMicrotasks() {
	r.fault = nil
	if _, faulted := executePendingJobs(r.vm); faulted {
		r.fault = errJobFault
	}
}

// Fault returns the error that stopped the last RunMicrotasks, if any.
func (r *qjsRuntime) Fault() error { return r.fault }
