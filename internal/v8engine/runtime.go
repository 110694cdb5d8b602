//go:build v8

package v8engine

import (
	"fmt"

	"github.com/cryguy/sandbox/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Runtime implements core.JSRuntime for one V8 context.
type v8Runtime struct {
	iso   *v8.Isolate
	ctx   *v8.Context
	limit uint64 // heap ceiling in bytes, 0 when unlimited
}

var _ core.JSRuntime = (*v8Runtime)(nil)

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil || !val.IsBoolean() {
		return false, fmt.Errorf("expected bool, got %v", val)
	}
	return val.Boolean(), nil
}

// hostFunc installs a global function taking two strings. A non-empty
// return value becomes the JS result; otherwise the call returns undefined.
func (r *v8Runtime) hostFunc(name string, fn func(a, b string) string) error {
	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 2 {
			msg, _ := v8.NewValue(r.iso, fmt.Sprintf("%s requires 2 arguments, got %d", name, len(args)))
			r.iso.ThrowException(msg)
			return nil
		}
		out := fn(args[0].String(), args[1].String())
		if out == "" {
			return nil
		}
		v, err := v8.NewValue(r.iso, out)
		if err != nil {
			return nil
		}
		return v
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// Fault reports the heap ceiling being crossed during the last pump.
func (r *v8Runtime) Fault() error {
	if r.limit == 0 {
		return nil
	}
	if hs := r.iso.GetHeapStatistics(); hs.UsedHeapSize > r.limit {
		return fmt.Errorf("out of memory: heap %d bytes exceeds %d", hs.UsedHeapSize, r.limit)
	}
	return nil
}
