package core

import (
	"encoding/json"
	"errors"
)

// HostFuncs are the only host entry points reachable from a guest scope.
// The host prelude captures them into closures and removes their globals.
type HostFuncs struct {
	// Call starts capability name with JSON-encoded arguments and returns
	// the call ID the guest settles against.
	Call func(name, argsJSON string) (string, error)

	// Log appends one already-stringified line to the run's log buffer.
	Log func(level, message string)
}

// callReply is the JSON reply the prelude's call stub parses.
type callReply struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// Invoke runs Call and encodes its outcome as the reply the guest stub
// expects: {"id": ...} on success, {"name": ..., "message": ...} otherwise.
// Backends register Invoke as the raw call function so neither engine
// needs its own error convention.
func (h *HostFuncs) Invoke(name, argsJSON string) string {
	id, err := h.Call(name, argsJSON)
	reply := callReply{ID: id}
	if err != nil {
		reply = callReply{Name: "Error", Message: err.Error()}
		var ee *ExecError
		if errors.As(err, &ee) {
			reply.Message = ee.Message
			if ee.Name != "" {
				reply.Name = ee.Name
			}
		}
	}
	b, _ := json.Marshal(reply)
	return string(b)
}

// Backend creates isolates for one JS engine. Implementations live in
// internal/quickjs (default) and internal/v8engine (-tags v8).
type Backend interface {
	Name() string
	NewIsolate(memoryLimitMB int) (Isolate, error)
}

// Isolate is one interpreter instance with its own heap. It is used by at
// most one run at a time; only Interrupt may be called from another goroutine.
type Isolate interface {
	// NewContext returns a fresh guest scope wired to host. At most one
	// context is open per isolate.
	NewContext(host *HostFuncs) (Context, error)

	// SetMemoryLimit changes the heap ceiling for the next loan. It returns
	// false when the engine fixes the ceiling at creation.
	SetMemoryLimit(mb int) bool

	// MemoryLimitMB reports the current heap ceiling.
	MemoryLimitMB() int

	// Interrupt forcibly halts the JS currently running. Safe to call from
	// any goroutine.
	Interrupt()

	// OutOfMemory reports whether an engine exception with this name and
	// message was raised by the heap ceiling.
	OutOfMemory(name, message string) bool

	// Close frees the native resources. The isolate must not be used after.
	Close()
}

// Context is one guest global scope inside an Isolate.
type Context interface {
	JSRuntime

	// Fault returns the uncatchable error, if any, that stopped the last
	// RunMicrotasks before the queue drained (interrupt, out of memory).
	Fault() error

	// Close drops every guest-visible binding made during the loan. After
	// Close the isolate may open a new context.
	Close() error
}
