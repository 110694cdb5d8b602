package binding

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cryguy/sandbox/internal/bridge"
	"github.com/cryguy/sandbox/internal/core"
)

// Guest main function states reported by State.
const (
	StateIdle      = "idle"
	StatePending   = "pending"
	StateFulfilled = "fulfilled"
	StateRejected  = "rejected"
)

// Outcome describes the settled main function. Kind is "undefined", "text"
// or "error". Engine is set when the rejection is an InternalError built by
// the interpreter's own prototype rather than a guest object named like one.
type Outcome struct {
	State   string `json:"state"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Engine  bool   `json:"engine"`
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func call(method string, args ...string) string {
	args = append([]string{jsString(controlKey)}, args...)
	return fmt.Sprintf("%s.%s(%s)", HiddenName, method, strings.Join(args, ", "))
}

// Build installs the console, the bare log alias and one async stub per
// capability into a fresh scope. Nothing else becomes visible to the guest.
func Build(rt core.JSRuntime, caps []core.Capability) error {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	b, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encoding capability names: %w", err)
	}
	if err := rt.Eval(call("bind", jsString(string(b)))); err != nil {
		return fmt.Errorf("binding capabilities: %w", err)
	}
	return nil
}

// Compile turns the program body into the guest's main function.
func Compile(rt core.JSRuntime, p Program) error {
	return rt.Eval(call("compile", jsString(p.Body)))
}

// Start calls the main function. Its synchronous part runs before Start
// returns; the rest runs as microtasks and settled capability calls.
func Start(rt core.JSRuntime) error {
	return rt.Eval(call("start"))
}

// State returns the main function's promise state.
func State(rt core.JSRuntime) (string, error) {
	return rt.EvalString(call("state"))
}

// Settle resolves or rejects the guest promise of a finished capability
// call. The payload is parsed inside the guest, so the guest only ever sees
// fresh values.
func Settle(rt core.JSRuntime, c bridge.Completion) error {
	return rt.Eval(call("settle", jsString(c.ID), fmt.Sprint(c.OK), jsString(c.Payload)))
}

// Result reads the settled outcome of the main function.
func Result(rt core.JSRuntime) (*Outcome, error) {
	s, err := rt.EvalString(call("result"))
	if err != nil {
		return nil, err
	}
	var o Outcome
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, fmt.Errorf("decoding guest outcome: %w", err)
	}
	return &o, nil
}

// Reset removes every binding made since the last Build and restores the
// intrinsics captured by a resettable prelude. It reports false when the
// guest left the scope in a state that cannot be undone.
func Reset(rt core.JSRuntime) (bool, error) {
	return rt.EvalBool(call("reset"))
}
