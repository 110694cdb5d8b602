package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Handler is the host side of a capability. It receives a private copy of
// the guest's arguments and returns a JSON-serializable value. Handlers run
// on their own goroutine and must honor ctx cancellation.
type Handler func(ctx context.Context, args Args) (any, error)

// Capability declares one host function exposed to guest code under Name.
type Capability struct {
	Name string

	// Params names the positional parameters. When non-nil, calls passing
	// more arguments than len(Params) are rejected.
	Params []string

	// Description is reported with the run's debug logs.
	Description string
	Handler     Handler
}

// Args holds the JSON-encoded positional arguments of one capability call.
// Each element was copied out of the guest heap; nothing aliases guest memory.
type Args []json.RawMessage

// Len returns the number of arguments passed by the guest.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v. A missing argument decodes as null.
func (a Args) Decode(i int, v any) error {
	raw := json.RawMessage("null")
	if i >= 0 && i < len(a) {
		raw = a[i]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Bind decodes the leading arguments into dst in order.
func (a Args) Bind(dst ...any) error {
	for i, v := range dst {
		if err := a.Decode(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Language selects how guest source is parsed.
type Language int

const (
	JavaScript Language = iota
	TypeScript
)

func (l Language) String() string {
	switch l {
	case TypeScript:
		return "typescript"
	default:
		return "javascript"
	}
}

// Request describes one guest execution. It is consumed by a single
// Execute call and never retained.
type Request struct {
	Source       string
	Capabilities []Capability

	// Timeout and MemoryLimitMB narrow the deployment budgets for this run.
	// Zero means "use the engine configuration".
	Timeout       time.Duration
	MemoryLimitMB int

	Language Language
}

// Result is the outcome of one execution. Error is nil on success; Logs
// always reflect what the guest logged before the run ended.
type Result struct {
	ID        string
	Output    string
	HasOutput bool // false when the guest produced no value and no fallback applied
	Logs      []string
	Entries   []LogEntry
	Error     error
	Duration  time.Duration

	CapabilityCalls int
	DroppedLogs     int // lines discarded at the entry cap
}

// Failed reports whether the run ended with an error.
func (r *Result) Failed() bool { return r.Error != nil }

// LogEntry is a single console line captured from a guest.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
