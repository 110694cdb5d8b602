// Package journal records finished guest runs for operators. It holds
// host-side history only; guests never read it.
package journal

import (
	"context"
	"time"
)

// Entry is one finished run.
type Entry struct {
	RunID           string
	StartedAt       time.Time
	Duration        time.Duration
	Outcome         string
	Error           string
	Output          string
	Logs            []string
	CapabilityCalls int
}

// Recorder persists entries. Record is called once per run, after the
// isolate has been released.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, e Entry) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, e Entry) error { return f(ctx, e) }
