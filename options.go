package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cryguy/sandbox/journal"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the host logger. Guest console output is never written
// to it. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithRecorder records every finished run with r.
func WithRecorder(r journal.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithBackend replaces the interpreter backend selected at build time.
func WithBackend(b Backend) Option {
	return func(e *Engine) {
		if b != nil {
			e.backend = b
		}
	}
}
