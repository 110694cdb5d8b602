package sandbox

import (
	"github.com/cryguy/sandbox/internal/core"
	"github.com/cryguy/sandbox/internal/pool"
)

// Type aliases re-exporting internal/core types so callers can use
// sandbox.Request, sandbox.Capability, etc. without importing the internal
// packages directly.

type Request = core.Request
type Result = core.Result
type Capability = core.Capability
type Handler = core.Handler
type Args = core.Args
type LogEntry = core.LogEntry
type Language = core.Language
type ExecError = core.ExecError
type ErrorKind = core.ErrorKind
type Backend = core.Backend
type Isolate = core.Isolate
type PoolStats = pool.Stats

// Languages accepted in Request.Language.
const (
	JavaScript = core.JavaScript
	TypeScript = core.TypeScript
)

// Error kinds carried by ExecError.
const (
	KindCompile        = core.KindCompile
	KindTimeout        = core.KindTimeout
	KindMemoryLimit    = core.KindMemoryLimit
	KindGuestRuntime   = core.KindGuestRuntime
	KindCapability     = core.KindCapability
	KindInvalidRequest = core.KindInvalidRequest
)

// Sentinel errors re-exported from core, for use with errors.Is on
// Result.Error.
var (
	ErrCompile        = core.ErrCompile
	ErrTimeout        = core.ErrTimeout
	ErrMemoryLimit    = core.ErrMemoryLimit
	ErrGuestRuntime   = core.ErrGuestRuntime
	ErrCapability     = core.ErrCapability
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrClosed         = core.ErrClosed
)

// KindOf returns the ErrorKind of err, or 0 if err is not an ExecError.
var KindOf = core.KindOf
