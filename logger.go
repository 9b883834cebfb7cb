package pegasus

import "github.com/pegasus-kv/go-client/base"

// Logger, LogLevel, and their constants are aliases onto base's definitions:
// every internal package (session, table, metrics) accepts the identical
// type, so a Logger handed to New() flows down to every component without
// an adapter.
type (
	Logger   = base.Logger
	LogLevel = base.LogLevel
)

const (
	LogLevelNone  = base.LogLevelNone
	LogLevelError = base.LogLevelError
	LogLevelWarn  = base.LogLevelWarn
	LogLevelInfo  = base.LogLevelInfo
	LogLevelDebug = base.LogLevelDebug
)

// NewBasicLogger and DefaultLogger are re-exported for convenience so
// callers need not import the base package directly.
var (
	NewBasicLogger = base.NewBasicLogger
	DefaultLogger  = base.DefaultLogger
)
