package pegasus

import (
	"runtime"
	"time"

	"github.com/pegasus-kv/go-client/base"
)

// options holds the recognized construction configuration, per spec §6.
// It is never exported; callers build one with functional Opts, matching
// the teacher's kgo.Opt / kgo.WithLogger(...) idiom.
type options struct {
	metaServers []string

	operationTimeout time.Duration
	ioThreads        int

	enableCounter    bool
	perfCounterTags  string
	pushIntervalSecs time.Duration

	logger base.Logger

	sessionSendBufferSize int
	reconnectMinDelay     time.Duration
	reconnectMaxDelay     time.Duration
	metaMaxRetry          int
	refreshMinInterval    time.Duration
	connectTimeout        time.Duration
}

func defaultOptions() *options {
	return &options{
		operationTimeout:      1000 * time.Millisecond,
		ioThreads:             runtime.NumCPU(),
		pushIntervalSecs:      10 * time.Second,
		logger:                base.NopLogger{},
		sessionSendBufferSize: 100,
		reconnectMinDelay:     time.Second,
		reconnectMaxDelay:     10 * time.Second,
		metaMaxRetry:          10,
		refreshMinInterval:    5 * time.Second,
		connectTimeout:        500 * time.Millisecond,
	}
}

// Opt configures a Client at construction time.
type Opt func(*options)

// MetaServers is the required ordered list of meta endpoints
// ("host:port" strings).
func MetaServers(servers ...string) Opt {
	return func(o *options) { o.metaServers = servers }
}

// OperationTimeout sets the default per-operation deadline used whenever a
// call's own timeout is <= 0. Default 1000ms.
func OperationTimeout(d time.Duration) Opt {
	return func(o *options) { o.operationTimeout = d }
}

// IOThreads is passed to runtime.GOMAXPROCS by New, bounding how many OS
// threads run the per-session goroutines at once; there is no separate
// fixed-size worker pool. Default is runtime.NumCPU().
func IOThreads(n int) Opt {
	return func(o *options) { o.ioThreads = n }
}

// EnableCounter turns on the periodic metrics push. Counters are collected
// whether or not it is set.
func EnableCounter(enable bool) Opt {
	return func(o *options) { o.enableCounter = enable }
}

// PerfCounterTags sets the tag string attached to every pushed metric.
func PerfCounterTags(tags string) Opt {
	return func(o *options) { o.perfCounterTags = tags }
}

// PushIntervalSecs sets how often metrics are pushed to the local agent.
func PushIntervalSecs(d time.Duration) Opt {
	return func(o *options) { o.pushIntervalSecs = d }
}

// WithLogger injects a logging sink. Default is a no-op logger.
func WithLogger(l base.Logger) Opt {
	return func(o *options) { o.logger = l }
}

// SessionSendBufferSize bounds the pending-send buffer a Session queues into
// while disconnected, per §4.C. Default 100.
func SessionSendBufferSize(n int) Opt {
	return func(o *options) { o.sessionSendBufferSize = n }
}

// ReconnectDelay sets the exponential backoff bounds for session reconnect,
// per §9's fixed 1s→10s-with-reset-on-connect schedule.
func ReconnectDelay(min, max time.Duration) Opt {
	return func(o *options) { o.reconnectMinDelay, o.reconnectMaxDelay = min, max }
}

// MetaMaxRetry bounds the number of meta query attempts across endpoint
// failover, per §4.E. Default 10.
func MetaMaxRetry(n int) Opt {
	return func(o *options) { o.metaMaxRetry = n }
}

// RefreshMinInterval is the minimum time between automatic routing
// refreshes for one table, per §4.F. Default 5s.
func RefreshMinInterval(d time.Duration) Opt {
	return func(o *options) { o.refreshMinInterval = d }
}

// ConnectTimeout bounds how long a Session waits for TCP connect to
// succeed, per §4.C. Default 500ms.
func ConnectTimeout(d time.Duration) Opt {
	return func(o *options) { o.connectTimeout = d }
}
