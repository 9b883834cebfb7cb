// Package table implements component F (TableHandler) and component G
// (Operator) of the core: per-table partition-map caching and routing, and
// the per-call retry/backoff/deadline state machine described in §4.F.
package table

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pegasus-kv/go-client/base"
	"github.com/pegasus-kv/go-client/metrics"
	"github.com/pegasus-kv/go-client/rpc"
	"github.com/pegasus-kv/go-client/session"
)

// ErrInvalidArgument is returned when neither hashKey nor sortKey is set;
// there is nothing to route on.
var ErrInvalidArgument = errors.New("table: hashKey and sortKey are both empty")

// errRoutingStale signals route() found a partition with no known primary;
// Execute reacts by refreshing and retrying rather than surfacing it to the
// caller.
var errRoutingStale = errors.New("table: primary endpoint not yet known")

// Config bundles the dependencies and default tunables every TableHandler
// needs; a Client builds one and shares it across every table it opens.
type Config struct {
	Meta               *session.MetaSession
	Pool               *session.Pool
	Logger             base.Logger
	DefaultTimeout     time.Duration
	RefreshMinInterval time.Duration
	Metrics            *metrics.Registry
}

// TableOptions customizes a single table at open time, mirroring the Java
// client's TableOptions. A zero Timeout falls back to Config.DefaultTimeout.
type TableOptions struct {
	Timeout time.Duration
}

// Handler is the TableHandler of §4.F. It exclusively owns its Routing
// snapshot; ReplicaSessionPool and MetaSession are shared with every other
// table opened from the same client.
type Handler struct {
	name    string
	meta    *session.MetaSession
	pool    *session.Pool
	logger  base.Logger
	metrics *metrics.Registry

	defaultTimeout     time.Duration
	refreshMinInterval time.Duration

	routing atomic.Pointer[Routing]

	refresh struct {
		mu       sync.Mutex
		inFlight bool
		last     time.Time
	}
}

// Open synchronously queries meta for name's partition configuration and
// builds the initial routing snapshot, per §4.F. opts.Timeout, when
// positive, becomes this table's own default operation timeout instead of
// cfg.DefaultTimeout, per §12's per-table timeout supplement.
func Open(name string, cfg *Config, opts TableOptions) (*Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = base.NopLogger{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	h := &Handler{
		name:               name,
		meta:               cfg.Meta,
		pool:               cfg.Pool,
		logger:             logger,
		metrics:            cfg.Metrics,
		defaultTimeout:     timeout,
		refreshMinInterval: cfg.RefreshMinInterval,
	}

	deadline := time.Now().Add(timeout)
	result, err := cfg.Meta.QueryConfig(name, deadline)
	if err != nil {
		return nil, err
	}
	h.routing.Store(buildRouting(result))
	h.refresh.last = time.Now()
	return h, nil
}

// Name returns the table name this handler was opened with.
func (h *Handler) Name() string { return h.name }

// Routing returns the current cached routing snapshot.
func (h *Handler) Routing() *Routing { return h.routing.Load() }

func buildRouting(result *session.QueryConfigResult) *Routing {
	configs := make([]base.PartitionConfiguration, result.PartitionCount)
	for _, c := range result.Configs {
		if c.Gpid.PartitionIndex >= 0 && int(c.Gpid.PartitionIndex) < len(configs) {
			configs[c.Gpid.PartitionIndex] = c
		}
	}
	return &Routing{
		AppID:          result.AppID,
		PartitionCount: result.PartitionCount,
		Configs:        configs,
		LastRefresh:    time.Now(),
	}
}

// route implements §4.F's route(hashKey, sortKey): compute the partition
// index from the routing key, look up its cached primary, and report
// staleness instead of returning an invalid endpoint.
func (h *Handler) route(op *Operator) (base.Gpid, base.Endpoint, error) {
	routingKey := base.RoutingKeyOf(op.HashKey, op.SortKey)
	if len(routingKey) == 0 {
		return base.InvalidGpid, base.InvalidEndpoint, ErrInvalidArgument
	}

	routing := h.routing.Load()
	hash := base.Hash64(routingKey)
	idx, err := base.PartitionIndexOf(hash, routing.PartitionCount)
	if err != nil {
		return base.InvalidGpid, base.InvalidEndpoint, err
	}

	cfg := routing.Configs[idx]
	if !cfg.Primary.IsValid() {
		return base.InvalidGpid, base.InvalidEndpoint, errRoutingStale
	}
	return cfg.Gpid, cfg.Primary, nil
}

// triggerRefresh starts a meta query to refresh this table's routing if one
// is not already in flight, satisfying the §4.F/§8 coalescing invariant:
// "Only one refresh per table is in flight at a time; concurrent triggers
// coalesce." A plain mutex-guarded flag rather than a singleflight package —
// the pack carries no such dependency for this shape of problem.
func (h *Handler) triggerRefresh() {
	if h.meta == nil {
		return
	}
	h.refresh.mu.Lock()
	if h.refresh.inFlight || time.Since(h.refresh.last) < h.refreshMinInterval {
		h.refresh.mu.Unlock()
		return
	}
	h.refresh.inFlight = true
	h.refresh.mu.Unlock()

	if h.metrics != nil {
		h.metrics.MetaRefreshTotal.Inc()
	}

	go func() {
		deadline := time.Now().Add(h.defaultTimeout)
		result, err := h.meta.QueryConfig(h.name, deadline)
		if err != nil {
			h.logger.Log(base.LogLevelWarn, "table refresh failed", "table", h.name, "err", err)
		} else {
			h.routing.Store(buildRouting(result))
			h.logger.Log(base.LogLevelDebug, "table refreshed", "table", h.name)
		}

		h.refresh.mu.Lock()
		h.refresh.inFlight = false
		h.refresh.last = time.Now()
		h.refresh.mu.Unlock()
	}()
}

// Execute routes op to its partition's primary and runs it through the
// retry/refresh state machine, recording per-op request/error/latency
// counters around the call.
func (h *Handler) Execute(ctx context.Context, op *Operator) (*rpc.Frame, error) {
	start := time.Now()
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(string(op.OpCode)).Inc()
	}

	frame, err := h.execute(ctx, op)

	if h.metrics != nil {
		elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
		h.metrics.RequestLatencyMs.WithLabelValues(string(op.OpCode)).Observe(elapsedMs)
		switch {
		case err != nil:
			h.metrics.RequestErrors.WithLabelValues(string(op.OpCode), "transport: "+err.Error()).Inc()
		case frame.Error != rpc.ErrOK:
			h.metrics.RequestErrors.WithLabelValues(string(op.OpCode), frame.Error.String()).Inc()
		}
	}
	return frame, err
}

// execute runs the full per-call state machine of §4.F: route, send,
// classify the outcome, refresh-and-retry or backoff-and-retry as needed,
// bounded by deadline throughout.
func (h *Handler) execute(ctx context.Context, op *Operator) (*rpc.Frame, error) {
	timeout := time.Until(op.Deadline)
	if timeout <= 0 {
		timeout = h.defaultTimeout
		op.Deadline = time.Now().Add(timeout)
	}
	retryDelay := timeout / 3
	if retryDelay < time.Millisecond {
		retryDelay = time.Millisecond
	}

	for {
		if !time.Now().Before(op.Deadline) {
			return nil, session.ErrTimeout
		}

		gpid, ep, err := h.route(op)
		if err != nil {
			if err == ErrInvalidArgument {
				return nil, err
			}
			// errRoutingStale, or a transient partition-count mismatch:
			// refresh and wait out the retry delay before trying again.
			h.triggerRefresh()
			if !h.wait(ctx, retryDelay, op.Deadline) {
				return nil, h.deadlineOrCtxErr(ctx)
			}
			op.Attempt++
			continue
		}
		op.Gpid = gpid

		frame, sendErr := h.sendOnce(ctx, op, ep)
		op.Attempt++

		if sendErr != nil {
			if sendErr == session.ErrClosed {
				return nil, sendErr
			}
			// Only an actual transport failure implies the cached primary
			// might be wrong; a local deadline or overflow says nothing
			// about routing, so don't spend a meta query on it, per
			// §4.F's "if err is transport: trigger_refresh()".
			if sendErr == session.ErrConnDead {
				h.triggerRefresh()
			}
			if !h.wait(ctx, retryDelay, op.Deadline) {
				return nil, h.deadlineOrCtxErr(ctx)
			}
			continue
		}

		switch {
		case frame.Error == rpc.ErrOK:
			return frame, nil
		case frame.Error.RetryWithRefresh():
			h.triggerRefresh()
			if !h.wait(ctx, retryDelay, op.Deadline) {
				return nil, h.deadlineOrCtxErr(ctx)
			}
			continue
		case frame.Error.RetryTransient():
			if !h.wait(ctx, retryDelay, op.Deadline) {
				return nil, h.deadlineOrCtxErr(ctx)
			}
			continue
		default:
			return frame, nil
		}
	}
}

// sendOnce issues a single attempt against ep and waits for its outcome.
func (h *Handler) sendOnce(ctx context.Context, op *Operator, ep base.Endpoint) (*rpc.Frame, error) {
	sess := h.pool.Get(ep)

	remaining := time.Until(op.Deadline)
	if remaining <= 0 {
		return nil, session.ErrTimeout
	}
	sendDeadline := op.Deadline
	if h.defaultTimeout > 0 && h.defaultTimeout < remaining {
		sendDeadline = time.Now().Add(h.defaultTimeout)
	}

	type outcome struct {
		frame *rpc.Frame
		err   error
	}
	done := make(chan outcome, 1)
	sess.Send(op.OpCode, op.Gpid, op.Body, sendDeadline, func(f *rpc.Frame, err error) {
		done <- outcome{f, err}
	})

	// waitCtx bounds this wait by sendDeadline independent of the Session's
	// own timeout bookkeeping: a request that never reaches the wire (its
	// connection never comes up) sits in Session's queue with no internal
	// deadline check until flush, so Execute must still be able to give up.
	waitCtx, cancel := context.WithDeadline(ctx, sendDeadline)
	defer cancel()

	select {
	case out := <-done:
		return out.frame, out.err
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, session.ErrTimeout
	}
}

// wait sleeps retryDelay, or returns false if that would run past deadline
// or the context is canceled first, per §4.F's backoff_and_retry.
func (h *Handler) wait(ctx context.Context, retryDelay time.Duration, deadline time.Time) bool {
	if !time.Now().Add(retryDelay).Before(deadline) {
		return false
	}
	t := time.NewTimer(retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Handler) deadlineOrCtxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return session.ErrTimeout
}
