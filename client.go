// Package pegasus is the client-side RPC/routing engine core for a
// partitioned, replicated key-value cluster: it resolves a (hashKey,
// sortKey) pair to the partition's current primary replica, keeps a
// pipelined session open to every replica and meta server it talks to, and
// retries/refreshes routing transparently across ballot changes and replica
// failover. The per-operation wire body codec and typed get/put surface are
// out of scope here — callers supply an opaque body and get one back.
package pegasus

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pegasus-kv/go-client/base"
	"github.com/pegasus-kv/go-client/metrics"
	"github.com/pegasus-kv/go-client/rpc"
	"github.com/pegasus-kv/go-client/session"
	"github.com/pegasus-kv/go-client/table"
)

// Operation is the opaque (opCode, body) pair a caller submits; the body's
// internal layout is the per-operation codec this module doesn't implement.
type Operation struct {
	OpCode  rpc.OpCode
	HashKey []byte
	SortKey []byte
	Body    []byte
}

// Client owns the shared replica session pool and meta session for every
// table opened from it, per §12's "single MetaSession shared by every
// TableHandler" supplement.
type Client struct {
	opts *options

	pool *session.Pool
	meta *session.MetaSession

	tableCfg *table.Config

	metricsReg    *metrics.Registry
	metricsPusher *metrics.Pusher
	metricsCancel context.CancelFunc

	tablesMu sync.Mutex
	tables   map[string]*table.Handler
}

// New resolves metaServers, builds the shared replica pool and meta
// session, and — if EnableCounter is set — starts the metrics push loop.
func New(opts ...Opt) (*Client, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	if len(o.metaServers) == 0 {
		return nil, newError(KindInvalidArgument, "at least one meta server is required")
	}

	servers := make([]base.Endpoint, 0, len(o.metaServers))
	for _, addr := range o.metaServers {
		ep, err := parseHostPort(addr)
		if err != nil {
			return nil, newError(KindInvalidArgument, err.Error())
		}
		servers = append(servers, ep)
	}

	// This implementation is goroutine-per-session rather than a literal
	// fixed-size I/O worker pool, so IOThreads instead bounds how many OS
	// threads those goroutines are scheduled across.
	runtime.GOMAXPROCS(o.ioThreads)

	tags, err := metrics.ParseTags(o.perfCounterTags)
	if err != nil {
		return nil, newError(KindInvalidArgument, err.Error())
	}
	metricsReg := metrics.NewRegistry(tags)

	sessCfg := &session.Config{
		Logger:            o.logger,
		ConnectTimeout:    o.connectTimeout,
		ReconnectMinDelay: o.reconnectMinDelay,
		ReconnectMaxDelay: o.reconnectMaxDelay,
		SendBufferSize:    o.sessionSendBufferSize,
		Metrics:           metricsReg,
	}
	metaCfg := *sessCfg
	metaCfg.KeepAlive = true

	tableCfg := &table.Config{
		Logger:             o.logger,
		DefaultTimeout:     o.operationTimeout,
		RefreshMinInterval: o.refreshMinInterval,
		Metrics:            metricsReg,
	}

	c := &Client{
		opts:       o,
		pool:       session.NewPool(sessCfg),
		metricsReg: metricsReg,
		tables:     make(map[string]*table.Handler),
	}
	c.meta = session.NewMetaSession(servers, &metaCfg, o.metaMaxRetry)
	tableCfg.Meta = c.meta
	tableCfg.Pool = c.pool
	c.tableCfg = tableCfg

	if o.enableCounter {
		c.metricsPusher = metrics.NewPusher(c.metricsReg, "127.0.0.1:1988", "pegasus_client", o.pushIntervalSecs, o.logger)
		ctx, cancel := context.WithCancel(context.Background())
		c.metricsCancel = cancel
		go c.metricsPusher.Run(ctx)
	}

	return c, nil
}

// OpenTable caches and returns the TableHandler for name, querying the meta
// cluster for its partition configuration on first use. timeout, when
// positive, becomes name's own default operation timeout instead of the
// client's OperationTimeout, per §12's per-table timeout supplement (Java
// client's TableOptions). A second OpenTable call for an already-open table
// returns the cached handler and ignores a differing timeout.
func (c *Client) OpenTable(name string, timeout time.Duration) (*table.Handler, error) {
	c.tablesMu.Lock()
	if h, ok := c.tables[name]; ok {
		c.tablesMu.Unlock()
		return h, nil
	}
	c.tablesMu.Unlock()

	h, err := table.Open(name, c.tableCfg, table.TableOptions{Timeout: timeout})
	if err != nil {
		return nil, translateOpenError(err)
	}

	c.tablesMu.Lock()
	defer c.tablesMu.Unlock()
	if existing, ok := c.tables[name]; ok {
		return existing, nil
	}
	c.tables[name] = h
	return h, nil
}

// Execute routes op to its partition's primary and runs it through the
// table's retry/refresh state machine, honoring timeout if positive or
// falling back to the client's configured OperationTimeout otherwise, per
// the open question resolved in DESIGN.md ("<=0 means default").
func (c *Client) Execute(ctx context.Context, tableName string, op Operation, timeout time.Duration) (*rpc.Frame, error) {
	h, err := c.OpenTable(tableName, timeout)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.opts.operationTimeout
	}
	operator := table.NewOperator(op.OpCode, op.HashKey, op.SortKey, op.Body, time.Now().Add(timeout))

	frame, err := h.Execute(ctx, operator)
	if err != nil {
		return nil, translateExecuteError(err)
	}
	if frame.Error != rpc.ErrOK {
		return frame, ServerError(frame.Error)
	}
	return frame, nil
}

// Close stops the metrics push loop, then closes the replica pool (the
// connections every open TableHandler sends on), then the meta session —
// every outstanding request completes with Closed.
func (c *Client) Close() {
	if c.metricsCancel != nil {
		c.metricsCancel()
		c.metricsPusher.Stop()
	}
	c.pool.CloseAll()
	c.meta.CloseAll()
}

func parseHostPort(addr string) (base.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return base.InvalidEndpoint, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return base.InvalidEndpoint, err
	}
	return base.ParseEndpoint(host, uint16(port))
}

func translateOpenError(err error) error {
	switch err {
	case session.ErrTableNotFound:
		return ErrTableNotFound
	case session.ErrMetaUnreachable:
		return ErrMetaUnreachable
	case session.ErrTimeout:
		return ErrTimeout
	default:
		return err
	}
}

func translateExecuteError(err error) error {
	switch err {
	case session.ErrTimeout:
		return ErrTimeout
	case session.ErrClosed:
		return ErrClosed
	case session.ErrOverflow:
		return ErrOverflow
	case table.ErrInvalidArgument:
		return ErrInvalidArgument
	default:
		if err == context.Canceled || err == context.DeadlineExceeded {
			return ErrTimeout
		}
		return ErrReplicaUnreachable
	}
}
