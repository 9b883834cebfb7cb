// Package session implements components C and D of the core: one
// long-lived, pipelined TCP connection per remote endpoint (Session), and
// the pool that shares those connections across every table (component D
// lives in pool.go).
package session

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pegasus-kv/go-client/base"
	"github.com/pegasus-kv/go-client/metrics"
	"github.com/pegasus-kv/go-client/rpc"
)

// State is a Session's connection lifecycle state, per §3: only Connected
// accepts sends without queuing.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Completion receives either a decoded response frame or an error from the
// sentinels in errors.go (ErrOverflow, ErrClosed, ErrTimeout, ErrConnDead)
// or a framing error from the rpc package.
type Completion func(*rpc.Frame, error)

// DialFunc opens a TCP connection, mirroring the teacher's injectable
// cfg.dialFn — tests substitute an in-process net.Pipe dialer.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Config bundles the tunables a Session needs beyond its address; callers
// (ReplicaSessionPool, MetaSession) build one from the client's options.
type Config struct {
	Logger base.Logger
	Dial   DialFunc

	ConnectTimeout    time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	SendBufferSize    int

	// KeepAlive, when true, reconnects automatically even with no
	// requests enqueued — the behavior §4.C reserves for meta sessions.
	KeepAlive bool

	// Metrics, when set, receives SessionsOpen/Overflows updates. Nil is
	// valid and simply disables the counters (tests building a bare Config
	// need not construct a Registry).
	Metrics *metrics.Registry
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Logger == nil {
		out.Logger = base.NopLogger{}
	}
	if out.Dial == nil {
		out.Dial = defaultDial
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 500 * time.Millisecond
	}
	if out.ReconnectMinDelay <= 0 {
		out.ReconnectMinDelay = time.Second
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = 10 * time.Second
	}
	if out.SendBufferSize <= 0 {
		out.SendBufferSize = 100
	}
	return &out
}

// pendingSend is a request that has not yet been written to the wire: it is
// either waiting for a connection, or about to be issued.
type pendingSend struct {
	opCode     rpc.OpCode
	gpid       base.Gpid
	body       []byte
	deadline   time.Time
	completion Completion
}

// pendingRequest is an in-flight request awaiting a response, per §3. It is
// touched only by the Session's own goroutine.
type pendingRequest struct {
	seqID      uint64
	deadline   time.Time
	opCode     rpc.OpCode
	completion Completion
	node       *rbtreeNode
}

type frameOrErr struct {
	gen   uint64
	frame *rpc.Frame
	err   error
}

// Session owns one TCP connection to one endpoint. All state below the
// "goroutine-owned" comment is touched exclusively by run(); everything
// above it may be touched by any caller and is protected by mu.
type Session struct {
	addr base.Endpoint
	cfg  *Config

	mu     sync.Mutex
	queue  []*pendingSend
	closed bool

	wake    chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	state int32 // atomic State, for external introspection only

	// goroutine-owned (run()):
	conn           net.Conn
	connGen        uint64
	frameCh        chan frameOrErr
	nextSeq        uint64
	pending        map[uint64]*pendingRequest
	heap           deadlineHeap
	reconnectDelay time.Duration
	reconnectAt    time.Time
	reconnectArmed bool
}

// New creates a Session for addr. The connection is not opened until the
// first Send.
func New(addr base.Endpoint, cfg *Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		addr:           addr,
		cfg:            cfg,
		wake:           make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
		doneCh:         make(chan struct{}),
		pending:        make(map[uint64]*pendingRequest),
		reconnectDelay: cfg.ReconnectMinDelay,
	}
	atomic.StoreInt32(&s.state, int32(StateDisconnected))
	go s.run()
	return s
}

// Addr returns the endpoint this session connects to.
func (s *Session) Addr() base.Endpoint { return s.addr }

// State returns the current connection state. It is advisory for callers
// outside the session's own goroutine (logging, metrics); routing decisions
// never gate on it directly.
func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

func (s *Session) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

// Send enqueues a request. It never blocks: if the session is closed the
// completion fires immediately with ErrClosed; if the pending-send buffer
// is full it fires immediately with ErrOverflow; otherwise the request is
// queued (or, if Connected, issued shortly after by the session's own
// goroutine).
func (s *Session) Send(opCode rpc.OpCode, gpid base.Gpid, body []byte, deadline time.Time, completion Completion) {
	if completion == nil {
		completion = func(*rpc.Frame, error) {}
	}
	ps := &pendingSend{opCode: opCode, gpid: gpid, body: body, deadline: deadline, completion: completion}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		completion(nil, ErrClosed)
		return
	}
	if len(s.queue) >= s.cfg.SendBufferSize {
		s.mu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Overflows.Inc()
		}
		completion(nil, ErrOverflow)
		return
	}
	s.queue = append(s.queue, ps)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close drains every pending request with ErrClosed, shuts the socket down,
// and blocks until the session's goroutine has exited.
func (s *Session) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		<-s.doneCh
		return
	}
	s.once.Do(func() { close(s.closeCh) })
	<-s.doneCh
}

func (s *Session) drainQueue() []*pendingSend {
	s.mu.Lock()
	q := s.queue
	s.queue = nil
	s.mu.Unlock()
	return q
}

func (s *Session) hasQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// run is the session's single I/O goroutine: every state mutation below
// happens here, so the pending-request table and deadline heap need no
// locking, per §5.
func (s *Session) run() {
	defer close(s.doneCh)
	for {
		var timerC <-chan time.Time
		timer := s.computeTimer()
		if timer != nil {
			timerC = timer.C
		}

		select {
		case <-s.closeCh:
			if timer != nil {
				timer.Stop()
			}
			s.doClose()
			return
		case <-s.wake:
			s.onWake()
		case fe := <-s.frameCh:
			if fe.gen == s.connGen {
				if fe.err != nil {
					s.onConnDead(fe.err)
				} else {
					s.onFrame(fe.frame)
				}
			}
		case <-timerC:
			s.onTimerFire()
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Session) computeTimer() *time.Timer {
	switch s.State() {
	case StateConnected:
		next := s.heap.nextDeadline()
		if next.IsZero() {
			return nil
		}
		return time.NewTimer(time.Until(next))
	case StateDisconnected:
		if !s.reconnectArmed {
			return nil
		}
		return time.NewTimer(time.Until(s.reconnectAt))
	default:
		return nil
	}
}

func (s *Session) onWake() {
	switch s.State() {
	case StateConnected:
		s.flushQueue()
	case StateDisconnected:
		if !s.reconnectArmed {
			s.attemptConnect()
		}
	default:
		// Connecting: the in-flight attempt will flush the queue itself
		// once it resolves.
	}
}

func (s *Session) onTimerFire() {
	switch s.State() {
	case StateConnected:
		now := time.Now()
		for _, pr := range s.heap.popExpired(now) {
			delete(s.pending, pr.seqID)
			pr.completion(nil, ErrTimeout)
		}
	case StateDisconnected:
		s.reconnectArmed = false
		s.attemptConnect()
	}
}

func (s *Session) attemptConnect() {
	s.setState(StateConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	conn, err := s.cfg.Dial(ctx, "tcp", s.addr.String())
	cancel()
	if err != nil {
		s.cfg.Logger.Log(base.LogLevelWarn, "session connect failed", "addr", s.addr.String(), "err", err)
		s.setState(StateDisconnected)
		s.scheduleReconnect()
		return
	}

	s.conn = conn
	s.connGen++
	gen := s.connGen
	fc := make(chan frameOrErr, 16)
	s.frameCh = fc
	go readLoop(conn, gen, fc)

	s.cfg.Logger.Log(base.LogLevelDebug, "session connected", "addr", s.addr.String())
	s.setState(StateConnected)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionsOpen.Inc()
	}
	s.reconnectDelay = s.cfg.ReconnectMinDelay
	s.reconnectArmed = false
	s.flushQueue()
}

func (s *Session) scheduleReconnect() {
	s.reconnectAt = time.Now().Add(s.reconnectDelay)
	s.reconnectArmed = true
	s.reconnectDelay *= 2
	if s.reconnectDelay > s.cfg.ReconnectMaxDelay {
		s.reconnectDelay = s.cfg.ReconnectMaxDelay
	}
}

// flushQueue issues every request waiting to be sent, in enqueue order.
// Requests whose deadline already passed are failed with ErrTimeout instead
// of being written, per §4.C.
func (s *Session) flushQueue() {
	now := time.Now()
	for _, ps := range s.drainQueue() {
		if !ps.deadline.IsZero() && now.After(ps.deadline) {
			ps.completion(nil, ErrTimeout)
			continue
		}
		s.issue(ps)
	}
}

func (s *Session) issue(ps *pendingSend) {
	seq := s.nextSeq
	s.nextSeq++

	var timeoutMs uint32
	if !ps.deadline.IsZero() {
		if d := time.Until(ps.deadline); d > 0 {
			timeoutMs = uint32(d / time.Millisecond)
		}
	}

	frame := &rpc.Frame{
		SeqID:           seq,
		OpCode:          ps.opCode,
		IsRequest:       true,
		ClientTimeoutMs: timeoutMs,
		Gpid:            ps.gpid,
		Body:            ps.body,
	}
	buf, err := rpc.Encode(frame)
	if err != nil {
		ps.completion(nil, err)
		return
	}

	if _, err := s.conn.Write(buf); err != nil {
		ps.completion(nil, ErrConnDead)
		s.onConnDead(err)
		return
	}

	pr := &pendingRequest{seqID: seq, deadline: ps.deadline, opCode: ps.opCode, completion: ps.completion}
	if !ps.deadline.IsZero() {
		pr.node = s.heap.insert(pr)
	}
	s.pending[seq] = pr
}

func (s *Session) onFrame(f *rpc.Frame) {
	pr, ok := s.pending[f.SeqID]
	if !ok {
		s.cfg.Logger.Log(base.LogLevelDebug, "discarding response for unknown sequence id", "addr", s.addr.String(), "seq", f.SeqID)
		return
	}
	delete(s.pending, f.SeqID)
	s.heap.remove(pr.node)
	pr.completion(f, nil)
}

func (s *Session) onConnDead(err error) {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionsOpen.Dec()
		}
	}
	s.frameCh = nil
	s.setState(StateDisconnected)

	for seq, pr := range s.pending {
		delete(s.pending, seq)
		s.heap.remove(pr.node)
		pr.completion(nil, ErrConnDead)
	}
	s.cfg.Logger.Log(base.LogLevelWarn, "session connection lost", "addr", s.addr.String(), "err", err)

	if s.hasQueued() || s.cfg.KeepAlive {
		s.scheduleReconnect()
	}
}

func (s *Session) doClose() {
	s.setState(StateClosing)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionsOpen.Dec()
		}
	}
	for seq, pr := range s.pending {
		delete(s.pending, seq)
		s.heap.remove(pr.node)
		pr.completion(nil, ErrClosed)
	}
	for _, ps := range s.drainQueue() {
		ps.completion(nil, ErrClosed)
	}
	s.setState(StateClosed)
}

// readLoop reads length-prefixed frames off conn and forwards decoded
// frames (or the terminal read error) to out, tagged with gen so the
// session can discard stragglers from a connection it has already
// abandoned.
func readLoop(conn net.Conn, gen uint64, out chan<- frameOrErr) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			out <- frameOrErr{gen: gen, err: err}
			return
		}
		total, err := rpc.ReadFrameLength(header)
		if err != nil {
			out <- frameOrErr{gen: gen, err: err}
			return
		}
		if total < len(header) {
			out <- frameOrErr{gen: gen, err: io.ErrUnexpectedEOF}
			return
		}
		rest := make([]byte, total-len(header))
		if _, err := io.ReadFull(conn, rest); err != nil {
			out <- frameOrErr{gen: gen, err: err}
			return
		}
		full := make([]byte, 0, total)
		full = append(full, header...)
		full = append(full, rest...)
		frame, err := rpc.Decode(full, 0)
		if err != nil {
			out <- frameOrErr{gen: gen, err: err}
			return
		}
		out <- frameOrErr{gen: gen, frame: frame}
	}
}
