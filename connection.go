package mctext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pior/mctext/protocol"
)

// State is the lifecycle state of a client connection.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

type dialResult struct {
	gen      uint64
	conn     net.Conn
	err      error
	timedOut bool
}

type readResult struct {
	gen  uint64
	data []byte
	err  error
}

// connection is the state owned by the client goroutine: the socket, the
// decoder, the command queue and the reconnection bookkeeping. Nothing in it
// is touched from another goroutine; dial and read goroutines report back
// through channels and their results are tagged with the generation of the
// socket they belong to.
type connection struct {
	client *Client
	cfg    Config

	netConn net.Conn
	gen     uint64
	decoder protocol.Decoder
	queue   commandQueue

	failures   int // consecutive failed connection attempts
	dialCancel context.CancelFunc
	retryTimer *time.Timer
	retryC     <-chan time.Time

	dials chan dialResult
	reads chan readResult

	drainWaiters []chan struct{}
	readyWaiters []chan struct{}

	destroyed bool
}

func newConnection(c *Client) *connection {
	return &connection{
		client:  c,
		cfg:     c.cfg,
		decoder: protocol.Decoder{MaxBlockSize: c.cfg.MaxValueSize},
		dials:   make(chan dialResult),
		reads:   make(chan readResult),
	}
}

// run is the client goroutine. It returns once the client is destroyed.
func (m *connection) run() {
	defer close(m.client.done)

	m.connect(EventConnect)

	for !m.destroyed {
		select {
		case req := <-m.client.submit:
			m.enqueue(req)
		case w := <-m.client.drain:
			m.addDrainWaiter(w)
		case w := <-m.client.ready:
			m.addReadyWaiter(w)
		case res := <-m.dials:
			m.handleDial(res)
		case res := <-m.reads:
			m.handleRead(res)
		case <-m.retryC:
			m.retryC = nil
			m.client.stats.recordReconnect()
			m.connect(EventReconnect)
		case <-m.client.closing:
			m.destroy(ErrClientDestroyed)
		}
	}
}

func (m *connection) enqueue(req *request) {
	m.queue.push(req)
	m.client.stats.setPending(m.queue.len())
	m.dispatch()
}

// dispatch writes the head of the queue when the connection is ready and
// nothing is in flight.
func (m *connection) dispatch() {
	if m.netConn == nil {
		return
	}
	req := m.queue.startNext()
	if req == nil {
		return
	}

	if m.cfg.Debug {
		m.trace("write: " + req.line)
	}

	if m.cfg.IdleTimeout > 0 {
		_ = m.netConn.SetWriteDeadline(time.Now().Add(m.cfg.IdleTimeout))
	}
	_, err := m.netConn.Write(req.cmd.Wire())
	req.release()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrDeadlineExceeded):
		m.lost(EventTimeout, &ConnectionError{Op: "write", Err: err})
	default:
		m.lost(EventClosed, &ConnectionError{Op: "write", Err: err})
	}
}

// settle resolves the in-flight request and dispatches the next one.
func (m *connection) settle(res result) {
	req := m.queue.finish()
	m.client.stats.recordCommand(req, res)
	req.settle(res)

	n := m.queue.len()
	m.client.stats.setPending(n)
	if n == 0 {
		m.notifyDrained()
	}
	m.dispatch()
}

func (m *connection) connect(typ EventType) {
	m.gen++
	gen := m.gen
	m.client.setState(StateConnecting)
	m.emit(Event{Type: typ, Attempt: m.failures})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.dialCancel = cancel

	go func() {
		conn, err := m.cfg.DialContext(ctx, m.cfg.Network, m.client.addr)
		res := dialResult{gen: gen, conn: conn, err: err}
		if err != nil {
			res.timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err)
		}
		select {
		case m.dials <- res:
		case <-m.client.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (m *connection) handleDial(res dialResult) {
	if res.gen != m.gen {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	m.dialCancel()
	m.dialCancel = nil

	if res.err != nil {
		m.failures++
		m.client.stats.recordConnectFailure()
		cause := &ConnectionError{Op: "dial", Err: res.err}
		if res.timedOut {
			m.emit(Event{Type: EventConnectTimeout, Attempt: m.failures, Err: cause})
		} else {
			m.emit(Event{Type: EventClosed, Attempt: m.failures, Err: cause})
		}
		m.scheduleRetry(cause)
		return
	}

	if !m.client.setConn(res.conn) {
		_ = res.conn.Close()
		m.destroy(ErrClientDestroyed)
		return
	}
	if tcp, ok := res.conn.(*net.TCPConn); ok && m.cfg.NoDelay != nil {
		_ = tcp.SetNoDelay(*m.cfg.NoDelay)
	}

	m.netConn = res.conn
	m.failures = 0
	m.decoder.Reset()
	m.client.setState(StateReady)
	m.emit(Event{Type: EventReady})

	for _, w := range m.readyWaiters {
		close(w)
	}
	m.readyWaiters = nil

	go m.readLoop(m.gen, res.conn)
	m.dispatch()
}

// readLoop forwards socket reads to the client goroutine until the first
// error.
func (m *connection) readLoop(gen uint64, conn net.Conn) {
	buf := make([]byte, m.cfg.ReadBufferSize)
	for {
		if m.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout))
		}
		n, err := conn.Read(buf)

		var data []byte
		if n > 0 {
			data = append([]byte(nil), buf[:n]...)
		}
		select {
		case m.reads <- readResult{gen: gen, data: data, err: err}:
		case <-m.client.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *connection) handleRead(res readResult) {
	if res.gen != m.gen {
		return
	}

	if len(res.data) > 0 {
		m.decoder.Feed(res.data)
		if !m.drive() {
			return
		}
	}

	switch {
	case res.err == nil:
	case errors.Is(res.err, io.EOF):
		m.lost(EventClosed, &ConnectionError{Op: "read", Err: io.EOF})
	case m.cfg.IdleTimeout > 0 && errors.Is(res.err, os.ErrDeadlineExceeded):
		m.lost(EventTimeout, &ConnectionError{Op: "read", Err: ErrIdleTimeout})
	default:
		m.lost(EventClosed, &ConnectionError{Op: "read", Err: res.err})
	}
}

// drive consumes decoder events until more input is needed. It reports false
// when the connection was closed on a protocol error.
func (m *connection) drive() bool {
	for {
		ev, err := m.decoder.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return true
		}
		if err != nil {
			m.lost(EventClosed, &ConnectionError{Op: "parse", Err: fmt.Errorf("%w: %w", ErrProtocolDesync, err)})
			return false
		}

		req := m.queue.inFlight()
		if req == nil {
			m.lost(EventClosed, &ConnectionError{Op: "parse", Err: fmt.Errorf("%w: %s with no command in flight", ErrProtocolDesync, ev.Kind)})
			return false
		}

		switch ev.Kind {
		case protocol.EventBlock:
			if m.cfg.Debug {
				m.trace(fmt.Sprintf("read: VALUE %s %d %d", ev.Block.Key, ev.Block.Flags, ev.Block.Size))
			}
			if !collectBlock(req, ev.Block) {
				m.lost(EventClosed, &ConnectionError{Op: "parse", Err: fmt.Errorf("%w: value block in reply to %s", ErrProtocolDesync, req.name)})
				return false
			}
		case protocol.EventLine:
			if m.cfg.Debug {
				m.trace("read: " + ev.Line)
			}
			m.settle(resolveLine(req, ev))
		}
	}
}

// lost closes the current socket. The in-flight command, if any, fails with
// cause since its reply can no longer be attributed. Waiting commands stay
// queued for the next connection.
func (m *connection) lost(typ EventType, cause *ConnectionError) {
	if m.netConn == nil {
		return
	}
	// End closed the socket under us.
	select {
	case <-m.client.closing:
		m.destroy(ErrClientDestroyed)
		return
	default:
	}

	m.gen++
	_ = m.netConn.Close()
	m.netConn = nil
	m.client.setConn(nil)
	m.decoder.Reset()
	m.client.setState(StateClosed)

	var evErr error = cause
	if typ == EventClosed && errors.Is(cause, io.EOF) {
		evErr = nil
	}
	m.emit(Event{Type: typ, Err: evErr})

	if req := m.queue.inFlight(); req != nil {
		m.settle(result{err: cause})
	}
	m.scheduleRetry(cause)
}

func (m *connection) scheduleRetry(cause error) {
	if m.cfg.MaxRetries > 0 && m.failures >= m.cfg.MaxRetries {
		err := fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, m.failures, cause)
		m.emit(Event{Type: EventFatal, Attempt: m.failures, Err: err})
		m.destroy(ErrMaxRetries)
		return
	}
	m.client.setState(StateClosed)
	if m.retryTimer == nil {
		m.retryTimer = time.NewTimer(m.cfg.RetryDelay)
	} else {
		m.retryTimer.Reset(m.cfg.RetryDelay)
	}
	m.retryC = m.retryTimer.C
}

// destroy is terminal: every queued and in-flight command fails with err.
func (m *connection) destroy(err error) {
	if m.destroyed {
		return
	}
	m.destroyed = true
	m.gen++

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryC = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.netConn != nil {
		_ = m.netConn.Close()
		m.netConn = nil
		m.client.setConn(nil)
	}

	m.client.err = err
	m.client.destroyed.Store(true)
	m.client.setState(StateDestroyed)

	pending := m.queue.drain()
	for _, req := range pending {
		m.client.stats.recordCommand(req, result{err: err})
		req.settle(result{err: err})
	}
	m.client.stats.setPending(0)
	if len(pending) > 0 {
		m.cfg.Logger.Warn("mctext: rejected pending commands", Fields{"addr": m.client.addr, "count": len(pending), "error": err.Error()})
	}

	m.notifyDrained()
	for _, w := range m.readyWaiters {
		close(w)
	}
	m.readyWaiters = nil
}

func (m *connection) addDrainWaiter(w chan struct{}) {
	if m.queue.len() == 0 {
		close(w)
		return
	}
	m.drainWaiters = append(m.drainWaiters, w)
}

func (m *connection) notifyDrained() {
	for _, w := range m.drainWaiters {
		close(w)
	}
	m.drainWaiters = nil
}

func (m *connection) addReadyWaiter(w chan struct{}) {
	if m.netConn != nil {
		close(w)
		return
	}
	m.readyWaiters = append(m.readyWaiters, w)
}

func (m *connection) emit(ev Event) {
	ev.Addr = m.client.addr

	fields := Fields{"addr": ev.Addr, "event": ev.Type.String()}
	if ev.Attempt > 0 {
		fields["attempt"] = ev.Attempt
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}

	switch ev.Type {
	case EventConnect, EventReconnect, EventReady:
		m.cfg.Logger.Info("mctext: connection "+ev.Type.String(), fields)
	case EventClosed, EventTimeout, EventConnectTimeout:
		m.cfg.Logger.Warn("mctext: connection "+ev.Type.String(), fields)
	case EventFatal:
		m.cfg.Logger.Error("mctext: giving up on server", fields)
	}

	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev)
	}
}

func (m *connection) trace(msg string) {
	m.cfg.Logger.Debug("mctext: "+msg, Fields{"addr": m.client.addr})
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(Event{Type: EventDebug, Addr: m.client.addr, Message: msg})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
