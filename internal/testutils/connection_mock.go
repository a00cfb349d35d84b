package testutils

import (
	"bytes"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// ConnectionMock is a net.Conn replying with scripted responses: each Write
// makes the next response readable. Read blocks until data is available or
// the mock is closed. Use it through mctext.Config.DialContext.
type ConnectionMock struct {
	mu        sync.Mutex
	cond      *sync.Cond
	responses []string
	readBuf   bytes.Buffer
	writeBuf  bytes.Buffer
	closed    bool
	deadline  time.Time
}

// NewConnectionMock creates a mock answering successive writes with
// responses, in order.
func NewConnectionMock(responses ...string) *ConnectionMock {
	m := &ConnectionMock{responses: responses}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.readBuf.Len() == 0 {
		if m.closed {
			return 0, io.EOF
		}
		if !m.deadline.IsZero() && !time.Now().Before(m.deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		m.wait()
	}
	return m.readBuf.Read(b)
}

// wait blocks on the condition, waking up at the read deadline if one is set.
func (m *ConnectionMock) wait() {
	if m.deadline.IsZero() {
		m.cond.Wait()
		return
	}
	t := time.AfterFunc(time.Until(m.deadline), func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	m.cond.Wait()
	t.Stop()
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	m.writeBuf.Write(b)
	if len(m.responses) > 0 {
		m.readBuf.WriteString(m.responses[0])
		m.responses = m.responses[1:]
		m.cond.Broadcast()
	}
	return len(b), nil
}

// Push makes data readable without waiting for a write.
func (m *ConnectionMock) Push(data string) {
	m.mu.Lock()
	m.readBuf.WriteString(data)
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error { return m.SetReadDeadline(t) }

func (m *ConnectionMock) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns everything written to the mock so far.
func (m *ConnectionMock) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.String()
}

// WrittenLines returns the command lines written so far, payloads included.
func (m *ConnectionMock) WrittenLines() []string {
	s := strings.TrimSuffix(m.Written(), "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\r\n")
}
