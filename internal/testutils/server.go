package testutils

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Version is the version reported by Server.
const Version = "1.6.99-testutils"

const maxRelativeExptime = 60 * 60 * 24 * 30

type entry struct {
	value   []byte
	flags   uint32
	expires time.Time // zero: never
	cas     uint64
}

// Server is an in-memory memcached speaking the ASCII protocol, listening on
// a random local port. It implements storage, retrieval, delete, incr, decr,
// touch, gat, flush_all, version and verbosity.
type Server struct {
	ln net.Listener

	mu        sync.Mutex
	items     map[string]*entry
	casSeq    uint64
	conns     map[net.Conn]struct{}
	commands  []string
	accepted  int
	chunkSize int
	delay     time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

// NewServer starts a server closed at the end of the test.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testutils: listen: %v", err)
	}

	s := &Server{
		ln:    ln,
		items: make(map[string]*entry),
		conns: make(map[net.Conn]struct{}),
		now:   time.Now,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the server and closes every connection.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every open connection. The server keeps accepting
// new ones.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Commands returns the command lines received so far, without payloads.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// SetChunkSize makes the server write replies in chunks of n bytes, flushed
// separately. Zero writes each reply at once.
func (s *Server) SetChunkSize(n int) {
	s.mu.Lock()
	s.chunkSize = n
	s.mu.Unlock()
}

// SetDelay delays every reply.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetClock replaces time.Now for expiration.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Peek returns the stored value of key, if present and not expired.
func (s *Server) Peek(key string) (value []byte, flags uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return nil, 0, false
	}
	return append([]byte(nil), e.value...), e.flags, true
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		reply, err := s.handle(line, r)
		if err != nil {
			return
		}
		if err := s.write(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) write(conn net.Conn, reply string) error {
	s.mu.Lock()
	chunk, delay := s.chunkSize, s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if chunk <= 0 {
		_, err := io.WriteString(conn, reply)
		return err
	}
	for len(reply) > 0 {
		n := min(chunk, len(reply))
		if _, err := io.WriteString(conn, reply[:n]); err != nil {
			return err
		}
		reply = reply[n:]
		// Give the client a chance to read the chunk on its own.
		time.Sleep(time.Millisecond)
	}
	return nil
}

var errBadDataChunk = errors.New("bad data chunk")

func (s *Server) handle(line string, r *bufio.Reader) (string, error) {
	tokens := strings.Fields(line)

	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()

	if len(tokens) == 0 {
		return "ERROR\r\n", nil
	}

	switch cmd := tokens[0]; cmd {
	case "set", "add", "replace", "append", "prepend", "cas":
		return s.handleStorage(cmd, tokens[1:], r)
	case "get", "gets":
		return s.handleRetrieval(cmd == "gets", nil, tokens[1:]), nil
	case "gat", "gats":
		if len(tokens) < 3 {
			return "ERROR\r\n", nil
		}
		exptime, err := strconv.ParseInt(tokens[1], 10, 64)
		if err != nil {
			return "CLIENT_ERROR invalid exptime argument\r\n", nil
		}
		return s.handleRetrieval(cmd == "gats", &exptime, tokens[2:]), nil
	case "delete":
		if len(tokens) != 2 {
			return "ERROR\r\n", nil
		}
		return s.handleDelete(tokens[1]), nil
	case "incr", "decr":
		if len(tokens) != 3 {
			return "ERROR\r\n", nil
		}
		return s.handleArithmetic(cmd == "incr", tokens[1], tokens[2]), nil
	case "touch":
		if len(tokens) != 3 {
			return "ERROR\r\n", nil
		}
		exptime, err := strconv.ParseInt(tokens[2], 10, 64)
		if err != nil {
			return "CLIENT_ERROR invalid exptime argument\r\n", nil
		}
		return s.handleTouch(tokens[1], exptime), nil
	case "flush_all":
		var delay int64
		if len(tokens) > 1 {
			d, err := strconv.ParseInt(tokens[1], 10, 64)
			if err != nil {
				return "CLIENT_ERROR bad command line format\r\n", nil
			}
			delay = d
		}
		s.flushAll(delay)
		return "OK\r\n", nil
	case "version":
		return "VERSION " + Version + "\r\n", nil
	case "verbosity":
		if len(tokens) != 2 {
			return "ERROR\r\n", nil
		}
		return "OK\r\n", nil
	}
	return "ERROR\r\n", nil
}

func (s *Server) handleStorage(cmd string, args []string, r *bufio.Reader) (string, error) {
	want := 4
	if cmd == "cas" {
		want = 5
	}
	if len(args) != want {
		return "ERROR\r\n", nil
	}

	key := args[0]
	flags, err1 := strconv.ParseUint(args[1], 10, 32)
	exptime, err2 := strconv.ParseInt(args[2], 10, 64)
	size, err3 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || err3 != nil || size < 0 {
		return "CLIENT_ERROR bad command line format\r\n", nil
	}
	var cas uint64
	if cmd == "cas" {
		v, err := strconv.ParseUint(args[4], 10, 64)
		if err != nil {
			return "CLIENT_ERROR bad command line format\r\n", nil
		}
		cas = v
	}

	data := make([]byte, size+2)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	if string(data[size:]) != "\r\n" {
		return "CLIENT_ERROR bad data chunk\r\n", errBadDataChunk
	}
	value := data[:size]

	if len(key) > 250 {
		return "CLIENT_ERROR line too long\r\n", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.lookup(key)
	switch cmd {
	case "add":
		if existing != nil {
			return "NOT_STORED\r\n", nil
		}
	case "replace":
		if existing == nil {
			return "NOT_STORED\r\n", nil
		}
	case "append", "prepend":
		if existing == nil {
			return "NOT_STORED\r\n", nil
		}
		if cmd == "append" {
			existing.value = append(existing.value, value...)
		} else {
			existing.value = append(append([]byte(nil), value...), existing.value...)
		}
		existing.cas = s.nextCAS()
		return "STORED\r\n", nil
	case "cas":
		if existing == nil {
			return "NOT_FOUND\r\n", nil
		}
		if existing.cas != cas {
			return "EXISTS\r\n", nil
		}
	}

	s.items[key] = &entry{
		value:   append([]byte(nil), value...),
		flags:   uint32(flags),
		expires: s.expiry(exptime),
		cas:     s.nextCAS(),
	}
	return "STORED\r\n", nil
}

func (s *Server) handleRetrieval(withCAS bool, exptime *int64, keys []string) string {
	if len(keys) == 0 {
		return "ERROR\r\n"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, key := range keys {
		e := s.lookup(key)
		if e == nil {
			continue
		}
		if exptime != nil {
			e.expires = s.expiry(*exptime)
		}
		b.WriteString("VALUE ")
		b.WriteString(key)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(uint64(e.flags), 10))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(len(e.value)))
		if withCAS {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(e.cas, 10))
		}
		b.WriteString("\r\n")
		b.Write(e.value)
		b.WriteString("\r\n")
	}
	b.WriteString("END\r\n")
	return b.String()
}

func (s *Server) handleDelete(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) == nil {
		return "NOT_FOUND\r\n"
	}
	delete(s.items, key)
	return "DELETED\r\n"
}

func (s *Server) handleArithmetic(incr bool, key, deltaToken string) string {
	delta, err := strconv.ParseUint(deltaToken, 10, 64)
	if err != nil {
		return "CLIENT_ERROR invalid numeric delta argument\r\n"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return "NOT_FOUND\r\n"
	}
	current, err := strconv.ParseUint(string(e.value), 10, 64)
	if err != nil {
		return "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n"
	}

	switch {
	case incr:
		current += delta
	case delta > current:
		current = 0
	default:
		current -= delta
	}
	e.value = strconv.AppendUint(nil, current, 10)
	e.cas = s.nextCAS()
	return strconv.FormatUint(current, 10) + "\r\n"
}

func (s *Server) handleTouch(key string, exptime int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return "NOT_FOUND\r\n"
	}
	e.expires = s.expiry(exptime)
	return "TOUCHED\r\n"
}

func (s *Server) flushAll(delay int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delay <= 0 {
		clear(s.items)
		return
	}
	at := s.expiry(delay)
	for _, e := range s.items {
		if e.expires.IsZero() || e.expires.After(at) {
			e.expires = at
		}
	}
}

// lookup returns a live entry, dropping it if expired. s.mu must be held.
func (s *Server) lookup(key string) *entry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.items, key)
		return nil
	}
	return e
}

// expiry converts an exptime the way memcached does: relative seconds up to
// 30 days, a unix timestamp beyond, already expired when negative.
func (s *Server) expiry(exptime int64) time.Time {
	switch {
	case exptime == 0:
		return time.Time{}
	case exptime < 0:
		return s.now()
	case exptime <= maxRelativeExptime:
		return s.now().Add(time.Duration(exptime) * time.Second)
	}
	return time.Unix(exptime, 0)
}

func (s *Server) nextCAS() uint64 {
	s.casSeq++
	return s.casSeq
}

// Listen starts a scripted server: handler runs for every accepted
// connection and the connection is closed when it returns.
func Listen(t testing.TB, handler func(conn net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testutils: listen: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := map[net.Conn]struct{}{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	return ln.Addr().String()
}

// ClosedAddr returns a local address nothing listens on.
func ClosedAddr(t testing.TB) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testutils: listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// ReadLine reads one CRLF-terminated line from r, without the terminator.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}
