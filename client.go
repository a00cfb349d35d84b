package mctext

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/mctext/protocol"
)

// Querier is the subset of operations shared by Client and ClientPool.
type Querier interface {
	Get(ctx context.Context, keys ...string) (map[string]Item, error)
	Set(ctx context.Context, item Item) error
	Add(ctx context.Context, item Item) error
	Replace(ctx context.Context, item Item) error
	Delete(ctx context.Context, key string) error
}

var (
	_ Querier = (*Client)(nil)
	_ Querier = (*ClientPool)(nil)
)

// Client talks to one memcached server over a single connection.
//
// Commands are written one at a time in call order: a command is sent only
// after the reply to the previous one was fully read. Concurrent callers are
// safe and are served in the order their calls reached the client.
//
// The connection is established in the background and re-established after
// it is lost, see Config. Commands issued while disconnected wait in the
// queue. A command whose reply was interrupted by a connection loss fails
// with a *ConnectionError and is never resent.
type Client struct {
	addr  string
	cfg   Config
	stats *clientStatsCollector

	submit  chan *request
	drain   chan chan struct{}
	ready   chan chan struct{}
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	destroyed atomic.Bool
	state     atomic.Int32

	// err is the reason of destruction, written before done is closed.
	err error

	// connMu guards conn, the current socket, so End can close it while the
	// client goroutine is blocked writing to it.
	connMu sync.Mutex
	conn   net.Conn
	ending bool
}

// NewClient validates addr and starts connecting to it in the background.
// It does not wait for the connection; see WaitReady.
func NewClient(addr string, cfg Config) (*Client, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}

	c := &Client{
		addr:    addr,
		cfg:     cfg.withDefaults(),
		stats:   newClientStatsCollector(),
		submit:  make(chan *request),
		drain:   make(chan chan struct{}),
		ready:   make(chan chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go newConnection(c).run()

	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Destroyed reports whether the client was ended, closed, or gave up
// reconnecting. A destroyed client rejects every command.
func (c *Client) Destroyed() bool {
	return c.destroyed.Load()
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// WaitReady blocks until the connection is established. It fails when the
// client is destroyed first.
func (c *Client) WaitReady(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}

	w := make(chan struct{})
	select {
	case c.ready <- w:
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w:
		if c.Destroyed() {
			return c.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End destroys the client. With flush, it first waits until every command
// issued so far has settled, or ctx is done. Commands still queued when the
// client is destroyed fail with ErrClientDestroyed.
//
// End must not be called from Config.OnEvent.
func (c *Client) End(ctx context.Context, flush bool) error {
	var err error
	if flush {
		err = c.waitDrained(ctx)
	}

	c.closeOnce.Do(func() {
		close(c.closing)
		c.interruptConn()
	})
	<-c.done

	return err
}

// Close destroys the client without waiting for queued commands.
func (c *Client) Close() error {
	return c.End(context.Background(), false)
}

// setConn publishes the socket in use. It reports false once End started,
// in which case conn must not be used.
func (c *Client) setConn(conn net.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.ending && conn != nil {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) interruptConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.ending = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) waitDrained(ctx context.Context) error {
	w := make(chan struct{})
	select {
	case c.drain <- w:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exec queues req and waits for its settlement. When ctx is done first, the
// caller gets ctx.Err() while the command stays queued: its reply is still
// read and dropped so later replies are attributed correctly.
func (c *Client) exec(ctx context.Context, req *request) (result, error) {
	req.enqueued = time.Now()

	select {
	case c.submit <- req:
	case <-c.done:
		req.release()
		return result{}, ErrClientDestroyed
	case <-ctx.Done():
		req.release()
		return result{}, ctx.Err()
	}

	select {
	case res := <-req.result:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (c *Client) checkUsable() error {
	if c.destroyed.Load() {
		return ErrClientDestroyed
	}
	return nil
}

// Set stores an item unconditionally.
func (c *Client) Set(ctx context.Context, item Item) error {
	return c.store(ctx, protocol.CmdSet, item)
}

// Add stores an item only if the key is absent. It fails with ErrNotStored
// otherwise.
func (c *Client) Add(ctx context.Context, item Item) error {
	return c.store(ctx, protocol.CmdAdd, item)
}

// Replace stores an item only if the key is present. It fails with
// ErrNotStored otherwise.
func (c *Client) Replace(ctx context.Context, item Item) error {
	return c.store(ctx, protocol.CmdReplace, item)
}

// Append adds item.Value after the existing value. Flags and TTL are
// ignored by the server.
func (c *Client) Append(ctx context.Context, item Item) error {
	return c.store(ctx, protocol.CmdAppend, item)
}

// Prepend adds item.Value before the existing value. Flags and TTL are
// ignored by the server.
func (c *Client) Prepend(ctx context.Context, item Item) error {
	return c.store(ctx, protocol.CmdPrepend, item)
}

// CompareAndSwap stores an item only if it was not modified since item.CAS
// was obtained from Gets. It fails with ErrExists when it was, and with
// ErrNotFound when the key is gone.
func (c *Client) CompareAndSwap(ctx context.Context, item Item) error {
	if item.CAS == 0 {
		if err := c.checkUsable(); err != nil {
			return err
		}
		return ErrMissingCAS
	}
	return c.store(ctx, protocol.CmdCAS, item)
}

func (c *Client) store(ctx context.Context, name string, item Item) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := protocol.ValidateKey(item.Key); err != nil {
		return err
	}
	if err := protocol.ValidateFlags(item.Flags, c.cfg.LegacyFlags); err != nil {
		return err
	}

	cmd := protocol.NewStorageCommand(name, item.Key, item.Flags, item.exptime(time.Now()), item.Value, item.CAS)
	_, err := c.exec(ctx, newRequest(cmd))
	return err
}

// Get returns the items found for keys. Absent keys are missing from the
// map; a full miss is an empty map and no error.
func (c *Client) Get(ctx context.Context, keys ...string) (map[string]Item, error) {
	return c.retrieve(ctx, keys, func() *protocol.Command {
		return protocol.NewRetrievalCommand(protocol.CmdGet, keys)
	})
}

// Gets is Get with CAS tokens populated.
func (c *Client) Gets(ctx context.Context, keys ...string) (map[string]Item, error) {
	return c.retrieve(ctx, keys, func() *protocol.Command {
		return protocol.NewRetrievalCommand(protocol.CmdGets, keys)
	})
}

// GetAndTouch is Get that also resets the TTL of every item found.
func (c *Client) GetAndTouch(ctx context.Context, ttl time.Duration, keys ...string) (map[string]Item, error) {
	return c.retrieve(ctx, keys, func() *protocol.Command {
		return protocol.NewGetAndTouchCommand(protocol.CmdGat, protocol.Exptime(ttl, time.Now()), keys)
	})
}

// GetsAndTouch is GetAndTouch with CAS tokens populated.
func (c *Client) GetsAndTouch(ctx context.Context, ttl time.Duration, keys ...string) (map[string]Item, error) {
	return c.retrieve(ctx, keys, func() *protocol.Command {
		return protocol.NewGetAndTouchCommand(protocol.CmdGats, protocol.Exptime(ttl, time.Now()), keys)
	})
}

// GetOne returns a single item, or ErrCacheMiss.
func (c *Client) GetOne(ctx context.Context, key string) (Item, error) {
	items, err := c.Get(ctx, key)
	if err != nil {
		return Item{}, err
	}
	item, ok := items[key]
	if !ok {
		return Item{}, ErrCacheMiss
	}
	return item, nil
}

func (c *Client) retrieve(ctx context.Context, keys []string, build func() *protocol.Command) (map[string]Item, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if err := protocol.ValidateKeys(keys); err != nil {
		return nil, err
	}

	req := newRequest(build())
	req.keys = len(keys)
	res, err := c.exec(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.items, nil
}

// Delete removes a key. It fails with ErrNotFound when the key is absent.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := protocol.ValidateKey(key); err != nil {
		return err
	}

	_, err := c.exec(ctx, newRequest(protocol.NewDeleteCommand(key)))
	return err
}

// Increment adds delta to a numeric value and returns the new value. The
// server wraps around at 2^64. It fails with ErrNotFound when the key is
// absent.
func (c *Client) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, protocol.CmdIncr, key, delta)
}

// Decrement subtracts delta from a numeric value and returns the new value.
// The server stops at 0. It fails with ErrNotFound when the key is absent.
func (c *Client) Decrement(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, protocol.CmdDecr, key, delta)
}

func (c *Client) arithmetic(ctx context.Context, name, key string, delta uint64) (uint64, error) {
	if err := c.checkUsable(); err != nil {
		return 0, err
	}
	if err := protocol.ValidateKey(key); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, ErrInvalidDelta
	}

	res, err := c.exec(ctx, newRequest(protocol.NewArithmeticCommand(name, key, delta)))
	if err != nil {
		return 0, err
	}
	return res.number, nil
}

// Touch resets the TTL of a key. It fails with ErrNotFound when the key is
// absent.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := protocol.ValidateKey(key); err != nil {
		return err
	}

	cmd := protocol.NewTouchCommand(key, protocol.Exptime(ttl, time.Now()))
	_, err := c.exec(ctx, newRequest(cmd))
	return err
}

// FlushAll invalidates every item on the server, after delay if positive.
func (c *Client) FlushAll(ctx context.Context, delay time.Duration) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	cmd := protocol.NewFlushAllCommand(protocol.Exptime(delay, time.Now()))
	_, err := c.exec(ctx, newRequest(cmd))
	return err
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	if err := c.checkUsable(); err != nil {
		return "", err
	}

	res, err := c.exec(ctx, newRequest(protocol.NewVersionCommand()))
	if err != nil {
		return "", err
	}
	return res.text, nil
}

// Verbosity sets the logging level of the server.
func (c *Client) Verbosity(ctx context.Context, level uint32) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	_, err := c.exec(ctx, newRequest(protocol.NewVerbosityCommand(level)))
	return err
}
