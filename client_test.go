package mctext

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/mctext/internal/testutils"
	"github.com/pior/mctext/protocol"
)

func newTestClient(t *testing.T, addr string, cfg Config) *Client {
	t.Helper()

	c, err := NewClient(addr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	return c
}

// waitPending waits until n commands are queued or in flight.
func waitPending(t *testing.T, c *Client, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Stats().Pending == n
	}, time.Second, time.Millisecond)
}

func TestNewClientInvalidAddress(t *testing.T) {
	for _, addr := range []string{"", "localhost", ":11211", "localhost:abc", "localhost:0", "localhost:70000"} {
		_, err := NewClient(addr, Config{})
		assert.ErrorIs(t, err, ErrInvalidAddress, addr)
	}
}

func TestClientStorage(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "k", Value: []byte("v1"), Flags: 42}))
	item, err := c.GetOne(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(item.Value))
	assert.Equal(t, uint32(42), item.Flags)

	err = c.Add(ctx, Item{Key: "k", Value: []byte("v2")})
	assert.ErrorIs(t, err, ErrNotStored)
	require.NoError(t, c.Add(ctx, Item{Key: "other", Value: []byte("v2")}))

	err = c.Replace(ctx, Item{Key: "absent", Value: []byte("v")})
	assert.ErrorIs(t, err, ErrNotStored)
	require.NoError(t, c.Replace(ctx, Item{Key: "k", Value: []byte("v3")}))

	require.NoError(t, c.Append(ctx, Item{Key: "k", Value: []byte("-tail")}))
	require.NoError(t, c.Prepend(ctx, Item{Key: "k", Value: []byte("head-")}))
	err = c.Append(ctx, Item{Key: "absent", Value: []byte("x")})
	assert.ErrorIs(t, err, ErrNotStored)

	item, err = c.GetOne(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "head-v3-tail", string(item.Value))
}

func TestClientCompareAndSwap(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "k", Value: []byte("v1")}))

	items, err := c.Gets(ctx, "k")
	require.NoError(t, err)
	item := items["k"]
	require.NotZero(t, item.CAS)

	item.Value = []byte("v2")
	require.NoError(t, c.CompareAndSwap(ctx, item))

	// The token is stale now.
	item.Value = []byte("v3")
	assert.ErrorIs(t, c.CompareAndSwap(ctx, item), ErrExists)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.ErrorIs(t, c.CompareAndSwap(ctx, item), ErrNotFound)

	assert.ErrorIs(t, c.CompareAndSwap(ctx, Item{Key: "k", Value: []byte("v")}), ErrMissingCAS)

	value, _, ok := srv.Peek("k")
	assert.False(t, ok, "value %q", value)
}

func TestClientMultiGet(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "a", Value: []byte("1")}))
	require.NoError(t, c.Set(ctx, Item{Key: "c", Value: []byte("3")}))

	items, err := c.Get(ctx, "a", "b", "c")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", string(items["a"].Value))
	assert.Equal(t, "3", string(items["c"].Value))
	assert.NotContains(t, items, "b")
	assert.Zero(t, items["a"].CAS, "get does not return CAS tokens")

	items, err = c.Get(ctx, "x", "y")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = c.GetOne(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(4), stats.Misses)
}

func TestClientValuesContainingCRLF(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	values := map[string]string{
		"crlf":   "line1\r\nline2\r\n",
		"end":    "\r\nEND\r\n",
		"header": "VALUE other 0 1\r\nx",
		"empty":  "",
	}
	for key, value := range values {
		require.NoError(t, c.Set(ctx, Item{Key: key, Value: []byte(value)}))
	}

	items, err := c.Get(ctx, "crlf", "end", "header", "empty")
	require.NoError(t, err)
	require.Len(t, items, len(values))
	for key, value := range values {
		assert.Equal(t, value, string(items[key].Value), key)
	}
}

func TestClientFragmentedReplies(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	value := strings.Repeat("0123456789", 5) + "\r\n"
	require.NoError(t, c.Set(ctx, Item{Key: "a", Value: []byte(value)}))
	require.NoError(t, c.Set(ctx, Item{Key: "b", Value: []byte("b")}))

	srv.SetChunkSize(1)

	items, err := c.Gets(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, value, string(items["a"].Value))
	assert.Equal(t, "b", string(items["b"].Value))

	n, err := c.Increment(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, n)

	version, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutils.Version, version)
}

func TestClientDelete(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "k", Value: []byte("v")}))
	require.NoError(t, c.Delete(ctx, "k"))

	err := c.Delete(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	var storeErr *protocol.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "delete k", storeErr.Sent)

	// Outcome errors keep the connection.
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 1, srv.Accepted())
	assert.Zero(t, c.Stats().Errors)
}

func TestClientArithmetic(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "n", Value: []byte("10")}))

	n, err := c.Increment(ctx, "n", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), n)

	n, err = c.Decrement(ctx, "n", 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "decr stops at 0")

	require.NoError(t, c.Set(ctx, Item{Key: "max", Value: []byte("18446744073709551615")}))
	n, err = c.Increment(ctx, "max", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "incr wraps around")

	_, err = c.Increment(ctx, "n", 0)
	assert.ErrorIs(t, err, ErrInvalidDelta)

	require.NoError(t, c.Set(ctx, Item{Key: "text", Value: []byte("abc")}))
	_, err = c.Increment(ctx, "text", 1)
	var replyErr *protocol.ClientOrServerError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ReplyClientError, replyErr.Code)
	assert.False(t, replyErr.IsServerError())
	assert.Equal(t, "cannot increment or decrement non-numeric value", replyErr.Message)
}

func TestClientTouchAndExpiry(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	now := time.Now()
	var mu sync.Mutex
	srv.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	require.NoError(t, c.Set(ctx, Item{Key: "k", Value: []byte("v"), TTL: 10 * time.Second}))
	require.NoError(t, c.Touch(ctx, "k", time.Minute))
	advance(30 * time.Second)

	items, err := c.GetAndTouch(ctx, 10*time.Second, "k")
	require.NoError(t, err)
	assert.Contains(t, items, "k")

	items, err = c.GetsAndTouch(ctx, 10*time.Second, "k")
	require.NoError(t, err)
	assert.NotZero(t, items["k"].CAS)

	advance(11 * time.Second)
	_, err = c.GetOne(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.ErrorIs(t, c.Touch(ctx, "k", time.Minute), ErrNotFound)
}

func TestClientFlushAllVersionVerbosity(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "k", Value: []byte("v")}))
	require.NoError(t, c.FlushAll(ctx, 0))
	_, err := c.GetOne(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	version, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutils.Version, version)

	require.NoError(t, c.Verbosity(ctx, 1))

	assert.Equal(t, []string{
		"set k 0 0 1",
		"flush_all 0",
		"get k",
		"version",
		"verbosity 1",
	}, srv.Commands())
}

func TestClientValidation(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{LegacyFlags: true})
	ctx := context.Background()

	var keyErr *protocol.InvalidKeyError
	assert.ErrorAs(t, c.Set(ctx, Item{Key: "has space", Value: []byte("v")}), &keyErr)
	_, err := c.Get(ctx, "ok", strings.Repeat("k", 251))
	assert.ErrorAs(t, err, &keyErr)
	_, err = c.Get(ctx)
	assert.Error(t, err)
	assert.ErrorAs(t, c.Delete(ctx, ""), &keyErr)

	var flagsErr *protocol.InvalidFlagsError
	assert.ErrorAs(t, c.Set(ctx, Item{Key: "k", Value: []byte("v"), Flags: 1 << 16}), &flagsErr)
	require.NoError(t, c.Set(ctx, Item{Key: "k", Value: []byte("v"), Flags: 1<<16 - 1}))

	// Invalid commands never reach the server.
	assert.Equal(t, []string{"set k 65535 0 1"}, srv.Commands())
}

func TestClientFIFO(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.SetDelay(100 * time.Millisecond)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Set(ctx, Item{Key: fmt.Sprintf("key%d", i), Value: []byte("v")})
		}()
		// The next call is issued once this one reached the queue.
		waitPending(t, c, int64(i+1))
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	var want []string
	for i := range n {
		want = append(want, fmt.Sprintf("set key%d 0 0 1", i))
	}
	assert.Equal(t, want, srv.Commands())
}

func TestClientConcurrentCallers(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key%d", i)
			value := fmt.Sprintf("value-%d", i)
			assert.NoError(t, c.Set(ctx, Item{Key: key, Value: []byte(value)}))
			item, err := c.GetOne(ctx, key)
			if assert.NoError(t, err) {
				assert.Equal(t, value, string(item.Value))
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, uint64(20), stats.Stores)
	assert.Equal(t, uint64(20), stats.Retrievals)
	assert.Equal(t, uint64(20), stats.Hits)
	assert.Zero(t, stats.Pending)
}

func TestClientContextCanceled(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})

	require.NoError(t, c.Set(context.Background(), Item{Key: "k", Value: []byte("v")}))
	srv.SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.GetOne(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned reply is read and dropped: the next reply goes to the
	// next command.
	version, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutils.Version, version)
}

func TestClientDestroyed(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "k", Value: []byte("v")}))
	sent := srv.Commands()

	require.NoError(t, c.Close())
	assert.True(t, c.Destroyed())
	assert.Equal(t, StateDestroyed, c.State())

	assert.ErrorIs(t, c.Set(ctx, Item{Key: "k", Value: []byte("v")}), ErrClientDestroyed)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClientDestroyed)
	assert.ErrorIs(t, c.Delete(ctx, "k"), ErrClientDestroyed)
	_, err = c.Increment(ctx, "k", 1)
	assert.ErrorIs(t, err, ErrClientDestroyed)
	assert.ErrorIs(t, c.Touch(ctx, "k", time.Second), ErrClientDestroyed)
	assert.ErrorIs(t, c.FlushAll(ctx, 0), ErrClientDestroyed)
	_, err = c.Version(ctx)
	assert.ErrorIs(t, err, ErrClientDestroyed)
	assert.ErrorIs(t, c.Verbosity(ctx, 0), ErrClientDestroyed)
	assert.ErrorIs(t, c.CompareAndSwap(ctx, Item{Key: "k"}), ErrClientDestroyed)
	assert.ErrorIs(t, c.WaitReady(ctx), ErrClientDestroyed)

	// Closing twice is harmless.
	require.NoError(t, c.Close())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, srv.Commands(), "rejected commands must not reach the server")
	assert.Equal(t, 1, srv.Accepted())
}

func TestClientCloseInterruptsBlockedWrite(t *testing.T) {
	release := make(chan struct{})
	addr := testutils.Listen(t, func(conn net.Conn) {
		<-release // never reads
	})
	t.Cleanup(func() { close(release) })

	c := newTestClient(t, addr, Config{RetryDelay: time.Hour})

	errs := make(chan error, 1)
	go func() {
		errs <- c.Set(context.Background(), Item{Key: "big", Value: make([]byte, 64<<20)})
	}()
	waitPending(t, c, 1)
	time.Sleep(50 * time.Millisecond) // socket buffers fill up

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on a write the server never reads")
	}

	assert.ErrorIs(t, <-errs, ErrClientDestroyed)
	assert.Equal(t, StateDestroyed, c.State())
}

func TestClientWriteDeadline(t *testing.T) {
	release := make(chan struct{})
	addr := testutils.Listen(t, func(conn net.Conn) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	events := &eventRecorder{}
	c := newTestClient(t, addr, Config{
		IdleTimeout: 200 * time.Millisecond,
		RetryDelay:  10 * time.Millisecond,
		OnEvent:     events.record,
	})

	err := c.Set(context.Background(), Item{Key: "big", Value: make([]byte, 64<<20)})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "write", connErr.Op)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	timeout := events.wait(t, EventTimeout)
	assert.ErrorIs(t, timeout.Err, os.ErrDeadlineExceeded)
}

func TestClientEndFlush(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.SetDelay(50 * time.Millisecond)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	const n = 3
	errs := make(chan error, n)
	for i := range n {
		go func() {
			errs <- c.Set(ctx, Item{Key: fmt.Sprintf("key%d", i), Value: []byte("v")})
		}()
	}
	waitPending(t, c, n)

	require.NoError(t, c.End(ctx, true))
	for range n {
		assert.NoError(t, <-errs)
	}
	assert.True(t, c.Destroyed())
	assert.Len(t, srv.Commands(), n)
}

func TestClientEndWithoutFlush(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.SetDelay(100 * time.Millisecond)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	const n = 3
	errs := make(chan error, n)
	for i := range n {
		go func() {
			errs <- c.Set(ctx, Item{Key: fmt.Sprintf("key%d", i), Value: []byte("v")})
		}()
	}
	waitPending(t, c, n)

	require.NoError(t, c.End(ctx, false))
	for range n {
		assert.ErrorIs(t, <-errs, ErrClientDestroyed)
	}
	assert.Zero(t, c.Stats().Pending)
}

func TestClientEndFlushTimeout(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.SetDelay(200 * time.Millisecond)
	c := newTestClient(t, srv.Addr(), Config{})

	errs := make(chan error, 1)
	go func() {
		errs <- c.Set(context.Background(), Item{Key: "k", Value: []byte("v")})
	}()
	waitPending(t, c, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.End(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.Destroyed())
	assert.True(t, errors.Is(<-errs, ErrClientDestroyed))
}
