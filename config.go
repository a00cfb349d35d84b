package mctext

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pior/mctext/protocol"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 3 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadBufferSize = 16 << 10
)

// Config holds the configuration of a single-connection client.
// The zero value is usable.
type Config struct {
	// MaxRetries is the number of consecutive failed connection attempts
	// after which the client gives up with ErrMaxRetries.
	// Zero means DefaultMaxRetries. Negative retries forever.
	MaxRetries int

	// RetryDelay is the wait between a failure and the next attempt.
	// Zero means DefaultRetryDelay.
	RetryDelay time.Duration

	// ConnectTimeout bounds a single connection attempt.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// IdleTimeout closes the connection when nothing was read for that long,
	// or when a single write takes longer. The close counts like an error
	// close. Zero disables it.
	IdleTimeout time.Duration

	// Dialer carries raw socket options (KeepAlive, LocalAddr, Control).
	// If nil, a zero net.Dialer is used. Its Timeout is ignored in favor of
	// ConnectTimeout.
	Dialer *net.Dialer

	// DialContext replaces Dialer.DialContext, mostly for tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Network passed to the dialer. Zero means "tcp".
	Network string

	// NoDelay sets TCP_NODELAY on the socket when not nil. Go enables it by
	// default.
	NoDelay *bool

	// LegacyFlags caps item flags at 16 bits for older servers instead of
	// 24 bits. It is never negotiated with the server.
	LegacyFlags bool

	// MaxValueSize is the largest value accepted in a retrieval reply. A
	// larger VALUE header is treated as a corrupted stream and closes the
	// connection. Zero means protocol.DefaultMaxBlockSize, the default item
	// size limit of memcached.
	MaxValueSize int

	// ReadBufferSize is the size of a single socket read.
	// Zero means DefaultReadBufferSize.
	ReadBufferSize int

	// Debug traces every write and every parsed reply to Logger (Debug
	// level) and as EventDebug notifications.
	Debug bool

	// Logger receives lifecycle logs. Nil disables logging.
	Logger Logger

	// OnEvent receives lifecycle notifications. It is called from the
	// connection goroutine and must not block.
	OnEvent func(Event)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.DialContext == nil {
		c.DialContext = c.Dialer.DialContext
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = protocol.DefaultMaxBlockSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	return c
}

// ValidateAddress checks that addr is host:port with a non-empty host and a
// numeric port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidAddress, addr, err)
	}
	if host == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalidAddress, addr)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("%w %q: invalid port", ErrInvalidAddress, addr)
	}
	return nil
}
