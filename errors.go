package mctext

import (
	"errors"
	"fmt"

	"github.com/pior/mctext/protocol"
)

var (
	// ErrClientDestroyed is returned by every operation once End or Close
	// was called, and by commands still queued at that moment.
	ErrClientDestroyed = errors.New("mctext: client is destroyed")

	// ErrMaxRetries is raised when the configured number of consecutive
	// connection attempts failed. The client is destroyed afterwards.
	ErrMaxRetries = errors.New("mctext: max retries reached")

	// ErrInvalidAddress is returned by NewClient for an address that is not
	// host:port.
	ErrInvalidAddress = errors.New("mctext: invalid server address")

	// ErrInvalidDelta is returned by Increment and Decrement for a zero delta.
	ErrInvalidDelta = errors.New("mctext: delta must be positive")

	// ErrMissingCAS is returned by CompareAndSwap for an item without a CAS
	// token.
	ErrMissingCAS = errors.New("mctext: compare-and-swap requires a CAS token")

	// ErrCacheMiss is returned by single-key lookups when the key is absent.
	ErrCacheMiss = errors.New("mctext: cache miss")

	// ErrFlagsMismatch is returned by Typed for an item stored with flags
	// other than the ones of its codec.
	ErrFlagsMismatch = errors.New("mctext: item flags do not match codec")

	// ErrIdleTimeout is the cause carried by a connection closed for
	// inactivity.
	ErrIdleTimeout = errors.New("mctext: idle timeout")

	// ErrProtocolDesync is the cause carried by a connection closed because
	// a reply could not be attributed to the in-flight command.
	ErrProtocolDesync = errors.New("mctext: protocol desync")
)

// Outcome errors re-exported from the protocol package.
var (
	ErrExists    = protocol.ErrExists
	ErrNotStored = protocol.ErrNotStored
	ErrNotFound  = protocol.ErrNotFound
)

// ConnectionError fails the in-flight command when its connection is lost
// before the reply arrived. The command is not resent.
//
// Connection handling: the connection is already gone and the client
// reconnects.
type ConnectionError struct {
	Op  string // Operation that failed: dial, read, write, parse
	Err error  // Underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mctext: connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}
