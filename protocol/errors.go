package protocol

import (
	"errors"
	"fmt"
)

// Error types for ASCII protocol outcomes.
//
// Outcome errors (StoreError, InvalidCommandError, ClientOrServerError,
// UnexpectedResponseError) reject a single command. The ASCII protocol stays
// in sync after them, so the connection is kept. ParseError means the reply
// stream can no longer be trusted and the connection must be closed.

// Sentinels matched by StoreError through errors.Is.
var (
	ErrExists    = errors.New("mctext: item exists")
	ErrNotStored = errors.New("mctext: item not stored")
	ErrNotFound  = errors.New("mctext: item not found")
)

// ErrIncomplete is returned by Decoder.Next when the buffered bytes do not
// hold a complete event yet.
var ErrIncomplete = errors.New("mctext: incomplete reply")

// StoreError is a semantic failure: EXISTS, NOT_STORED or NOT_FOUND.
type StoreError struct {
	Command string // command name, e.g. "cas"
	Sent    string // command line as written, without payload
	Code    string // reply token
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("mctext: %s: %s", e.Command, e.Code)
}

// Is makes errors.Is(err, ErrExists) and friends work.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrExists:
		return e.Code == ReplyExists
	case ErrNotStored:
		return e.Code == ReplyNotStored
	case ErrNotFound:
		return e.Code == ReplyNotFound
	}
	return false
}

// ShouldCloseConnection returns false - the protocol is still in sync
func (e *StoreError) ShouldCloseConnection() bool {
	return false
}

// InvalidCommandError is returned when the server answers ERROR, i.e. it did
// not recognize the command.
type InvalidCommandError struct {
	Command string
	Sent    string
	Code    string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("mctext: %s: invalid command", e.Command)
}

func (e *InvalidCommandError) ShouldCloseConnection() bool {
	return false
}

// ClientOrServerError represents a CLIENT_ERROR or SERVER_ERROR reply.
//
// Common causes:
//   - incr/decr on a non-numeric value (CLIENT_ERROR)
//   - bad data chunk (CLIENT_ERROR)
//   - out of memory storing object (SERVER_ERROR)
type ClientOrServerError struct {
	Command string
	Sent    string
	Code    string // CLIENT_ERROR or SERVER_ERROR
	Message string
}

func (e *ClientOrServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mctext: %s: %s", e.Command, e.Code)
	}
	return fmt.Sprintf("mctext: %s: %s %s", e.Command, e.Code, e.Message)
}

// IsServerError reports whether the server, not the request, failed.
func (e *ClientOrServerError) IsServerError() bool {
	return e.Code == ReplyServerError
}

func (e *ClientOrServerError) ShouldCloseConnection() bool {
	return false
}

// UnexpectedResponseError is a well-formed reply that makes no sense for the
// in-flight command, e.g. OK to a set.
type UnexpectedResponseError struct {
	Command string
	Sent    string
	Code    string
	Reply   string // full reply line
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("mctext: %s: unexpected response %q", e.Command, e.Reply)
}

func (e *UnexpectedResponseError) ShouldCloseConnection() bool {
	return false
}

// ParseError means the reply stream is malformed.
//
// Connection handling: CLOSE, the stream position is unknown
type ParseError struct {
	Message string
	Err     error // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "mctext: parse error: " + e.Message + ": " + e.Err.Error()
	}
	return "mctext: parse error: " + e.Message
}

// Unwrap returns the underlying error for error chain inspection
func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) ShouldCloseConnection() bool {
	return true
}

// InvalidKeyError is returned when a key fails validation. Nothing was sent.
type InvalidKeyError struct {
	Key     string
	Message string
}

func (e *InvalidKeyError) Error() string {
	return "mctext: invalid key: " + e.Message
}

// InvalidFlagsError is returned when flags exceed the configured ceiling.
// Nothing was sent.
type InvalidFlagsError struct {
	Flags   uint32
	Ceiling uint32
}

func (e *InvalidFlagsError) Error() string {
	return fmt.Sprintf("mctext: flags %d exceed maximum %d", e.Flags, e.Ceiling)
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection survives them.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Unknown errors are treated conservatively.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}
