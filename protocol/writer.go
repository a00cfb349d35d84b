package protocol

import (
	"bytes"
	"strconv"
)

// Command is one encoded request: the command line, and for storage
// commands the payload, each followed by CRLF. Wire is written to the socket
// in a single call so a command's bytes never interleave with another's.
type Command struct {
	Name string
	buf  *bytes.Buffer
}

// Wire returns the bytes to write.
func (c *Command) Wire() []byte {
	return c.buf.Bytes()
}

// Line returns the command line without payload or terminator. It is used in
// error values and debug traces.
func (c *Command) Line() string {
	b := c.buf.Bytes()
	if i := bytes.Index(b, []byte(CRLF)); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Release returns the buffer to the pool. The Command must not be used
// afterwards.
func (c *Command) Release() {
	if c.buf != nil {
		putBuffer(c.buf)
		c.buf = nil
	}
}

func newCommand(name string) *Command {
	buf := getBuffer()
	buf.WriteString(name)
	return &Command{Name: name, buf: buf}
}

func (c *Command) token(s string) *Command {
	c.buf.WriteByte(' ')
	c.buf.WriteString(s)
	return c
}

func (c *Command) uint(v uint64) *Command {
	c.buf.WriteByte(' ')
	c.buf.Write(strconv.AppendUint(c.buf.AvailableBuffer(), v, 10))
	return c
}

func (c *Command) int(v int64) *Command {
	c.buf.WriteByte(' ')
	c.buf.Write(strconv.AppendInt(c.buf.AvailableBuffer(), v, 10))
	return c
}

func (c *Command) end() *Command {
	c.buf.WriteString(CRLF)
	return c
}

// NewStorageCommand encodes set, add, replace, append, prepend and cas:
//
//	<cmd> <key> <flags> <exptime> <bytes> [<cas>]\r\n<data>\r\n
//
// The cas field is written only for the cas command.
func NewStorageCommand(name, key string, flags uint32, exptime int64, value []byte, cas uint64) *Command {
	c := newCommand(name).
		token(key).
		uint(uint64(flags)).
		int(exptime).
		uint(uint64(len(value)))
	if name == CmdCAS {
		c.uint(cas)
	}
	c.end()
	c.buf.Write(value)
	return c.end()
}

// NewRetrievalCommand encodes get and gets: <cmd> <key>*\r\n
func NewRetrievalCommand(name string, keys []string) *Command {
	c := newCommand(name)
	for _, key := range keys {
		c.token(key)
	}
	return c.end()
}

// NewGetAndTouchCommand encodes gat and gats: <cmd> <exptime> <key>*\r\n
func NewGetAndTouchCommand(name string, exptime int64, keys []string) *Command {
	c := newCommand(name).int(exptime)
	for _, key := range keys {
		c.token(key)
	}
	return c.end()
}

// NewDeleteCommand encodes: delete <key>\r\n
func NewDeleteCommand(key string) *Command {
	return newCommand(CmdDelete).token(key).end()
}

// NewArithmeticCommand encodes: incr|decr <key> <delta>\r\n
func NewArithmeticCommand(name, key string, delta uint64) *Command {
	return newCommand(name).token(key).uint(delta).end()
}

// NewTouchCommand encodes: touch <key> <exptime>\r\n
func NewTouchCommand(key string, exptime int64) *Command {
	return newCommand(CmdTouch).token(key).int(exptime).end()
}

// NewFlushAllCommand encodes: flush_all <delay>\r\n
func NewFlushAllCommand(delay int64) *Command {
	return newCommand(CmdFlushAll).int(delay).end()
}

// NewVersionCommand encodes: version\r\n
func NewVersionCommand() *Command {
	return newCommand(CmdVersion).end()
}

// NewVerbosityCommand encodes: verbosity <level>\r\n
func NewVerbosityCommand(level uint32) *Command {
	return newCommand(CmdVerbosity).uint(uint64(level)).end()
}
