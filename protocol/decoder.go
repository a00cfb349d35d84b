package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxLineLength bounds a reply line. A longer run of bytes without CRLF can
// only come from a desynchronized stream.
const MaxLineLength = 8 << 10

// DefaultMaxBlockSize is the default item size limit of memcached.
const DefaultMaxBlockSize = 1 << 20

var crlfBytes = []byte(CRLF)

// EventKind identifies what the Decoder reassembled.
type EventKind uint8

const (
	// EventLine is a control line such as END, STORED or a number.
	EventLine EventKind = iota + 1
	// EventBlock is a value announced by a VALUE header, fully reassembled.
	EventBlock
)

func (k EventKind) String() string {
	switch k {
	case EventLine:
		return "line"
	case EventBlock:
		return "block"
	}
	return "unknown"
}

// Block is one retrieved item.
type Block struct {
	Key    string
	Flags  uint32
	Size   int
	CAS    uint64
	HasCAS bool
	Data   []byte
}

// Event is a unit of reply produced by the Decoder.
type Event struct {
	Kind   EventKind
	Line   string   // EventLine: the line without CRLF
	Tokens []string // EventLine: Line split on spaces
	Block  Block    // EventBlock
}

// Decoder turns an append-only byte stream into line and block events. It
// accepts input in arbitrary fragments: splitting a stream differently never
// changes the events produced.
//
// The length of a block always comes from the size announced in its VALUE
// header. Block data is never scanned for CRLF since values may contain it.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	// MaxBlockSize rejects VALUE headers announcing more bytes.
	// Zero means DefaultMaxBlockSize.
	MaxBlockSize int

	buf   []byte
	pos   int    // first unparsed byte in buf
	block *Block // non-nil while awaiting block data
}

// Feed appends p to the buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	d.compact()
	d.buf = append(d.buf, p...)
}

// Next returns the next complete event, or ErrIncomplete when more input is
// needed. A *ParseError means the stream is corrupted and the Decoder must be
// Reset along with the connection.
func (d *Decoder) Next() (Event, error) {
	if d.block != nil {
		return d.readBlock()
	}
	return d.readLine()
}

// Buffered returns the number of unparsed bytes held.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// InBlock reports whether the Decoder has read a VALUE header and is waiting
// for its data.
func (d *Decoder) InBlock() bool {
	return d.block != nil
}

// Reset drops all buffered bytes and any partial block.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.pos = 0
	d.block = nil
}

func (d *Decoder) readLine() (Event, error) {
	pending := d.buf[d.pos:]
	idx := bytes.Index(pending, crlfBytes)
	if idx < 0 {
		// one byte of slack for a CR whose LF has not arrived yet
		if len(pending) > MaxLineLength+1 {
			return Event{}, &ParseError{Message: "reply line exceeds maximum length"}
		}
		d.compact()
		return Event{}, ErrIncomplete
	}

	if idx > MaxLineLength {
		return Event{}, &ParseError{Message: "reply line exceeds maximum length"}
	}

	line := string(pending[:idx])
	d.pos += idx + len(crlfBytes)

	tokens := splitTokens(line)
	if len(tokens) > 0 && tokens[0] == ReplyValue {
		block, err := parseValueHeader(tokens, d.maxBlockSize())
		if err != nil {
			return Event{}, err
		}
		d.block = block
		return d.readBlock()
	}

	return Event{Kind: EventLine, Line: line, Tokens: tokens}, nil
}

func (d *Decoder) readBlock() (Event, error) {
	size := d.block.Size
	pending := d.buf[d.pos:]
	if len(pending)-size < len(crlfBytes) {
		d.compact()
		return Event{}, ErrIncomplete
	}

	if !bytes.Equal(pending[size:size+len(crlfBytes)], crlfBytes) {
		return Event{}, &ParseError{Message: "invalid data block terminator"}
	}

	block := *d.block
	block.Data = make([]byte, size)
	copy(block.Data, pending[:size])

	d.pos += size + len(crlfBytes)
	d.block = nil

	return Event{Kind: EventBlock, Block: block}, nil
}

func (d *Decoder) maxBlockSize() int {
	if d.MaxBlockSize > 0 {
		return d.MaxBlockSize
	}
	return DefaultMaxBlockSize
}

// splitTokens splits a reply line on spaces. Runs of spaces do not produce
// empty tokens; other whitespace is part of a token.
func splitTokens(line string) []string {
	tokens := strings.Split(line, " ")
	n := 0
	for _, tok := range tokens {
		if tok != "" {
			tokens[n] = tok
			n++
		}
	}
	return tokens[:n]
}

// compact moves unparsed bytes to the front of the buffer so parsed bytes
// are never retained.
func (d *Decoder) compact() {
	if d.pos == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.pos:])
	d.buf = d.buf[:n]
	d.pos = 0
}

// parseValueHeader parses VALUE <key> <flags> <bytes> [<cas>].
func parseValueHeader(tokens []string, maxSize int) (*Block, error) {
	if len(tokens) < 4 || len(tokens) > 5 {
		return nil, &ParseError{Message: "malformed VALUE header: " + strings.Join(tokens, " ")}
	}

	flags, err := strconv.ParseUint(tokens[2], 10, 32)
	if err != nil {
		return nil, &ParseError{Message: "invalid flags in VALUE header", Err: err}
	}

	size, err := strconv.Atoi(tokens[3])
	if err != nil {
		return nil, &ParseError{Message: "invalid size in VALUE header", Err: err}
	}
	if size < 0 {
		return nil, &ParseError{Message: "negative size in VALUE header"}
	}
	if size > maxSize {
		return nil, &ParseError{Message: fmt.Sprintf("VALUE size %d exceeds limit of %d bytes", size, maxSize)}
	}

	block := &Block{
		Key:   tokens[1],
		Flags: uint32(flags),
		Size:  size,
	}

	if len(tokens) == 5 {
		cas, err := strconv.ParseUint(tokens[4], 10, 64)
		if err != nil {
			return nil, &ParseError{Message: "invalid cas in VALUE header", Err: err}
		}
		block.CAS = cas
		block.HasCAS = true
	}

	return block, nil
}
