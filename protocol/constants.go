package protocol

// CRLF terminates every line and every data block on the wire.
const CRLF = "\r\n"

const (
	// MaxKeyLength is the longest key accepted by memcached.
	MaxKeyLength = 250

	// MaxRelativeExpiration is the largest expiration, in seconds, that
	// memcached interprets as relative to now. Larger values are unix
	// timestamps.
	MaxRelativeExpiration = 60 * 60 * 24 * 30

	// MaxFlags is the flags ceiling of current servers (24 bits).
	MaxFlags = 0xFFFFFF

	// MaxLegacyFlags is the flags ceiling of older servers (16 bits).
	MaxLegacyFlags = 0xFFFF
)

// Command names as written on the wire.
const (
	CmdSet       = "set"
	CmdAdd       = "add"
	CmdReplace   = "replace"
	CmdCAS       = "cas"
	CmdAppend    = "append"
	CmdPrepend   = "prepend"
	CmdGet       = "get"
	CmdGets      = "gets"
	CmdGat       = "gat"
	CmdGats      = "gats"
	CmdDelete    = "delete"
	CmdIncr      = "incr"
	CmdDecr      = "decr"
	CmdTouch     = "touch"
	CmdFlushAll  = "flush_all"
	CmdVersion   = "version"
	CmdVerbosity = "verbosity"
)

// Reply tokens. Each is the leading token of a reply line.
const (
	ReplyValue       = "VALUE"
	ReplyEnd         = "END"
	ReplyStored      = "STORED"
	ReplyNotStored   = "NOT_STORED"
	ReplyExists      = "EXISTS"
	ReplyNotFound    = "NOT_FOUND"
	ReplyDeleted     = "DELETED"
	ReplyTouched     = "TOUCHED"
	ReplyOK          = "OK"
	ReplyError       = "ERROR"
	ReplyClientError = "CLIENT_ERROR"
	ReplyServerError = "SERVER_ERROR"
	ReplyVersion     = "VERSION"
)

// IsRetrieval reports whether cmd answers with value blocks terminated by END.
func IsRetrieval(cmd string) bool {
	switch cmd {
	case CmdGet, CmdGets, CmdGat, CmdGats:
		return true
	}
	return false
}

// IsArithmetic reports whether cmd answers with a bare number.
func IsArithmetic(cmd string) bool {
	return cmd == CmdIncr || cmd == CmdDecr
}
