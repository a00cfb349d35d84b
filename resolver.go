package mctext

import (
	"strconv"
	"strings"

	"github.com/pior/mctext/protocol"
)

// resolveLine maps a control line to the outcome of the in-flight request.
// Value blocks never reach it: they are collected by collectBlock and only
// END settles a retrieval.
func resolveLine(req *request, ev protocol.Event) result {
	if len(ev.Tokens) == 0 {
		return result{err: unexpected(req, "", ev.Line)}
	}

	code := ev.Tokens[0]
	switch code {
	case protocol.ReplyEnd:
		if req.items == nil {
			return result{err: unexpected(req, code, ev.Line)}
		}
		return result{items: req.items}

	case protocol.ReplyStored, protocol.ReplyTouched, protocol.ReplyDeleted:
		return result{}

	case protocol.ReplyExists, protocol.ReplyNotStored, protocol.ReplyNotFound:
		return result{err: &protocol.StoreError{Command: req.name, Sent: req.line, Code: code}}

	case protocol.ReplyOK:
		if req.name == protocol.CmdFlushAll || req.name == protocol.CmdVerbosity {
			return result{}
		}
		return result{err: unexpected(req, code, ev.Line)}

	case protocol.ReplyError:
		return result{err: &protocol.InvalidCommandError{Command: req.name, Sent: req.line, Code: code}}

	case protocol.ReplyClientError, protocol.ReplyServerError:
		msg := strings.TrimSpace(strings.TrimPrefix(ev.Line, code))
		return result{err: &protocol.ClientOrServerError{Command: req.name, Sent: req.line, Code: code, Message: msg}}

	case protocol.ReplyVersion:
		if req.name == protocol.CmdVersion && len(ev.Tokens) > 1 {
			return result{text: strings.Join(ev.Tokens[1:], " ")}
		}
		return result{err: unexpected(req, code, ev.Line)}
	}

	if protocol.IsArithmetic(req.name) {
		if n, err := strconv.ParseUint(code, 10, 64); err == nil {
			return result{number: n}
		}
	}
	return result{err: unexpected(req, code, ev.Line)}
}

// collectBlock stores a reassembled value on the in-flight retrieval. It
// reports false when the request does not expect values.
func collectBlock(req *request, b protocol.Block) bool {
	if req.items == nil {
		return false
	}
	req.items[b.Key] = itemFromBlock(b)
	return true
}

func unexpected(req *request, code, line string) error {
	return &protocol.UnexpectedResponseError{Command: req.name, Sent: req.line, Code: code, Reply: line}
}
