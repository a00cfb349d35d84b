// Package protocol implements the memcached ASCII protocol as used by a
// client: command encoding, key and flags validation, expiration
// normalization and an incremental reply decoder.
//
// Wire format of the supported commands:
//
//	<set|add|replace|append|prepend> <key> <flags> <exptime> <bytes>\r\n<data>\r\n
//	cas <key> <flags> <exptime> <bytes> <cas>\r\n<data>\r\n
//	<get|gets> <key>*\r\n
//	<gat|gats> <exptime> <key>*\r\n
//	delete <key>\r\n
//	<incr|decr> <key> <delta>\r\n
//	touch <key> <exptime>\r\n
//	flush_all <delay>\r\n
//
// Retrieval replies are zero or more value blocks followed by END:
//
//	VALUE <key> <flags> <bytes> [<cas>]\r\n<data>\r\n
//	END\r\n
//
// The protocol carries no request identifier: replies are matched to
// commands by order only.
package protocol
