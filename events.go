package mctext

// EventType identifies a connection-level notification.
type EventType uint8

const (
	// EventConnect is emitted when the first connection attempt starts.
	EventConnect EventType = iota + 1
	// EventReady is emitted when a connection is established.
	EventReady
	// EventReconnect is emitted when a reconnection attempt starts.
	EventReconnect
	// EventClosed is emitted when a connection or attempt ends. Err is nil
	// for a graceful close by the server.
	EventClosed
	// EventTimeout is emitted when the idle timeout closes a connection.
	EventTimeout
	// EventConnectTimeout is emitted when an attempt exceeds ConnectTimeout.
	EventConnectTimeout
	// EventFatal is emitted once, when the client gives up (ErrMaxRetries).
	EventFatal
	// EventDebug carries a trace message when Config.Debug is set.
	EventDebug
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventReady:
		return "ready"
	case EventReconnect:
		return "reconnect"
	case EventClosed:
		return "closed"
	case EventTimeout:
		return "timeout"
	case EventConnectTimeout:
		return "connect_timeout"
	case EventFatal:
		return "fatal"
	case EventDebug:
		return "debug"
	}
	return "unknown"
}

// Event is an out-of-band notification about the connection lifecycle.
type Event struct {
	Type    EventType
	Addr    string
	Attempt int    // consecutive failed attempts so far
	Err     error  // EventClosed, EventFatal
	Message string // EventDebug
}
