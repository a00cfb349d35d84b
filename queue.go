package mctext

import (
	"time"

	"github.com/pior/mctext/protocol"
)

// result is the settlement of a request.
type result struct {
	items  map[string]Item // retrieval commands
	number uint64          // incr, decr
	text   string          // version
	err    error
}

// request is a command waiting in the queue or in flight.
type request struct {
	name     string
	line     string // command line as sent, for errors and traces
	cmd      *protocol.Command
	keys     int             // keys requested by a retrieval command
	items    map[string]Item // non-nil for retrieval commands
	result   chan result     // buffered: settling never blocks
	enqueued time.Time
}

func newRequest(cmd *protocol.Command) *request {
	req := &request{
		name:   cmd.Name,
		line:   cmd.Line(),
		cmd:    cmd,
		result: make(chan result, 1),
	}
	if protocol.IsRetrieval(cmd.Name) {
		req.items = make(map[string]Item)
	}
	return req
}

func (r *request) release() {
	if r.cmd != nil {
		r.cmd.Release()
		r.cmd = nil
	}
}

// settle delivers res to the caller. It must be called exactly once.
func (r *request) settle(res result) {
	r.release()
	r.result <- res
}

// commandQueue holds waiting requests in FIFO order and the single request
// in flight. A request moves from waiting to in flight in startNext and
// leaves in finish; there is no other path.
type commandQueue struct {
	waiting []*request
	current *request
}

func (q *commandQueue) push(r *request) {
	q.waiting = append(q.waiting, r)
}

// startNext moves the head of the queue in flight and returns it. It returns
// nil when a request is already in flight or nothing is waiting.
func (q *commandQueue) startNext() *request {
	if q.current != nil || len(q.waiting) == 0 {
		return nil
	}
	r := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]
	q.current = r
	return r
}

func (q *commandQueue) inFlight() *request {
	return q.current
}

// finish removes the in-flight request and returns it.
func (q *commandQueue) finish() *request {
	r := q.current
	q.current = nil
	return r
}

// len counts waiting and in-flight requests.
func (q *commandQueue) len() int {
	n := len(q.waiting)
	if q.current != nil {
		n++
	}
	return n
}

// drain empties the queue, in-flight request first, then in FIFO order.
func (q *commandQueue) drain() []*request {
	all := make([]*request, 0, q.len())
	if q.current != nil {
		all = append(all, q.current)
		q.current = nil
	}
	all = append(all, q.waiting...)
	q.waiting = nil
	return all
}
