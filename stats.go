package mctext

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/pior/mctext/protocol"
)

// maxTrackedLatency bounds the latency histogram. Slower commands are
// recorded at the bound.
const maxTrackedLatency = time.Minute

// PoolStats contains statistics about a client pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
//   - Histogram: AcquireWaitDuration (use AcquireWaitCount and AcquireWaitTimeNs to calculate)
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total clients created
	DestroyedConns    uint64 // Total clients destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Clients in pool (active + idle)
	IdleConns   int32 // Idle clients available
	ActiveConns int32 // Clients currently in use
}

// ClientStats contains statistics about a single client.
//
// Counters are per command family. Hits and Misses count keys, not
// commands. Outcome errors such as NOT_FOUND or EXISTS are not counted in
// Errors.
type ClientStats struct {
	Retrievals      uint64 // get, gets, gat, gats
	Hits            uint64 // keys found by retrievals
	Misses          uint64 // keys absent from retrieval replies
	Stores          uint64 // set, add, replace, cas, append, prepend
	Deletes         uint64
	Arithmetic      uint64 // incr, decr
	Touches         uint64
	Flushes         uint64
	Errors          uint64 // failed commands, connection errors included
	Reconnects      uint64 // reconnection attempts started
	ConnectFailures uint64 // failed connection attempts
	Pending         int64  // commands queued or in flight

	LatencyP50 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration
}

// poolStatsCollector provides internal methods for updating pool stats.
// Not exported - pools update their own stats.
type poolStatsCollector struct {
	stats PoolStats
}

func (c *poolStatsCollector) recordAcquire() {
	atomic.AddUint64(&c.stats.AcquireCount, 1)
}

func (c *poolStatsCollector) recordAcquireWait(d time.Duration) {
	atomic.AddUint64(&c.stats.AcquireWaitCount, 1)
	atomic.AddUint64(&c.stats.AcquireWaitTimeNs, uint64(d.Nanoseconds()))
}

func (c *poolStatsCollector) recordCreate() {
	atomic.AddUint64(&c.stats.CreatedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, 1)
}

func (c *poolStatsCollector) recordDestroy() {
	atomic.AddUint64(&c.stats.DestroyedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, -1)
}

func (c *poolStatsCollector) recordAcquireError() {
	atomic.AddUint64(&c.stats.AcquireErrors, 1)
}

func (c *poolStatsCollector) recordAcquireFromIdle() {
	atomic.AddInt32(&c.stats.IdleConns, -1)
	atomic.AddInt32(&c.stats.ActiveConns, 1)
}

func (c *poolStatsCollector) recordActivate() {
	atomic.AddInt32(&c.stats.ActiveConns, 1)
}

func (c *poolStatsCollector) recordRelease() {
	atomic.AddInt32(&c.stats.IdleConns, 1)
	atomic.AddInt32(&c.stats.ActiveConns, -1)
}

func (c *poolStatsCollector) recordDeactivate() {
	atomic.AddInt32(&c.stats.ActiveConns, -1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		TotalConns:        atomic.LoadInt32(&c.stats.TotalConns),
		IdleConns:         atomic.LoadInt32(&c.stats.IdleConns),
		ActiveConns:       atomic.LoadInt32(&c.stats.ActiveConns),
		AcquireCount:      atomic.LoadUint64(&c.stats.AcquireCount),
		AcquireWaitCount:  atomic.LoadUint64(&c.stats.AcquireWaitCount),
		CreatedConns:      atomic.LoadUint64(&c.stats.CreatedConns),
		DestroyedConns:    atomic.LoadUint64(&c.stats.DestroyedConns),
		AcquireErrors:     atomic.LoadUint64(&c.stats.AcquireErrors),
		AcquireWaitTimeNs: atomic.LoadUint64(&c.stats.AcquireWaitTimeNs),
	}
}

// clientStatsCollector is updated by the client goroutine and read from
// anywhere.
type clientStatsCollector struct {
	stats ClientStats

	mu      sync.Mutex
	latency *hdrhistogram.Histogram // microseconds
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{
		latency: hdrhistogram.New(1, maxTrackedLatency.Microseconds(), 3),
	}
}

func (c *clientStatsCollector) recordCommand(req *request, res result) {
	switch {
	case protocol.IsRetrieval(req.name):
		atomic.AddUint64(&c.stats.Retrievals, 1)
		if res.err == nil {
			hits := uint64(len(res.items))
			atomic.AddUint64(&c.stats.Hits, hits)
			if uint64(req.keys) > hits {
				atomic.AddUint64(&c.stats.Misses, uint64(req.keys)-hits)
			}
		}
	case protocol.IsArithmetic(req.name):
		atomic.AddUint64(&c.stats.Arithmetic, 1)
	}

	switch req.name {
	case protocol.CmdSet, protocol.CmdAdd, protocol.CmdReplace, protocol.CmdCAS, protocol.CmdAppend, protocol.CmdPrepend:
		atomic.AddUint64(&c.stats.Stores, 1)
	case protocol.CmdDelete:
		atomic.AddUint64(&c.stats.Deletes, 1)
	case protocol.CmdTouch:
		atomic.AddUint64(&c.stats.Touches, 1)
	case protocol.CmdFlushAll:
		atomic.AddUint64(&c.stats.Flushes, 1)
	}

	var storeErr *protocol.StoreError
	if res.err != nil && !errors.As(res.err, &storeErr) {
		atomic.AddUint64(&c.stats.Errors, 1)
	}

	if !req.enqueued.IsZero() {
		c.recordLatency(time.Since(req.enqueued))
	}
}

func (c *clientStatsCollector) recordLatency(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if limit := maxTrackedLatency.Microseconds(); us > limit {
		us = limit
	}

	c.mu.Lock()
	_ = c.latency.RecordValue(us)
	c.mu.Unlock()
}

func (c *clientStatsCollector) recordReconnect() {
	atomic.AddUint64(&c.stats.Reconnects, 1)
}

func (c *clientStatsCollector) recordConnectFailure() {
	atomic.AddUint64(&c.stats.ConnectFailures, 1)
}

func (c *clientStatsCollector) setPending(n int) {
	atomic.StoreInt64(&c.stats.Pending, int64(n))
}

func (c *clientStatsCollector) snapshot() ClientStats {
	s := ClientStats{
		Retrievals:      atomic.LoadUint64(&c.stats.Retrievals),
		Hits:            atomic.LoadUint64(&c.stats.Hits),
		Misses:          atomic.LoadUint64(&c.stats.Misses),
		Stores:          atomic.LoadUint64(&c.stats.Stores),
		Deletes:         atomic.LoadUint64(&c.stats.Deletes),
		Arithmetic:      atomic.LoadUint64(&c.stats.Arithmetic),
		Touches:         atomic.LoadUint64(&c.stats.Touches),
		Flushes:         atomic.LoadUint64(&c.stats.Flushes),
		Errors:          atomic.LoadUint64(&c.stats.Errors),
		Reconnects:      atomic.LoadUint64(&c.stats.Reconnects),
		ConnectFailures: atomic.LoadUint64(&c.stats.ConnectFailures),
		Pending:         atomic.LoadInt64(&c.stats.Pending),
	}

	c.mu.Lock()
	if c.latency.TotalCount() > 0 {
		s.LatencyP50 = time.Duration(c.latency.ValueAtQuantile(50)) * time.Microsecond
		s.LatencyP99 = time.Duration(c.latency.ValueAtQuantile(99)) * time.Microsecond
		s.LatencyMax = time.Duration(c.latency.Max()) * time.Microsecond
	}
	c.mu.Unlock()

	return s
}
