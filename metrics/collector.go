// Package metrics exports client and pool statistics to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/mctext"
)

// ClientSource is implemented by *mctext.Client.
type ClientSource interface {
	Addr() string
	State() mctext.State
	Stats() mctext.ClientStats
}

// PoolSource is implemented by *mctext.ClientPool.
type PoolSource interface {
	Addr() string
	Stats() mctext.PoolStats
	CircuitBreakerState() mctext.CircuitBreakerState
}

// Collector is a prometheus.Collector reading statistics at scrape time.
// Clients and pools are identified by the "server" label, so register at
// most one client and one pool per server: duplicates fail the scrape.
type Collector struct {
	mu      sync.RWMutex
	clients []ClientSource
	pools   []PoolSource

	commands        *prometheus.Desc
	hits            *prometheus.Desc
	misses          *prometheus.Desc
	errors          *prometheus.Desc
	reconnects      *prometheus.Desc
	connectFailures *prometheus.Desc
	pending         *prometheus.Desc
	state           *prometheus.Desc
	latency         *prometheus.Desc

	poolConns        *prometheus.Desc
	poolAcquires     *prometheus.Desc
	poolAcquireWaits *prometheus.Desc
	poolWaitSeconds  *prometheus.Desc
	poolCreated      *prometheus.Desc
	poolDestroyed    *prometheus.Desc
	poolErrors       *prometheus.Desc
	circuitState     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector with metric names prefixed by namespace,
// "memcache" if empty.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "memcache"
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append([]string{"server"}, labels...), nil)
	}

	return &Collector{
		commands:        desc("commands_total", "Commands settled, by family", "family"),
		hits:            desc("hits_total", "Keys found by retrieval commands"),
		misses:          desc("misses_total", "Keys absent from retrieval replies"),
		errors:          desc("errors_total", "Failed commands, outcome errors excluded"),
		reconnects:      desc("reconnects_total", "Reconnection attempts started"),
		connectFailures: desc("connect_failures_total", "Failed connection attempts"),
		pending:         desc("pending_commands", "Commands queued or in flight"),
		state:           desc("connection_state", "Connection state (0=connecting, 1=ready, 2=closed, 3=destroyed)"),
		latency:         desc("command_latency_seconds", "Command latency from enqueue to settlement", "quantile"),

		poolConns:        desc("pool_clients", "Pooled clients, by state", "state"),
		poolAcquires:     desc("pool_acquires_total", "Acquire attempts"),
		poolAcquireWaits: desc("pool_acquire_waits_total", "Acquires that had to wait"),
		poolWaitSeconds:  desc("pool_acquire_wait_seconds_total", "Total time spent waiting to acquire"),
		poolCreated:      desc("pool_clients_created_total", "Clients created"),
		poolDestroyed:    desc("pool_clients_destroyed_total", "Clients destroyed"),
		poolErrors:       desc("pool_acquire_errors_total", "Failed acquire attempts"),
		circuitState:     desc("circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open)"),
	}
}

// AddClient registers a client to collect.
func (c *Collector) AddClient(src ClientSource) {
	c.mu.Lock()
	c.clients = append(c.clients, src)
	c.mu.Unlock()
}

// AddPool registers a pool to collect.
func (c *Collector) AddPool(src PoolSource) {
	c.mu.Lock()
	c.pools = append(c.pools, src)
	c.mu.Unlock()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.commands, c.hits, c.misses, c.errors, c.reconnects, c.connectFailures, c.pending, c.state, c.latency,
		c.poolConns, c.poolAcquires, c.poolAcquireWaits, c.poolWaitSeconds, c.poolCreated, c.poolDestroyed, c.poolErrors, c.circuitState,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	clients := append([]ClientSource(nil), c.clients...)
	pools := append([]PoolSource(nil), c.pools...)
	c.mu.RUnlock()

	for _, src := range clients {
		c.collectClient(ch, src)
	}
	for _, src := range pools {
		c.collectPool(ch, src)
	}
}

func (c *Collector) collectClient(ch chan<- prometheus.Metric, src ClientSource) {
	addr := src.Addr()
	s := src.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{addr}, labels...)...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{addr}, labels...)...)
	}

	counter(c.commands, s.Retrievals, "retrieval")
	counter(c.commands, s.Stores, "storage")
	counter(c.commands, s.Deletes, "delete")
	counter(c.commands, s.Arithmetic, "arithmetic")
	counter(c.commands, s.Touches, "touch")
	counter(c.commands, s.Flushes, "flush")
	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.errors, s.Errors)
	counter(c.reconnects, s.Reconnects)
	counter(c.connectFailures, s.ConnectFailures)
	gauge(c.pending, float64(s.Pending))
	gauge(c.state, float64(src.State()))
	gauge(c.latency, s.LatencyP50.Seconds(), "0.5")
	gauge(c.latency, s.LatencyP99.Seconds(), "0.99")
	gauge(c.latency, s.LatencyMax.Seconds(), "1")
}

func (c *Collector) collectPool(ch chan<- prometheus.Metric, src PoolSource) {
	addr := src.Addr()
	s := src.Stats()

	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, addr)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{addr}, labels...)...)
	}

	gauge(c.poolConns, float64(s.TotalConns), "total")
	gauge(c.poolConns, float64(s.IdleConns), "idle")
	gauge(c.poolConns, float64(s.ActiveConns), "active")
	counter(c.poolAcquires, float64(s.AcquireCount))
	counter(c.poolAcquireWaits, float64(s.AcquireWaitCount))
	counter(c.poolWaitSeconds, float64(s.AcquireWaitTimeNs)/1e9)
	counter(c.poolCreated, float64(s.CreatedConns))
	counter(c.poolDestroyed, float64(s.DestroyedConns))
	counter(c.poolErrors, float64(s.AcquireErrors))
	gauge(c.circuitState, float64(src.CircuitBreakerState()))
}
