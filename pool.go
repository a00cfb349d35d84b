package mctext

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("mctext: pool closed")

// Resource is a client checked out of a Pool.
type Resource interface {
	Value() *Client
	// Release returns the client to the pool.
	Release()
	// ReleaseUnused returns the client without updating its last use time.
	ReleaseUnused()
	// Destroy removes the client from the pool and closes it.
	Destroy()
	CreationTime() time.Time
	IdleDuration() time.Duration
}

// Pool is a bounded set of clients to the same server. NewPuddlePool and
// NewChannelPool are the provided implementations.
type Pool interface {
	Acquire(ctx context.Context) (Resource, error)
	AcquireAllIdle() []Resource
	Close()
	Stats() PoolStats
}

// PoolCallbacks is what a Pool needs to manage clients.
type PoolCallbacks struct {
	// Create returns a new client, ready to use.
	Create func(ctx context.Context) (*Client, error)
	// Validate reports whether an idle client can be handed out.
	Validate func(c *Client) bool
	// Destroy disposes of a client leaving the pool.
	Destroy func(c *Client)
}

// DefaultPoolCallbacks creates clients to addr with cfg and waits for their
// connection before handing them to the pool. Destroyed clients fail
// validation.
func DefaultPoolCallbacks(addr string, cfg Config) PoolCallbacks {
	return PoolCallbacks{
		Create: func(ctx context.Context) (*Client, error) {
			c, err := NewClient(addr, cfg)
			if err != nil {
				return nil, err
			}
			if err := c.WaitReady(ctx); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
		Validate: func(c *Client) bool {
			return !c.Destroyed()
		},
		Destroy: func(c *Client) {
			_ = c.Close()
		},
	}
}

// PoolConfig holds configuration for a ClientPool.
type PoolConfig struct {
	// Client is the configuration of every client of the pool.
	Client Config

	// MaxSize is the maximum number of clients in the pool.
	// Zero means 10.
	MaxSize int32

	// MaxConnLifetime is the maximum duration a client can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a client can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle clients are checked with a
	// version command. Zero disables health checks.
	HealthCheckInterval time.Duration

	// Pool is the pool factory function.
	// If nil, uses NewChannelPool.
	Pool func(callbacks PoolCallbacks, maxSize int32) (Pool, error)

	// Callbacks overrides DefaultPoolCallbacks. Nil fields keep the default.
	Callbacks PoolCallbacks

	// NewCircuitBreaker creates a circuit breaker guarding client creation.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) CircuitBreaker
}

// ClientPool hands out exclusive clients to the same server.
type ClientPool struct {
	addr      string
	cfg       PoolConfig
	callbacks PoolCallbacks
	pool      Pool
	breaker   CircuitBreaker // nil if not configured

	stopHealthCheck chan struct{}
	closeOnce       sync.Once
}

// NewClientPool creates a pool of clients to addr. No client is created
// until the first Acquire.
func NewClientPool(addr string, cfg PoolConfig) (*ClientPool, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}

	callbacks := DefaultPoolCallbacks(addr, cfg.Client)
	if cfg.Callbacks.Create != nil {
		callbacks.Create = cfg.Callbacks.Create
	}
	if cfg.Callbacks.Validate != nil {
		callbacks.Validate = cfg.Callbacks.Validate
	}
	if cfg.Callbacks.Destroy != nil {
		callbacks.Destroy = cfg.Callbacks.Destroy
	}

	p := &ClientPool{
		addr:            addr,
		cfg:             cfg,
		stopHealthCheck: make(chan struct{}),
	}

	if cfg.NewCircuitBreaker != nil {
		p.breaker = cfg.NewCircuitBreaker(addr)
		create := callbacks.Create
		callbacks.Create = func(ctx context.Context) (*Client, error) {
			return p.breaker.Execute(func() (*Client, error) {
				return create(ctx)
			})
		}
	}
	p.callbacks = callbacks

	factory := cfg.Pool
	if factory == nil {
		factory = NewChannelPool
	}
	pool, err := factory(callbacks, cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("mctext: creating pool: %w", err)
	}
	p.pool = pool

	if cfg.HealthCheckInterval > 0 {
		go p.healthCheckLoop()
	}

	return p, nil
}

// Acquire returns a valid client. Clients failing validation are destroyed
// and replaced. The caller must Release or Destroy the resource.
func (p *ClientPool) Acquire(ctx context.Context) (Resource, error) {
	for {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if p.callbacks.Validate(res.Value()) {
			return res, nil
		}
		res.Destroy()
	}
}

// With runs fn with an exclusive client. The client goes back to the pool
// unless fn failed with an error that leaves it unusable.
func (p *ClientPool) With(ctx context.Context, fn func(c *Client) error) error {
	res, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(res.Value())
	if err != nil && shouldDiscard(res.Value(), err) {
		res.Destroy()
		return err
	}
	res.Release()
	return err
}

func shouldDiscard(c *Client, err error) bool {
	return c.Destroyed() || errors.Is(err, ErrClientDestroyed)
}

// Get runs Client.Get on a pooled client.
func (p *ClientPool) Get(ctx context.Context, keys ...string) (items map[string]Item, err error) {
	err = p.With(ctx, func(c *Client) error {
		items, err = c.Get(ctx, keys...)
		return err
	})
	return items, err
}

// Set runs Client.Set on a pooled client.
func (p *ClientPool) Set(ctx context.Context, item Item) error {
	return p.With(ctx, func(c *Client) error {
		return c.Set(ctx, item)
	})
}

// Add runs Client.Add on a pooled client.
func (p *ClientPool) Add(ctx context.Context, item Item) error {
	return p.With(ctx, func(c *Client) error {
		return c.Add(ctx, item)
	})
}

// Replace runs Client.Replace on a pooled client.
func (p *ClientPool) Replace(ctx context.Context, item Item) error {
	return p.With(ctx, func(c *Client) error {
		return c.Replace(ctx, item)
	})
}

// Delete runs Client.Delete on a pooled client.
func (p *ClientPool) Delete(ctx context.Context, key string) error {
	return p.With(ctx, func(c *Client) error {
		return c.Delete(ctx, key)
	})
}

// Addr returns the server address.
func (p *ClientPool) Addr() string {
	return p.addr
}

// Stats returns a snapshot of pool statistics.
func (p *ClientPool) Stats() PoolStats {
	return p.pool.Stats()
}

// CircuitBreakerState returns the state of the circuit breaker, or
// CircuitBreakerClosed when none is configured.
func (p *ClientPool) CircuitBreakerState() CircuitBreakerState {
	if p.breaker == nil {
		return CircuitBreakerClosed
	}
	return p.breaker.State()
}

// Close stops health checks and destroys idle clients. Clients still in use
// are destroyed when released.
func (p *ClientPool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopHealthCheck)
		p.pool.Close()
	})
}

// healthCheckLoop periodically checks idle clients for health and lifecycle limits.
func (p *ClientPool) healthCheckLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealthCheck:
			return
		case <-ticker.C:
			p.checkIdle()
		}
	}
}

// checkIdle destroys idle clients that are stale, destroyed or unhealthy.
func (p *ClientPool) checkIdle() {
	now := time.Now()

	for _, res := range p.pool.AcquireAllIdle() {
		if p.cfg.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > p.cfg.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if p.cfg.MaxConnIdleTime > 0 && res.IdleDuration() > p.cfg.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		if !p.callbacks.Validate(res.Value()) || p.healthCheck(res.Value()) != nil {
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// healthCheck sends a version command. A client that is reconnecting fails
// it only if the reconnection takes longer than the check interval.
func (p *ClientPool) healthCheck(c *Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckInterval)
	defer cancel()

	_, err := c.Version(ctx)
	return err
}
