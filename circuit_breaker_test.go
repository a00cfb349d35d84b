package mctext

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/mctext/internal/testutils"
)

func TestNewCircuitBreakerConfig(t *testing.T) {
	cb := NewCircuitBreakerConfig(1, time.Minute, time.Minute)("localhost:11211")
	require.NotNil(t, cb)
	assert.Equal(t, CircuitBreakerClosed, cb.State())

	failure := errors.New("dial failed")
	for range 2 {
		_, err := cb.Execute(func() (*Client, error) { return nil, failure })
		assert.ErrorIs(t, err, failure)
	}
	assert.Equal(t, CircuitBreakerClosed, cb.State(), "fewer than 3 requests never trip")

	_, err := cb.Execute(func() (*Client, error) { return nil, failure })
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, CircuitBreakerOpen, cb.State())

	called := false
	_, err = cb.Execute(func() (*Client, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
}

func TestCircuitBreakerRatio(t *testing.T) {
	cb := NewCircuitBreakerConfig(1, time.Minute, time.Minute)("localhost:11211")
	failure := errors.New("dial failed")

	for _, fail := range []bool{false, false, true, true} {
		_, _ = cb.Execute(func() (*Client, error) {
			if fail {
				return nil, failure
			}
			return nil, nil
		})
	}
	assert.Equal(t, CircuitBreakerClosed, cb.State(), "half of the creations failed")

	_, _ = cb.Execute(func() (*Client, error) { return nil, failure })
	assert.Equal(t, CircuitBreakerOpen, cb.State(), "three creations out of five failed")
}

func TestClientPoolCircuitBreaker(t *testing.T) {
	p := newTestPool(t, testutils.ClosedAddr(t), PoolConfig{
		Client:            Config{MaxRetries: 1},
		NewCircuitBreaker: NewCircuitBreakerConfig(1, time.Minute, time.Minute),
	})
	ctx := context.Background()

	assert.Equal(t, CircuitBreakerClosed, p.CircuitBreakerState())
	for range 3 {
		_, err := p.Acquire(ctx)
		assert.ErrorIs(t, err, ErrMaxRetries)
	}
	assert.Equal(t, CircuitBreakerOpen, p.CircuitBreakerState())

	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestClientPoolWithoutCircuitBreaker(t *testing.T) {
	srv := testutils.NewServer(t)
	p := newTestPool(t, srv.Addr(), PoolConfig{})
	assert.Equal(t, CircuitBreakerClosed, p.CircuitBreakerState())
}
