package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pior/mctext"
	"github.com/pior/mctext/metrics"
)

type benchOperation struct {
	name  string
	setup func(ctx context.Context, p *mctext.ClientPool) error
	run   func(ctx context.Context, c *mctext.Client, worker, i int) error
}

var benchOperations = []benchOperation{
	{
		name: "cache-hit",
		setup: func(ctx context.Context, p *mctext.ClientPool) error {
			return p.Set(ctx, mctext.Item{Key: "bench-hit", Value: []byte("bench-hit-value"), TTL: time.Hour})
		},
		run: func(ctx context.Context, c *mctext.Client, worker, i int) error {
			item, err := c.GetOne(ctx, "bench-hit")
			if err != nil {
				return err
			}
			if string(item.Value) != "bench-hit-value" {
				return errors.New("value mismatch")
			}
			return nil
		},
	},
	{
		name: "cache-miss",
		run: func(ctx context.Context, c *mctext.Client, worker, i int) error {
			_, err := c.GetOne(ctx, fmt.Sprintf("bench-missing-%d-%d", worker, i))
			if errors.Is(err, mctext.ErrCacheMiss) {
				return nil
			}
			if err == nil {
				return errors.New("expected a cache miss")
			}
			return err
		},
	},
	{
		name: "set-get",
		run: func(ctx context.Context, c *mctext.Client, worker, i int) error {
			key := fmt.Sprintf("bench-dynamic-%d-%d", worker, i)
			value := []byte(key + "-value")
			if err := c.Set(ctx, mctext.Item{Key: key, Value: value, TTL: time.Minute}); err != nil {
				return err
			}
			item, err := c.GetOne(ctx, key)
			if err != nil {
				return err
			}
			if string(item.Value) != string(value) {
				return errors.New("value mismatch")
			}
			return nil
		},
	},
	{
		name: "increment",
		setup: func(ctx context.Context, p *mctext.ClientPool) error {
			return p.Set(ctx, mctext.Item{Key: "bench-counter", Value: []byte("0"), TTL: time.Hour})
		},
		run: func(ctx context.Context, c *mctext.Client, worker, i int) error {
			_, err := c.Increment(ctx, "bench-counter", 1)
			return err
		},
	},
	{
		name: "delete",
		run: func(ctx context.Context, c *mctext.Client, worker, i int) error {
			err := c.Delete(ctx, "bench-delete-"+strconv.Itoa(worker))
			if errors.Is(err, mctext.ErrNotFound) {
				return nil
			}
			return err
		},
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the server through a client pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cfg := mctext.PoolConfig{
			Client:  clientConfig(logger),
			MaxSize: int32(viper.GetInt("concurrency")),
		}
		if viper.GetString("pool") == "puddle" {
			cfg.Pool = mctext.NewPuddlePool
		}
		if viper.GetBool("circuit-breaker") {
			cfg.NewCircuitBreaker = mctext.NewCircuitBreakerConfig(1, 10*time.Second, 5*time.Second)
		}

		pool, err := mctext.NewClientPool(viper.GetString("server"), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		if addr := viper.GetString("metrics-addr"); addr != "" {
			serveMetrics(addr, pool, logger)
		}

		out := cmd.OutOrStdout()
		operation := viper.GetString("operation")
		for _, op := range benchOperations {
			if operation != "all" && operation != op.name {
				continue
			}
			res, err := runBench(cmd.Context(), pool, op, benchLimiter(viper.GetFloat64("rate")), viper.GetDuration("duration"), viper.GetInt("concurrency"))
			if err != nil {
				return fmt.Errorf("%s: %w", op.name, err)
			}
			res.print(out)
		}

		s := pool.Stats()
		fmt.Fprintf(out, "\npool: created=%d destroyed=%d acquires=%d waits=%d errors=%d\n",
			s.CreatedConns, s.DestroyedConns, s.AcquireCount, s.AcquireWaitCount, s.AcquireErrors)
		return nil
	},
}

func init() {
	flags := benchCmd.Flags()
	flags.String("operation", "all", "operation: cache-hit, cache-miss, set-get, increment, delete or all")
	flags.Duration("duration", 5*time.Second, "duration of each benchmark")
	flags.Int("concurrency", 4, "number of workers, and of pooled clients")
	flags.String("pool", "channel", "pool implementation: channel or puddle")
	flags.Bool("circuit-breaker", false, "guard client creation with a circuit breaker")
	flags.Float64("rate", 0, "maximum operations per second across workers, 0 for unlimited")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(benchCmd)
}

type benchResult struct {
	name      string
	elapsed   time.Duration
	successes int64
	failures  int64
	lastErr   error
	latency   *hdrhistogram.Histogram
}

// benchLimiter returns a limiter allowing perSecond operations, or an
// unlimited one.
func benchLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(int(perSecond/10), 1))
}

func runBench(ctx context.Context, pool *mctext.ClientPool, op benchOperation, limiter *rate.Limiter, duration time.Duration, concurrency int) (*benchResult, error) {
	if op.setup != nil {
		if err := op.setup(ctx, pool); err != nil {
			return nil, err
		}
	}

	res := &benchResult{
		name:    op.name,
		latency: hdrhistogram.New(1, time.Minute.Microseconds(), 3),
	}
	var mu sync.Mutex
	var successes, failures atomic.Int64

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for worker := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				opStart := time.Now()
				err := pool.With(ctx, func(c *mctext.Client) error {
					return op.run(ctx, c, worker, i)
				})
				if ctx.Err() != nil {
					return
				}

				mu.Lock()
				_ = res.latency.RecordValue(max(time.Since(opStart).Microseconds(), 1))
				if err != nil {
					res.lastErr = err
				}
				mu.Unlock()

				if err != nil {
					failures.Add(1)
				} else {
					successes.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	res.elapsed = time.Since(start)
	res.successes = successes.Load()
	res.failures = failures.Load()
	return res, nil
}

func (r *benchResult) print(w io.Writer) {
	total := r.successes + r.failures
	fmt.Fprintf(w, "\n--- %s ---\n", r.name)
	fmt.Fprintf(w, "ops: %d (%d failed) in %v, %.0f ops/s\n", total, r.failures, r.elapsed.Round(time.Millisecond), float64(total)/r.elapsed.Seconds())
	if total > 0 {
		fmt.Fprintf(w, "latency: p50=%v p99=%v max=%v\n",
			time.Duration(r.latency.ValueAtQuantile(50))*time.Microsecond,
			time.Duration(r.latency.ValueAtQuantile(99))*time.Microsecond,
			time.Duration(r.latency.Max())*time.Microsecond)
	}
	if r.lastErr != nil {
		fmt.Fprintf(w, "last error: %v\n", r.lastErr)
	}
}

func serveMetrics(addr string, pool *mctext.ClientPool, logger *zap.Logger) {
	collector := metrics.NewCollector("mctext")
	collector.AddPool(pool)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
}
