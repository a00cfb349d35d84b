package mctext

import (
	"context"
	"strconv"
	"testing"

	"github.com/pior/mctext/internal/testutils"
)

func BenchmarkClientSet(b *testing.B) {
	srv := testutils.NewServer(b)
	c, err := NewClient(srv.Addr(), Config{})
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	value := make([]byte, 100)

	b.ReportAllocs()
	for i := 0; b.Loop(); i++ {
		if err := c.Set(ctx, Item{Key: "key" + strconv.Itoa(i%100), Value: value}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClientGetParallel(b *testing.B) {
	srv := testutils.NewServer(b)
	c, err := NewClient(srv.Addr(), Config{})
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, Item{Key: "key", Value: make([]byte, 100)}); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Get(ctx, "key"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkPoolGetParallel(b *testing.B) {
	for _, pf := range poolFactories {
		b.Run(pf.name, func(b *testing.B) {
			srv := testutils.NewServer(b)
			p, err := NewClientPool(srv.Addr(), PoolConfig{Pool: pf.factory, MaxSize: 8})
			if err != nil {
				b.Fatal(err)
			}
			defer p.Close()

			ctx := context.Background()
			if err := p.Set(ctx, Item{Key: "key", Value: make([]byte, 100)}); err != nil {
				b.Fatal(err)
			}

			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					if _, err := p.Get(ctx, "key"); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}
