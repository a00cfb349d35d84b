package mctext

import (
	"context"
	"fmt"
	"time"

	"github.com/pior/mctext/codec"
)

// Typed stores values of type V through a Querier, converting them with a
// codec. When the codec implements codec.Flagger, stored items carry its
// flags and items with other flags are refused on read.
type Typed[V any] struct {
	q     Querier
	codec codec.Codec[V]
}

// TypedItem is a decoded item.
type TypedItem[V any] struct {
	Key   string
	Value V
	Flags uint32
	CAS   uint64
}

// NewTyped wraps a Client or a ClientPool.
func NewTyped[V any](q Querier, c codec.Codec[V]) *Typed[V] {
	return &Typed[V]{q: q, codec: c}
}

// Set encodes value and stores it unconditionally.
func (t *Typed[V]) Set(ctx context.Context, key string, value V, opts ...ItemOption) error {
	item, err := t.encode(key, value, opts)
	if err != nil {
		return err
	}
	return t.q.Set(ctx, item)
}

// Add encodes value and stores it if key is absent.
func (t *Typed[V]) Add(ctx context.Context, key string, value V, opts ...ItemOption) error {
	item, err := t.encode(key, value, opts)
	if err != nil {
		return err
	}
	return t.q.Add(ctx, item)
}

// Replace encodes value and stores it if key is present.
func (t *Typed[V]) Replace(ctx context.Context, key string, value V, opts ...ItemOption) error {
	item, err := t.encode(key, value, opts)
	if err != nil {
		return err
	}
	return t.q.Replace(ctx, item)
}

// Get returns the decoded value of key, or ErrCacheMiss.
func (t *Typed[V]) Get(ctx context.Context, key string) (TypedItem[V], error) {
	items, err := t.q.Get(ctx, key)
	if err != nil {
		return TypedItem[V]{}, err
	}
	item, ok := items[key]
	if !ok {
		return TypedItem[V]{}, ErrCacheMiss
	}
	return t.decode(item)
}

// GetMulti returns the decoded values found for keys. A value that fails to
// decode fails the whole call.
func (t *Typed[V]) GetMulti(ctx context.Context, keys ...string) (map[string]TypedItem[V], error) {
	items, err := t.q.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}

	out := make(map[string]TypedItem[V], len(items))
	for key, item := range items {
		ti, err := t.decode(item)
		if err != nil {
			return nil, err
		}
		out[key] = ti
	}
	return out, nil
}

// Delete removes key.
func (t *Typed[V]) Delete(ctx context.Context, key string) error {
	return t.q.Delete(ctx, key)
}

func (t *Typed[V]) encode(key string, value V, opts []ItemOption) (Item, error) {
	data, err := t.codec.Encode(value)
	if err != nil {
		return Item{}, fmt.Errorf("mctext: encoding %q: %w", key, err)
	}

	item := Item{Key: key, Value: data}
	if f, ok := t.codec.(codec.Flagger); ok {
		item.Flags = f.Flags()
	}
	for _, opt := range opts {
		opt(&item)
	}
	return item, nil
}

func (t *Typed[V]) decode(item Item) (TypedItem[V], error) {
	if f, ok := t.codec.(codec.Flagger); ok && f.Flags() != item.Flags {
		return TypedItem[V]{}, fmt.Errorf("%w: %q has flags %d, want %d", ErrFlagsMismatch, item.Key, item.Flags, f.Flags())
	}

	v, err := t.codec.Decode(item.Value)
	if err != nil {
		return TypedItem[V]{}, fmt.Errorf("mctext: decoding %q: %w", item.Key, err)
	}
	return TypedItem[V]{Key: item.Key, Value: v, Flags: item.Flags, CAS: item.CAS}, nil
}

// ItemOption adjusts the item built by Typed.
type ItemOption func(*Item)

// WithTTL sets the item TTL.
func WithTTL(ttl time.Duration) ItemOption {
	return func(it *Item) { it.TTL = ttl }
}

// WithFlags overrides the flags set by the codec.
func WithFlags(flags uint32) ItemOption {
	return func(it *Item) { it.Flags = flags }
}
