package mctext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/mctext/codec"
	"github.com/pior/mctext/internal/testutils"
)

type user struct {
	Name  string `json:"name" msgpack:"name"`
	Admin bool   `json:"admin" msgpack:"admin"`
}

func TestTyped(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	users := NewTyped[user](c, codec.JSON[user]{})
	ctx := context.Background()

	require.NoError(t, users.Set(ctx, "u1", user{Name: "ada", Admin: true}))
	assert.ErrorIs(t, users.Add(ctx, "u1", user{Name: "bob"}), ErrNotStored)
	require.NoError(t, users.Add(ctx, "u2", user{Name: "bob"}))
	assert.ErrorIs(t, users.Replace(ctx, "u3", user{Name: "eve"}), ErrNotStored)

	got, err := users.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, user{Name: "ada", Admin: true}, got.Value)
	assert.Equal(t, uint32(codec.FlagsJSON), got.Flags)

	value, flags, ok := srv.Peek("u1")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"ada","admin":true}`, string(value))
	assert.Equal(t, uint32(codec.FlagsJSON), flags)

	all, err := users.GetMulti(ctx, "u1", "u2", "u3")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "bob", all["u2"].Value.Name)

	_, err = users.Get(ctx, "u3")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, users.Delete(ctx, "u1"))
	_, err = users.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestTypedFlagsMismatch(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Item{Key: "raw", Value: []byte(`{"name":"x"}`)}))

	users := NewTyped[user](c, codec.JSON[user]{})
	_, err := users.Get(ctx, "raw")
	assert.ErrorIs(t, err, ErrFlagsMismatch)
	_, err = users.GetMulti(ctx, "raw")
	assert.ErrorIs(t, err, ErrFlagsMismatch)

	// Codecs without flags accept anything.
	raw := NewTyped[[]byte](c, codec.Bytes{})
	got, err := raw.Get(ctx, "raw")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"x"}`, string(got.Value))
}

func TestTypedOptions(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})
	ctx := context.Background()

	names := NewTyped[string](c, codec.String{})
	require.NoError(t, names.Set(ctx, "k", "v", WithTTL(time.Minute), WithFlags(7)))

	_, flags, ok := srv.Peek("k")
	require.True(t, ok)
	assert.Equal(t, uint32(7), flags)
	assert.Equal(t, "set k 7 60 1", srv.Commands()[0])
}

func TestTypedEncodeError(t *testing.T) {
	srv := testutils.NewServer(t)
	c := newTestClient(t, srv.Addr(), Config{})

	limited := NewTyped[string](c, codec.Limit[string]{Inner: codec.String{}, MaxEncode: 4})
	err := limited.Set(context.Background(), "k", "too long")
	assert.ErrorIs(t, err, codec.ErrTooLarge)
	assert.Empty(t, srv.Commands())
}

func TestTypedOverPool(t *testing.T) {
	srv := testutils.NewServer(t)
	p := newTestPool(t, srv.Addr(), PoolConfig{})
	users := NewTyped[user](p, codec.Msgpack[user]{})
	ctx := context.Background()

	require.NoError(t, users.Set(ctx, "u", user{Name: "ada"}))
	got, err := users.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Value.Name)
	assert.Equal(t, uint32(codec.FlagsMsgpack), got.Flags)
}
