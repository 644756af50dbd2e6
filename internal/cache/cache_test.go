package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedThing struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

func withMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	prev := client
	client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client = prev })
	return mr
}

func TestAside_MissThenHit(t *testing.T) {
	mr := withMiniredis(t)
	ctx := context.Background()

	calls := 0
	fetch := func(dest *cachedThing) func() error {
		return func() error {
			calls++
			*dest = cachedThing{ID: 7, Name: "alice"}
			return nil
		}
	}

	var first cachedThing
	require.NoError(t, Aside(ctx, UserKey(7), &first, UserTTL, fetch(&first)))
	assert.Equal(t, "alice", first.Name)
	assert.True(t, mr.Exists(UserKey(7)))

	var second cachedThing
	require.NoError(t, Aside(ctx, UserKey(7), &second, UserTTL, fetch(&second)))
	assert.Equal(t, "alice", second.Name)
	assert.Equal(t, 1, calls)
}

func TestAside_FetchErrorIsNotCached(t *testing.T) {
	mr := withMiniredis(t)
	boom := errors.New("boom")

	var dest cachedThing
	err := Aside(context.Background(), UserKey(9), &dest, UserTTL, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(UserKey(9)))
}

func TestAside_WithoutClientAlwaysFetches(t *testing.T) {
	prev := client
	client = nil
	defer func() { client = prev }()

	calls := 0
	var dest cachedThing
	for i := 0; i < 2; i++ {
		require.NoError(t, Aside(context.Background(), "k", &dest, time.Minute, func() error {
			calls++
			return nil
		}))
	}
	assert.Equal(t, 2, calls)
}

func TestInvalidateUnread(t *testing.T) {
	mr := withMiniredis(t)
	ctx := context.Background()
	require.NoError(t, SetJSON(ctx, UnreadKey(1), 3, UnreadTTL))
	require.NoError(t, SetJSON(ctx, UnreadKey(2), 4, UnreadTTL))

	InvalidateUnread(ctx, 1, 2)

	assert.False(t, mr.Exists(UnreadKey(1)))
	assert.False(t, mr.Exists(UnreadKey(2)))
}
