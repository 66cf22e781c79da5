package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundbot/internal/database/dbtest"
)

func TestPutGetClear(t *testing.T) {
	ctx := context.Background()
	rdb, _ := dbtest.Redis(t)
	s := NewStore(rdb, "fundbot", time.Minute)

	_, ok, err := s.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	op := Operation{Kind: KindFunding, Step: "count"}
	op.Set("target", "https://t.me/chat")
	require.NoError(t, s.Put(ctx, 42, op))

	got, ok, err := s.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindFunding, got.Kind)
	assert.Equal(t, "count", got.Step)
	assert.Equal(t, "https://t.me/chat", got.Field("target"))

	require.NoError(t, s.Clear(ctx, 42))
	_, ok, err = s.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionExpires(t *testing.T) {
	ctx := context.Background()
	rdb, mr := dbtest.Redis(t)
	s := NewStore(rdb, "fundbot", 30*time.Minute)

	require.NoError(t, s.Put(ctx, 1, Operation{Kind: KindBroadcast}))
	assert.Equal(t, 30*time.Minute, mr.TTL("fundbot:session:1"))

	mr.FastForward(31 * time.Minute)
	_, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrefixesIsolate(t *testing.T) {
	ctx := context.Background()
	rdb, _ := dbtest.Redis(t)
	fund := NewStore(rdb, "fundbot", time.Minute)
	mod := NewStore(rdb, "modbot", time.Minute)

	require.NoError(t, fund.Put(ctx, 7, Operation{Kind: KindFunding}))
	_, ok, err := mod.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}
