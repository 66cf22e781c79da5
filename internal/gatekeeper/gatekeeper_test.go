package gatekeeper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundbot/internal/database/dbtest"
	"fundbot/internal/models"
)

type fakeMembers map[int64]string

func (f fakeMembers) MemberStatus(_ context.Context, chatID, _ int64) (string, error) {
	status, ok := f[chatID]
	if !ok {
		return "", errors.New("chat not found")
	}
	return status, nil
}

func TestIsSatisfied(t *testing.T) {
	ctx := context.Background()
	members := fakeMembers{-100: "member", -200: "left", -300: "administrator"}
	g := New(dbtest.New(t), members, func(id int64) bool { return id == 1 }, zap.NewNop())

	for _, id := range []int64{-100, -200, -300, -400} {
		require.NoError(t, g.AddCondition(ctx, models.MandatoryChannel{ChatID: id, Title: "c"}))
	}

	ok, unmet, err := g.IsSatisfied(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, unmet, 2)
	assert.Equal(t, int64(-200), unmet[0].ChatID)
	assert.Equal(t, int64(-400), unmet[1].ChatID, "lookup errors fail closed")

	ok, unmet, err = g.IsSatisfied(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok, "admins always pass")
	assert.Empty(t, unmet)

	require.NoError(t, g.RemoveCondition(ctx, -200))
	require.NoError(t, g.RemoveCondition(ctx, -400))
	assert.ErrorIs(t, g.RemoveCondition(ctx, -400), ErrChannelNotFound)

	ok, _, err = g.IsSatisfied(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddConditionReactivates(t *testing.T) {
	ctx := context.Background()
	g := New(dbtest.New(t), fakeMembers{}, func(int64) bool { return false }, zap.NewNop())

	require.NoError(t, g.AddCondition(ctx, models.MandatoryChannel{ChatID: -1, Title: "old"}))
	require.NoError(t, g.RemoveCondition(ctx, -1))
	require.NoError(t, g.AddCondition(ctx, models.MandatoryChannel{ChatID: -1, Title: "new"}))

	active, err := g.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].Title)
}
