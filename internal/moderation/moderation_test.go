package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fundbot/internal/database/dbtest"
	"fundbot/internal/models"
)

func setup(t *testing.T) (*gorm.DB, *Service, time.Time) {
	t.Helper()
	db := dbtest.New(t)
	s := NewService(db, Limits{Free: 2, VIP: 10})
	now := time.Now().Truncate(time.Second)
	s.now = func() time.Time { return now }
	return db, s, now
}

func createUser(t *testing.T, db *gorm.DB, u models.User) {
	t.Helper()
	require.NoError(t, db.Create(&u).Error)
}

func TestActivateVIPExtendsFromLaterOfNowAndExpiry(t *testing.T) {
	ctx := context.Background()
	db, s, now := setup(t)
	createUser(t, db, models.User{TelegramID: 1, ExpiresAt: now.AddDate(0, 0, 3)})
	createUser(t, db, models.User{TelegramID: 2, ExpiresAt: now.AddDate(0, 0, -5)})

	u, err := s.ActivateVIP(ctx, 1, 30)
	require.NoError(t, err)
	assert.True(t, u.IsVIP)
	assert.True(t, u.ExpiresAt.Equal(now.AddDate(0, 0, 33)))
	assert.Equal(t, 1, u.TotalPayments)

	u, err = s.ActivateVIP(ctx, 2, 30)
	require.NoError(t, err)
	assert.True(t, u.ExpiresAt.Equal(now.AddDate(0, 0, 30)))

	_, err = s.ActivateVIP(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidVIPPeriod)
	_, err = s.ActivateVIP(ctx, 99, 30)
	assert.ErrorIs(t, err, ErrUserNotFound)

	var stored models.User
	require.NoError(t, db.Where("telegram_id = ?", 1).First(&stored).Error)
	assert.True(t, stored.IsVIP)
	assert.Equal(t, 1, stored.TotalPayments)
}

func TestAddChannelLimits(t *testing.T) {
	ctx := context.Background()
	db, s, now := setup(t)
	createUser(t, db, models.User{TelegramID: 1, ExpiresAt: now.Add(time.Hour)})

	count, limit, err := s.AddChannel(ctx, 1, Channel{ChatID: -100, Title: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, limit)

	_, _, err = s.AddChannel(ctx, 1, Channel{ChatID: -100, Title: "a"})
	assert.ErrorIs(t, err, ErrChannelExists)

	_, _, err = s.AddChannel(ctx, 1, Channel{ChatID: -101})
	require.NoError(t, err)

	_, _, err = s.AddChannel(ctx, 1, Channel{ChatID: -102})
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 2, limitErr.Limit)

	_, err = s.ActivateVIP(ctx, 1, 30)
	require.NoError(t, err)
	count, limit, err = s.AddChannel(ctx, 1, Channel{ChatID: -102})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 10, limit)

	require.NoError(t, s.RemoveChannel(ctx, 1, -100))
	assert.ErrorIs(t, s.RemoveChannel(ctx, 1, -100), ErrChannelNotFound)

	chans, err := s.ListChannels(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chans, 2)
	assert.Equal(t, int64(-101), chans[0].ChatID)

	_, _, err = s.AddChannel(ctx, 77, Channel{ChatID: -1})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestToggle(t *testing.T) {
	ctx := context.Background()
	db, s, now := setup(t)
	createUser(t, db, models.User{TelegramID: 1, ExpiresAt: now})

	on, err := s.Toggle(ctx, 1, RuleBanLeavers)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = s.Toggle(ctx, 1, RuleBanLeavers)
	require.NoError(t, err)
	assert.False(t, on)

	_, err = s.Toggle(ctx, 1, Rule("drop table"))
	assert.ErrorIs(t, err, ErrUnknownRule)
	_, err = s.Toggle(ctx, 2, RuleBanLeavers)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDecide(t *testing.T) {
	ctx := context.Background()
	db, s, now := setup(t)
	createUser(t, db, models.User{TelegramID: 1, ExpiresAt: now.Add(24 * time.Hour), BanNoUsername: true, BanLeavers: true})
	createUser(t, db, models.User{TelegramID: 2, ExpiresAt: now.Add(-time.Hour), BanNewMembers: true})
	_, _, err := s.AddChannel(ctx, 1, Channel{ChatID: -500})
	require.NoError(t, err)
	_, _, err = s.AddChannel(ctx, 2, Channel{ChatID: -500})
	require.NoError(t, err)

	join := MemberUpdate{ChatID: -500, ChatType: "channel", UserID: 42, OldStatus: "left", NewStatus: "member"}

	actions, err := s.Decide(ctx, join)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, Action{ChatID: -500, UserID: 42, OwnerID: 1, Reason: ReasonNoUsername}, actions[0])

	withName := join
	withName.Username = "alice"
	actions, err = s.Decide(ctx, withName)
	require.NoError(t, err)
	assert.Empty(t, actions, "expired owner's ban_new_members must not apply")

	leave := MemberUpdate{ChatID: -500, ChatType: "channel", UserID: 42, Username: "alice", OldStatus: "member", NewStatus: "left"}
	actions, err = s.Decide(ctx, leave)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ReasonLeaver, actions[0].Reason)

	promote := MemberUpdate{ChatID: -500, ChatType: "channel", UserID: 42, OldStatus: "member", NewStatus: "administrator"}
	actions, err = s.Decide(ctx, promote)
	require.NoError(t, err)
	assert.Empty(t, actions)

	other := join
	other.ChatID = -999
	actions, err = s.Decide(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestExpiryQueries(t *testing.T) {
	ctx := context.Background()
	db, s, now := setup(t)
	createUser(t, db, models.User{TelegramID: 1, IsVIP: true, ExpiresAt: now.Add(24 * time.Hour)})
	createUser(t, db, models.User{TelegramID: 2, IsVIP: true, ExpiresAt: now.Add(-time.Hour)})
	createUser(t, db, models.User{TelegramID: 3, IsVIP: false, ExpiresAt: now.Add(-time.Hour)})

	soon, err := s.ExpiringVIP(ctx, now.Add(23*time.Hour), now.Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, int64(1), soon[0].TelegramID)

	expired, err := s.ExpireVIP(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(2), expired[0].TelegramID)

	again, err := s.ExpireVIP(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(1), st.VIP)
	assert.Equal(t, int64(1), st.Active)
	assert.Equal(t, int64(2), st.Expired)
}

func TestExtractChannelUsername(t *testing.T) {
	cases := map[string]string{
		"https://t.me/my_channel":    "my_channel",
		"telegram.me/other":          "other",
		"@handle":                    "handle",
		"see https://t.me/x1?start=": "x1",
	}
	for in, want := range cases {
		got, ok := ExtractChannelUsername(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ExtractChannelUsername("not a link")
	assert.False(t, ok)
}
