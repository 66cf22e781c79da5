package modbot

import (
	"fmt"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundbot/internal/broadcast"
	"fundbot/internal/models"
	"fundbot/internal/moderation"
)

func TestParseCallback(t *testing.T) {
	action, arg := parseCallback("mod:rm:-1001")
	assert.Equal(t, cbRemove, action)
	assert.Equal(t, "-1001", arg)

	action, arg = parseCallback("mod:toggle:ban_leavers")
	assert.Equal(t, cbToggle, action)
	assert.Equal(t, string(moderation.RuleBanLeavers), arg)

	action, arg = parseCallback(cbHome)
	assert.Equal(t, cbHome, action)
	assert.Empty(t, arg)
}

func TestVIPArgs(t *testing.T) {
	id, days, err := vipArgs("/vip 42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, vipDays, days)

	_, days, err = vipArgs("/vip 42 90")
	require.NoError(t, err)
	assert.Equal(t, 90, days)

	for _, bad := range []string{"/vip", "/vip x", "/vip 42 0", "/vip 42 -3", "/vip 1 2 3"} {
		_, _, err := vipArgs(bad)
		assert.Error(t, err, bad)
	}
}

func TestStatusText(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	trial := &models.User{ExpiresAt: now.Add(72*time.Hour + time.Minute)}
	text := statusText(trial, now, 1, 2)
	assert.Contains(t, text, "Trial until 04.05.2026")
	assert.Contains(t, text, "3 days left")
	assert.Contains(t, text, "1/2")

	expired := &models.User{IsVIP: true, ExpiresAt: now.Add(-time.Hour)}
	assert.Contains(t, statusText(expired, now, 0, 10), "VIP ended on 01.05.2026")
}

func TestMainMenuShowsRuleState(t *testing.T) {
	u := &models.User{BanLeavers: true}
	kb := mainMenu(u, 0, 2)
	require.Len(t, kb.InlineKeyboard, 5)

	rules := kb.InlineKeyboard[2]
	assert.Equal(t, "❌ Ban new members", rules[0].Text)
	assert.Equal(t, "✅ Ban leavers", rules[1].Text)
	assert.Equal(t, "mod:toggle:ban_leavers", rules[1].CallbackData)
}

func TestChannelsPage(t *testing.T) {
	text, kb := channelsPage(nil, 0, 2)
	assert.Contains(t, text, "no channels")
	require.Len(t, kb.InlineKeyboard, 1)

	var chans []models.ModeratedChannel
	for i := 1; i <= 7; i++ {
		chans = append(chans, models.ModeratedChannel{ChatID: int64(-i), Title: fmt.Sprintf("Channel %d", i)})
	}

	text, kb = channelsPage(chans, 0, 10)
	assert.Contains(t, text, "(7/10)")
	assert.Contains(t, text, "5. Channel 5")
	assert.NotContains(t, text, "Channel 6")
	// five removal rows, forward navigation, back
	require.Len(t, kb.InlineKeyboard, 7)
	assert.Equal(t, "mod:rm:-1", kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "mod:channels:1", kb.InlineKeyboard[5][0].CallbackData)

	text, kb = channelsPage(chans, 9, 10)
	assert.Contains(t, text, "7. Channel 7")
	require.Len(t, kb.InlineKeyboard, 4)
	assert.Equal(t, "mod:channels:0", kb.InlineKeyboard[2][0].CallbackData)
}

func TestMemberUpdateOf(t *testing.T) {
	cm := &telego.ChatMemberUpdated{
		Chat:          telego.Chat{ID: -100, Type: "supergroup"},
		OldChatMember: &telego.ChatMemberLeft{Status: "left", User: telego.User{ID: 5, Username: "joe"}},
		NewChatMember: &telego.ChatMemberMember{Status: "member", User: telego.User{ID: 5, Username: "joe"}},
	}
	ev := memberUpdateOf(cm)
	assert.Equal(t, moderation.MemberUpdate{ChatID: -100, ChatType: "supergroup", UserID: 5, Username: "joe", OldStatus: "left", NewStatus: "member"}, ev)
}

func TestVIPKeyboard(t *testing.T) {
	kb := vipKeyboard([]int64{77})
	require.Len(t, kb.InlineKeyboard, 2)
	assert.Equal(t, "tg://user?id=77", kb.InlineKeyboard[0][0].URL)

	kb = vipKeyboard(nil)
	require.Len(t, kb.InlineKeyboard, 1)
	assert.Equal(t, cbHome, kb.InlineKeyboard[0][0].CallbackData)
}

func TestBroadcastOf(t *testing.T) {
	_, ok := broadcastOf(&telego.Message{Text: "/broadcast   "})
	assert.False(t, ok)

	m, ok := broadcastOf(&telego.Message{Text: "/broadcast hello all"})
	require.True(t, ok)
	assert.Equal(t, broadcast.Text("hello all"), m)

	m, ok = broadcastOf(&telego.Message{
		Text:           "/broadcast",
		ReplyToMessage: &telego.Message{MessageID: 12, Chat: telego.Chat{ID: 900}},
	})
	require.True(t, ok)
	assert.Equal(t, broadcast.Copy(900, 12), m)
}
