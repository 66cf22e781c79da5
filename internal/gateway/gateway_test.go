package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundbot/internal/funding"
	"fundbot/internal/models"
)

func TestParseChatRef(t *testing.T) {
	cases := map[string]telego.ChatID{
		"-1001234567890":                tu.ID(-1001234567890),
		"@my_group":                     tu.Username("@my_group"),
		"https://t.me/my_group":         tu.Username("@my_group"),
		"t.me/my_group/15":              tu.Username("@my_group"),
		"http://telegram.me/other_chat": tu.Username("@other_chat"),
	}
	for in, want := range cases {
		got, err := ParseChatRef(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseChatRef("https://t.me/+AbCdEf")
	assert.ErrorIs(t, err, ErrPrivateLink)
	_, err = ParseChatRef("https://t.me/joinchat/AbCdEf")
	assert.ErrorIs(t, err, ErrPrivateLink)

	for _, bad := range []string{"", "hello world", "@ab", "https://example.com/x", "@bad-name"} {
		_, err := ParseChatRef(bad)
		assert.ErrorIs(t, err, ErrBadChatRef, bad)
	}
}

func TestFundingCallbackRoundTrip(t *testing.T) {
	action, id, ok := ParseFundingCallback(FundingCallback(ActionReject, 42))
	require.True(t, ok)
	assert.Equal(t, ActionReject, action)
	assert.Equal(t, uint(42), id)

	for _, bad := range []string{"fund:approve", "fund:delete:1", "fund:approve:x", "other:approve:1"} {
		_, _, ok := ParseFundingCallback(bad)
		assert.False(t, ok, bad)
	}
}

func TestRenderEvent(t *testing.T) {
	req := models.FundingRequest{ID: 7, UserID: 1, ChatID: -100, ChatTitle: "Target", RequestedCount: 10, AddedCount: 3, CostPoints: 80, MemberPrice: 8}

	text, markup := RenderEvent(funding.Event{Kind: funding.EventAdminReview, Request: req})
	assert.Contains(t, text, "#7")
	assert.Contains(t, text, "80 points")
	require.NotNil(t, markup)
	require.Len(t, markup.InlineKeyboard, 1)
	row := markup.InlineKeyboard[0]
	require.Len(t, row, 2)
	assert.Equal(t, FundingCallback(ActionApprove, 7), row[0].CallbackData)
	assert.Equal(t, FundingCallback(ActionReject, 7), row[1].CallbackData)

	text, markup = RenderEvent(funding.Event{Kind: funding.EventRejected, Request: req, Refund: 80})
	assert.Contains(t, text, "80 points were returned")
	assert.Nil(t, markup)

	text, _ = RenderEvent(funding.Event{Kind: funding.EventShortfall, Request: req})
	assert.Contains(t, text, "3 of 10")
}

func TestAddMemberHonoursCancel(t *testing.T) {
	g := &Gateway{addDelay: time.Hour, log: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.AddMember(ctx, -100, "+10000000000"), context.Canceled)

	g.addDelay = time.Millisecond
	assert.NoError(t, g.AddMember(context.Background(), -100, "+10000000000"))
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	// "é" is two bytes; cutting inside it drops the whole rune.
	assert.Equal(t, "a", Truncate("aé", 2))
}

func TestDiagnosticIsBounded(t *testing.T) {
	update := telego.Update{UpdateID: 9, Message: &telego.Message{From: &telego.User{ID: 5}}}
	text := Diagnostic(update, errors.New(strings.Repeat("x", 10000)))
	assert.LessOrEqual(t, len(text), maxDiagnostic)
	assert.Contains(t, text, "user: 5")
	assert.Contains(t, text, "update: 9")
}
