package modbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	"go.uber.org/zap"

	"fundbot/internal/broadcast"
	"fundbot/internal/moderation"
	"fundbot/internal/settings"
)

// vipArgs parses "/vip <user_id> [days]".
func vipArgs(text string) (userID int64, days int, err error) {
	args := commandArgs(text)
	if len(args) < 1 || len(args) > 2 {
		return 0, 0, errors.New("usage: /vip <user_id> [days]")
	}
	if userID, err = strconv.ParseInt(args[0], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad user id %q", args[0])
	}
	days = vipDays
	if len(args) == 2 {
		if days, err = strconv.Atoi(args[1]); err != nil || days <= 0 {
			return 0, 0, fmt.Errorf("bad number of days %q", args[1])
		}
	}
	return userID, days, nil
}

func (b *Bot) handleActivateVIP(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	userID, days, err := vipArgs(msg.Text)
	if err != nil {
		return b.reply(ctx, msg.Chat.ID, err.Error(), nil)
	}
	u, err := b.mod.ActivateVIP(ctx.Context(), userID, days)
	if errors.Is(err, moderation.ErrUserNotFound) {
		return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("User %d has not started the bot.", userID), nil)
	}
	if err != nil {
		return err
	}

	b.log.Info("vip activated", zap.Int64("admin", msg.From.ID), zap.Int64("user_id", userID), zap.Int("days", days), zap.Time("expires_at", u.ExpiresAt))
	notice := fmt.Sprintf("⭐ VIP activated for %d days.\nValid until %s. You can now moderate up to %d channels.",
		days, u.ExpiresAt.Format("02.01.2006 15:04"), b.mod.MaxChannels(u))
	if err := b.gw.SendText(ctx.Context(), userID, notice); err != nil {
		b.log.Warn("notify vip user", zap.Int64("user_id", userID), zap.Error(err))
	}
	return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ VIP for %d until %s (payment #%d).", userID, u.ExpiresAt.Format("02.01.2006"), u.TotalPayments), nil)
}

func (b *Bot) handleStats(ctx *th.Context, update telego.Update) error {
	st, err := b.mod.Stats(ctx.Context())
	if err != nil {
		return err
	}
	price, err := b.settings.Int(ctx.Context(), settings.KeyVIPPrice, b.vipPrice)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("📊 Statistics\n\n👥 Users: %d (today %d)\n⭐ VIP: %d\n✅ Active: %d\n❌ Expired: %d\n🚫 Banned: %d\n📢 Channels: %d\n💰 VIP price: $%d\n\n/vip <user_id> [days]\n/price <amount>\n/broadcast <text> (or reply to a message)",
		st.Total, st.NewToday, st.VIP, st.Active, st.Expired, st.Banned, st.Channels, price)
	return b.reply(ctx, update.Message.Chat.ID, text, nil)
}

func (b *Bot) handleSetPrice(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	args := commandArgs(msg.Text)
	if len(args) != 1 {
		return b.reply(ctx, msg.Chat.ID, "usage: /price <amount>", nil)
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n < 1 {
		return b.reply(ctx, msg.Chat.ID, "The price must be a whole number of at least 1.", nil)
	}
	if err := b.settings.SetInt(ctx.Context(), settings.KeyVIPPrice, n); err != nil {
		return err
	}
	b.log.Info("vip price changed", zap.Int64("price", n), zap.Int64("admin", msg.From.ID))
	return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ VIP price set to $%d.", n), nil)
}

func (b *Bot) handleBroadcast(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	message, ok := broadcastOf(msg)
	if !ok {
		return b.reply(ctx, msg.Chat.ID, "usage: /broadcast <text>, or reply /broadcast to the message to send", nil)
	}
	recipients, err := b.accounts.ListIDs(ctx.Context())
	if err != nil {
		return err
	}
	if err := b.reply(ctx, msg.Chat.ID, fmt.Sprintf("📤 Sending to %d users...", len(recipients)), nil); err != nil {
		return err
	}

	go func(adminID int64) {
		base := b.base
		if base == nil {
			base = context.Background()
		}
		res, err := b.broadcaster.Send(base, recipients, message, nil)
		summary := fmt.Sprintf("✅ Broadcast finished\n\n✅ Sent: %d\n❌ Failed: %d\n🚫 Blocked: %d", res.Sent, res.Failed, res.Blocked)
		if err != nil {
			summary = fmt.Sprintf("⚠️ Broadcast stopped: %v\n\n✅ Sent: %d\n❌ Failed: %d\n🚫 Blocked: %d", err, res.Sent, res.Failed, res.Blocked)
		}
		if err := b.gw.SendText(context.Background(), adminID, summary); err != nil {
			b.log.Warn("broadcast summary", zap.Error(err))
		}
	}(msg.From.ID)
	return nil
}

// broadcastOf picks what /broadcast sends: the replied-to message when
// there is one, otherwise the command's text.
func broadcastOf(msg *telego.Message) (broadcast.Message, bool) {
	if reply := msg.ReplyToMessage; reply != nil {
		return broadcast.Copy(reply.Chat.ID, reply.MessageID), true
	}
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return broadcast.Message{}, false
	}
	text := strings.TrimSpace(strings.TrimPrefix(msg.Text, fields[0]))
	if text == "" {
		return broadcast.Message{}, false
	}
	return broadcast.Text(text), true
}
