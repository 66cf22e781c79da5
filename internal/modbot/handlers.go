package modbot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"fundbot/internal/accounts"
	"fundbot/internal/models"
	"fundbot/internal/moderation"
	"fundbot/internal/session"
	"fundbot/internal/settings"
)

const (
	cbPrefix = "mod:"

	cbHome     = cbPrefix + "home"
	cbAdd      = cbPrefix + "add"
	cbVIP      = cbPrefix + "vip"
	cbChannels = cbPrefix + "channels"
	cbRemove   = cbPrefix + "rm"
	cbToggle   = cbPrefix + "toggle"
)

// channelsPerPage is how many channels one page of the list shows.
const channelsPerPage = 5

// vipDays is the period one VIP payment buys.
const vipDays = 30

// parseCallback splits "mod:<action>[:<arg>]".
func parseCallback(data string) (action, arg string) {
	rest := strings.TrimPrefix(data, cbPrefix)
	action, arg, _ = strings.Cut(rest, ":")
	return cbPrefix + action, arg
}

func ruleLabel(r moderation.Rule) string {
	switch r {
	case moderation.RuleBanNewMembers:
		return "Ban new members"
	case moderation.RuleBanLeavers:
		return "Ban leavers"
	case moderation.RuleBanNoUsername:
		return "Ban without username"
	}
	return string(r)
}

func toggleButton(u *models.User, r moderation.Rule) telego.InlineKeyboardButton {
	mark := "❌"
	if moderation.Enabled(u, r) {
		mark = "✅"
	}
	return tu.InlineKeyboardButton(mark + " " + ruleLabel(r)).WithCallbackData(cbToggle + ":" + string(r))
}

func mainMenu(u *models.User, count, limit int) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("📢 Add channel").WithCallbackData(cbAdd)),
		tu.InlineKeyboardRow(tu.InlineKeyboardButton(fmt.Sprintf("📋 My channels (%d/%d)", count, limit)).WithCallbackData(cbChannels+":0")),
		tu.InlineKeyboardRow(toggleButton(u, moderation.RuleBanNewMembers), toggleButton(u, moderation.RuleBanLeavers)),
		tu.InlineKeyboardRow(toggleButton(u, moderation.RuleBanNoUsername)),
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("⭐ VIP subscription").WithCallbackData(cbVIP)),
	)
}

// statusText describes the subscription of u at now.
func statusText(u *models.User, now time.Time, count, limit int) string {
	plan := "Trial"
	if u.IsVIP {
		plan = "VIP"
	}
	var state string
	if u.Expired(now) {
		state = fmt.Sprintf("❌ %s ended on %s. Automatic moderation is paused.", plan, u.ExpiresAt.Format("02.01.2006"))
	} else {
		days := int(u.ExpiresAt.Sub(now).Hours() / 24)
		state = fmt.Sprintf("✅ %s until %s (%d days left)", plan, u.ExpiresAt.Format("02.01.2006 15:04"), days)
	}
	return fmt.Sprintf("🛡 Channel moderation\n\n%s\n📢 Channels: %d/%d\n\nAdd me as an administrator with the right to ban users, then register the channel here.",
		state, count, limit)
}

// channelsPage renders one page of an owner's channel list.
func channelsPage(chans []models.ModeratedChannel, page, limit int) (string, *telego.InlineKeyboardMarkup) {
	if len(chans) == 0 {
		return "📭 You have no channels yet.", tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔙 Back").WithCallbackData(cbHome)))
	}
	pages := (len(chans) + channelsPerPage - 1) / channelsPerPage
	page = max(0, min(page, pages-1))
	start := page * channelsPerPage
	end := min(start+channelsPerPage, len(chans))

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 Your channels (%d/%d):\n", len(chans), limit)
	var rows [][]telego.InlineKeyboardButton
	for i, ch := range chans[start:end] {
		fmt.Fprintf(&sb, "\n%d. %s\n   %s\n   added %s", start+i+1, ch.Title, ch.Link, ch.CreatedAt.Format("02.01.2006"))
		title := []rune(ch.Title)
		if len(title) > 20 {
			title = title[:20]
		}
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("❌ "+string(title)).WithCallbackData(cbRemove+":"+strconv.FormatInt(ch.ChatID, 10))))
	}

	var nav []telego.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, tu.InlineKeyboardButton("◀️").WithCallbackData(cbChannels+":"+strconv.Itoa(page-1)))
	}
	if end < len(chans) {
		nav = append(nav, tu.InlineKeyboardButton("▶️").WithCallbackData(cbChannels+":"+strconv.Itoa(page+1)))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("🔙 Back").WithCallbackData(cbHome)))
	return sb.String(), tu.InlineKeyboard(rows...)
}

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	from := update.Message.From
	if from == nil {
		return nil
	}
	u, created, err := b.accounts.Register(ctx.Context(), accounts.Profile{TelegramID: from.ID, Username: from.Username, FirstName: from.FirstName})
	if err != nil {
		return err
	}
	if created {
		b.log.Info("moderation user registered", zap.Int64("user_id", from.ID), zap.Time("trial_until", u.ExpiresAt))
	}
	if u.IsBanned {
		return b.reply(ctx, from.ID, "🚫 Your account is blocked.", nil)
	}
	text, markup, err := b.home(ctx, u)
	if err != nil {
		return err
	}
	return b.reply(ctx, from.ID, text, markup)
}

func (b *Bot) home(ctx *th.Context, u *models.User) (string, *telego.InlineKeyboardMarkup, error) {
	chans, err := b.mod.ListChannels(ctx.Context(), u.TelegramID)
	if err != nil {
		return "", nil, err
	}
	limit := b.mod.MaxChannels(u)
	return statusText(u, time.Now(), len(chans), limit), mainMenu(u, len(chans), limit), nil
}

func (b *Bot) handleCancel(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	if err := b.sessions.Clear(ctx.Context(), msg.From.ID); err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, "✖️ Cancelled. /start to open the menu.", nil)
}

func (b *Bot) handleCallback(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	u, err := b.accounts.Get(ctx.Context(), cq.From.ID)
	if errors.Is(err, accounts.ErrNotFound) {
		b.answer(ctx, cq, "Send /start first.")
		return nil
	}
	if err != nil {
		b.answer(ctx, cq, "")
		return err
	}
	if u.IsBanned {
		b.answer(ctx, cq, "Your account is blocked.")
		return nil
	}

	action, arg := parseCallback(cq.Data)
	switch action {
	case cbHome:
		b.answer(ctx, cq, "")
		return b.showHome(ctx, cq, u)

	case cbAdd:
		b.answer(ctx, cq, "")
		if u.Expired(time.Now()) {
			return b.show(ctx, cq, "❌ Your subscription has ended. Renew VIP to add channels.", vipKeyboard(nil))
		}
		if err := b.sessions.Put(ctx.Context(), u.TelegramID, session.Operation{Kind: session.KindAddChannel}); err != nil {
			return err
		}
		return b.show(ctx, cq, "📢 Send the channel link, for example https://t.me/username. /cancel to stop.", nil)

	case cbChannels:
		b.answer(ctx, cq, "")
		page, _ := strconv.Atoi(arg)
		chans, err := b.mod.ListChannels(ctx.Context(), u.TelegramID)
		if err != nil {
			return err
		}
		text, markup := channelsPage(chans, page, b.mod.MaxChannels(u))
		return b.show(ctx, cq, text, markup)

	case cbRemove:
		chatID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			b.answer(ctx, cq, "")
			return nil
		}
		err = b.mod.RemoveChannel(ctx.Context(), u.TelegramID, chatID)
		if errors.Is(err, moderation.ErrChannelNotFound) {
			b.answer(ctx, cq, "Already removed.")
			return nil
		}
		if err != nil {
			b.answer(ctx, cq, "")
			return err
		}
		b.log.Info("moderated channel removed", zap.Int64("owner", u.TelegramID), zap.Int64("chat_id", chatID))
		b.answer(ctx, cq, "✅ Channel removed")
		chans, err := b.mod.ListChannels(ctx.Context(), u.TelegramID)
		if err != nil {
			return err
		}
		text, markup := channelsPage(chans, 0, b.mod.MaxChannels(u))
		return b.show(ctx, cq, text, markup)

	case cbToggle:
		enabled, err := b.mod.Toggle(ctx.Context(), u.TelegramID, moderation.Rule(arg))
		if errors.Is(err, moderation.ErrUnknownRule) {
			b.answer(ctx, cq, "")
			return nil
		}
		if err != nil {
			b.answer(ctx, cq, "")
			return err
		}
		state := "off"
		if enabled {
			state = "on"
		}
		b.answer(ctx, cq, ruleLabel(moderation.Rule(arg))+": "+state)
		u, err = b.accounts.Get(ctx.Context(), u.TelegramID)
		if err != nil {
			return err
		}
		return b.showHome(ctx, cq, u)

	case cbVIP:
		b.answer(ctx, cq, "")
		price, err := b.settings.Int(ctx.Context(), settings.KeyVIPPrice, b.vipPrice)
		if err != nil {
			return err
		}
		return b.show(ctx, cq, vipText(price, b.mod.MaxChannels(&models.User{IsVIP: true})), vipKeyboard(b.accounts.AdminIDs()))
	}

	b.answer(ctx, cq, "")
	return nil
}

func (b *Bot) showHome(ctx *th.Context, cq *telego.CallbackQuery, u *models.User) error {
	text, markup, err := b.home(ctx, u)
	if err != nil {
		return err
	}
	return b.show(ctx, cq, text, markup)
}

func vipText(price int64, vipChannels int) string {
	return fmt.Sprintf("⭐ VIP subscription\n\n• up to %d channels\n• every moderation rule\n• %d days per payment\n\n💰 Price: $%d\n\nContact an administrator to pay; they activate VIP right after.",
		vipChannels, vipDays, price)
}

func vipKeyboard(admins []int64) *telego.InlineKeyboardMarkup {
	var rows [][]telego.InlineKeyboardButton
	if len(admins) > 0 {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💬 Contact administrator").WithURL("tg://user?id="+strconv.FormatInt(admins[0], 10))))
	}
	rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("🔙 Back").WithCallbackData(cbHome)))
	return tu.InlineKeyboard(rows...)
}

func (b *Bot) handleUnknownCallback(ctx *th.Context, update telego.Update) error {
	b.answer(ctx, update.CallbackQuery, "")
	return nil
}

func (b *Bot) handleInput(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	if msg.From == nil {
		return nil
	}
	op, ok, err := b.sessions.Get(ctx.Context(), msg.From.ID)
	if err != nil || !ok {
		return err
	}
	if op.Kind != session.KindAddChannel {
		return b.sessions.Clear(ctx.Context(), msg.From.ID)
	}
	return b.channelInput(ctx, msg)
}

// channelInput verifies the channel link an owner sent and registers it.
func (b *Bot) channelInput(ctx *th.Context, msg *telego.Message) error {
	owner := msg.From.ID
	link := strings.TrimSpace(msg.Text)
	username, ok := moderation.ExtractChannelUsername(link)
	if !ok {
		return b.reply(ctx, owner, "❌ That is not a channel link. Send one like https://t.me/username or /cancel.", nil)
	}
	if err := b.sessions.Clear(ctx.Context(), owner); err != nil {
		return err
	}

	chat, err := b.gw.ResolveModerated(ctx.Context(), "@"+username)
	if err != nil {
		b.log.Info("channel verification failed", zap.Int64("owner", owner), zap.String("channel", username), zap.Error(err))
		return b.reply(ctx, owner, fmt.Sprintf("❌ Could not verify @%s: %v\n\nMake sure the link is right and I am an administrator who can ban users.", username, err), nil)
	}

	count, limit, err := b.mod.AddChannel(ctx.Context(), owner, moderation.Channel{ChatID: chat.ID, Title: chat.Title, Link: link})
	var limitErr *moderation.LimitError
	switch {
	case errors.As(err, &limitErr):
		return b.reply(ctx, owner, fmt.Sprintf("❌ You can moderate at most %d channels. Upgrade to VIP for more.", limitErr.Limit), vipKeyboard(nil))
	case errors.Is(err, moderation.ErrChannelExists):
		return b.reply(ctx, owner, "This channel is already on your list.", nil)
	case errors.Is(err, moderation.ErrUserNotFound):
		return b.reply(ctx, owner, "Send /start first.", nil)
	case err != nil:
		return err
	}
	b.log.Info("moderated channel added", zap.Int64("owner", owner), zap.Int64("chat_id", chat.ID))
	return b.reply(ctx, owner, fmt.Sprintf("✅ %s added (%d/%d).", chat.Title, count, limit), nil)
}

// memberUpdateOf converts a chat_member update for the rule engine.
func memberUpdateOf(cm *telego.ChatMemberUpdated) moderation.MemberUpdate {
	user := cm.NewChatMember.MemberUser()
	return moderation.MemberUpdate{
		ChatID:    cm.Chat.ID,
		ChatType:  cm.Chat.Type,
		UserID:    user.ID,
		Username:  user.Username,
		OldStatus: cm.OldChatMember.MemberStatus(),
		NewStatus: cm.NewChatMember.MemberStatus(),
	}
}

func (b *Bot) handleMemberUpdate(ctx *th.Context, update telego.Update) error {
	ev := memberUpdateOf(update.ChatMember)
	actions, err := b.mod.Decide(ctx.Context(), ev)
	if err != nil {
		return err
	}
	for _, a := range actions {
		if err := b.gw.BanMember(ctx.Context(), a.ChatID, a.UserID); err != nil {
			b.log.Warn("ban member", zap.Int64("chat_id", a.ChatID), zap.Int64("user_id", a.UserID), zap.Error(err))
			continue
		}
		b.log.Info("member banned",
			zap.Int64("chat_id", a.ChatID),
			zap.Int64("user_id", a.UserID),
			zap.Int64("owner", a.OwnerID),
			zap.String("reason", string(a.Reason)))
	}
	return nil
}
