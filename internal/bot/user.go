package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"fundbot/internal/accounts"
	"fundbot/internal/models"
	"fundbot/internal/referral"
	"fundbot/internal/settings"
)

const (
	cbCheckJoin  = "check_join"
	cbMenuPrefix = "menu:"

	cbMenuBalance  = cbMenuPrefix + "balance"
	cbMenuHistory  = cbMenuPrefix + "history"
	cbMenuReferral = cbMenuPrefix + "referral"
	cbMenuFund     = cbMenuPrefix + "fund"
	cbMenuRequests = cbMenuPrefix + "requests"
)

const defaultWelcome = "Earn points by inviting friends and spend them to grow your groups and channels."

func mainMenu() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💰 Balance").WithCallbackData(cbMenuBalance),
			tu.InlineKeyboardButton("📜 History").WithCallbackData(cbMenuHistory),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🚀 Get members").WithCallbackData(cbMenuFund),
			tu.InlineKeyboardButton("📋 My requests").WithCallbackData(cbMenuRequests),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🤝 Invite friends").WithCallbackData(cbMenuReferral),
		),
	)
}

func profileOf(u *telego.User) accounts.Profile {
	return accounts.Profile{TelegramID: u.ID, Username: u.Username, FirstName: u.FirstName}
}

// startPayload returns the referral code carried by a /start deep link.
func startPayload(text string) string {
	args := commandArgs(text)
	if len(args) == 0 {
		return ""
	}
	return strings.TrimPrefix(args[0], "ref_")
}

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	from := msg.From
	if from == nil {
		return nil
	}

	if code := startPayload(msg.Text); code != "" {
		if err := b.recordInvite(ctx.Context(), from.ID, code); err != nil {
			return err
		}
	}

	user, ok, err := b.admit(ctx, from)
	if err != nil || !ok {
		return err
	}
	return b.showMenu(ctx, msg.Chat.ID, user)
}

// recordInvite remembers who invited a first-time visitor. Unknown codes
// and repeat visits are ignored.
func (b *Bot) recordInvite(ctx context.Context, invitee int64, code string) error {
	referrer, err := b.referral.Resolve(ctx, code)
	if errors.Is(err, referral.ErrUnknownCode) {
		return nil
	}
	if err != nil {
		return err
	}
	added, err := b.referral.RegisterPending(ctx, invitee, referrer)
	if err != nil {
		return err
	}
	if added {
		b.log.Info("pending referral", zap.Int64("invitee", invitee), zap.Int64("referrer", referrer))
	}
	return nil
}

// admit runs the entry checks every user action goes through: not banned,
// mandatory channels joined, then registration and any pending referral
// credit. ok is false when the user was told why they cannot continue.
func (b *Bot) admit(ctx *th.Context, from *telego.User) (*models.User, bool, error) {
	existing, err := b.accounts.Get(ctx.Context(), from.ID)
	if err != nil && !errors.Is(err, accounts.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil && existing.IsBanned {
		return nil, false, b.reply(ctx, from.ID, "🚫 Your account is blocked.")
	}

	satisfied, missing, err := b.gatekeeper.IsSatisfied(ctx.Context(), from.ID)
	if err != nil {
		return nil, false, err
	}
	if !satisfied {
		return nil, false, b.replyMarkup(ctx, from.ID, joinPrompt(missing), joinKeyboard(missing))
	}

	user, created, err := b.accounts.Register(ctx.Context(), profileOf(from))
	if err != nil {
		return nil, false, err
	}
	if created {
		b.log.Info("user registered", zap.Int64("user_id", from.ID), zap.String("username", from.Username))
	}

	credit, err := b.referral.ApplyPending(ctx.Context(), from.ID)
	if err != nil {
		return nil, false, err
	}
	if credit != nil {
		b.log.Info("referral credited", zap.Int64("referrer", credit.ReferrerID), zap.Int64("invitee", from.ID), zap.Int64("reward", credit.Reward))
		name := from.FirstName
		if from.Username != "" {
			name = "@" + from.Username
		}
		text := fmt.Sprintf("🎉 %s joined with your link. +%d points!", name, credit.Reward)
		if err := b.gw.SendText(ctx.Context(), credit.ReferrerID, text); err != nil {
			b.log.Warn("notify referrer", zap.Int64("referrer", credit.ReferrerID), zap.Error(err))
		}
	}
	return user, true, nil
}

func joinPrompt(missing []models.MandatoryChannel) string {
	var sb strings.Builder
	sb.WriteString("📢 Please join these channels first, then press the button below:\n")
	for _, ch := range missing {
		sb.WriteString("\n• ")
		sb.WriteString(ch.Title)
	}
	return sb.String()
}

func joinKeyboard(missing []models.MandatoryChannel) *telego.InlineKeyboardMarkup {
	var rows [][]telego.InlineKeyboardButton
	for _, ch := range missing {
		link := ch.Link
		if link == "" && ch.Username != "" {
			link = "https://t.me/" + strings.TrimPrefix(ch.Username, "@")
		}
		if link == "" {
			continue
		}
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("➕ "+ch.Title).WithURL(link)))
	}
	rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("✅ I've joined").WithCallbackData(cbCheckJoin)))
	return tu.InlineKeyboard(rows...)
}

func (b *Bot) handleCheckJoin(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	user, ok, err := b.admit(ctx, &cq.From)
	if err != nil || !ok {
		b.answer(ctx, cq, "")
		return err
	}
	b.answer(ctx, cq, "✅ Thanks!")
	return b.showMenu(ctx, cq.From.ID, user)
}

func (b *Bot) showMenu(ctx *th.Context, chatID int64, user *models.User) error {
	welcome, ok, err := b.settings.Get(ctx.Context(), settings.KeyWelcomeText)
	if err != nil {
		return err
	}
	if !ok {
		welcome = defaultWelcome
	}
	text := fmt.Sprintf("Hi, %s! 👋\n\n%s\n\n💰 Balance: %d points", user.FirstName, welcome, user.Balance)
	return b.replyMarkup(ctx, chatID, text, mainMenu())
}

func (b *Bot) handleMenu(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	b.answer(ctx, cq, "")

	user, ok, err := b.admit(ctx, &cq.From)
	if err != nil || !ok {
		return err
	}
	switch cq.Data {
	case cbMenuBalance:
		return b.sendBalance(ctx, user)
	case cbMenuHistory:
		return b.sendHistory(ctx, user)
	case cbMenuReferral:
		return b.sendReferral(ctx, user)
	case cbMenuRequests:
		return b.sendRequests(ctx, user)
	case cbMenuFund:
		return b.beginFunding(ctx, user)
	}
	return nil
}

// userCommand admits the sender of a command and runs fn for them.
func (b *Bot) userCommand(fn func(*th.Context, *models.User) error) th.Handler {
	return func(ctx *th.Context, update telego.Update) error {
		from := update.Message.From
		if from == nil {
			return nil
		}
		user, ok, err := b.admit(ctx, from)
		if err != nil || !ok {
			return err
		}
		return fn(ctx, user)
	}
}

func (b *Bot) handleBalance(ctx *th.Context, update telego.Update) error {
	return b.userCommand(b.sendBalance)(ctx, update)
}

func (b *Bot) handleHistory(ctx *th.Context, update telego.Update) error {
	return b.userCommand(b.sendHistory)(ctx, update)
}

func (b *Bot) handleReferral(ctx *th.Context, update telego.Update) error {
	return b.userCommand(b.sendReferral)(ctx, update)
}

func (b *Bot) handleRequests(ctx *th.Context, update telego.Update) error {
	return b.userCommand(b.sendRequests)(ctx, update)
}

func (b *Bot) sendBalance(ctx *th.Context, user *models.User) error {
	balance, err := b.ledger.Balance(ctx.Context(), user.TelegramID)
	if err != nil {
		return err
	}
	price, err := b.funding.Price(ctx.Context())
	if err != nil {
		return err
	}
	text := fmt.Sprintf("💰 Balance: %d points\n👥 Members funded so far: %d\n\nOne member costs %d points, so you can order up to %d.",
		balance, user.FundedMembers, price, affordable(balance, price))
	return b.reply(ctx, user.TelegramID, text)
}

func affordable(balance, price int64) int64 {
	if price <= 0 {
		return 0
	}
	return balance / price
}

// historyLimit is how many ledger entries /history shows.
const historyLimit = 10

func (b *Bot) sendHistory(ctx *th.Context, user *models.User) error {
	entries, err := b.ledger.History(ctx.Context(), user.TelegramID)
	if err != nil {
		return err
	}
	return b.reply(ctx, user.TelegramID, formatHistory(entries, historyLimit))
}

func formatHistory(entries []models.LedgerEntry, limit int) string {
	if len(entries) == 0 {
		return "📜 No points movements yet."
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	var sb strings.Builder
	sb.WriteString("📜 Recent movements:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n%s %+d (%s) → %d", e.CreatedAt.Format("02.01 15:04"), e.Amount, categoryLabel(e.Category), e.BalanceAfter)
		if e.Description != "" {
			fmt.Fprintf(&sb, "\n   %s", e.Description)
		}
	}
	return sb.String()
}

func categoryLabel(c models.LedgerCategory) string {
	switch c {
	case models.CategoryFundingDebit:
		return "funding"
	case models.CategoryReferralReward:
		return "referral"
	case models.CategoryAdminAdjustment:
		return "admin"
	case models.CategoryRefund:
		return "refund"
	}
	return string(c)
}

func (b *Bot) sendReferral(ctx *th.Context, user *models.User) error {
	st, err := b.referral.Stats(ctx.Context(), user.TelegramID)
	if err != nil {
		return err
	}
	reward, err := b.referral.Reward(ctx.Context())
	if err != nil {
		return err
	}
	link := fmt.Sprintf("https://t.me/%s?start=%s", b.username, st.Code)
	text := fmt.Sprintf("🤝 Invite friends and get %d points for each one who joins.\n\n👥 Invited: %d\n⏳ Waiting to join channels: %d\n👆 Link opens: %d\n💰 Earned: %d points\n\n🔗 Your link:\n%s",
		reward, st.Referrals, st.Pending, st.Clicks, st.Earned, link)
	return b.reply(ctx, user.TelegramID, text)
}

// requestsLimit is how many requests /requests lists.
const requestsLimit = 10

func (b *Bot) sendRequests(ctx *th.Context, user *models.User) error {
	reqs, err := b.funding.ListByUser(ctx.Context(), user.TelegramID, requestsLimit)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return b.reply(ctx, user.TelegramID, "📋 You have no funding requests yet.")
	}
	var sb strings.Builder
	sb.WriteString("📋 Your requests:\n")
	for _, r := range reqs {
		fmt.Fprintf(&sb, "\n#%d %s: %d/%d, %s", r.ID, r.ChatTitle, r.AddedCount, r.RequestedCount, r.Status)
	}
	return b.reply(ctx, user.TelegramID, sb.String())
}
