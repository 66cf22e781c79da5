package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"fundbot/internal/accounts"
	"fundbot/internal/broadcast"
	"fundbot/internal/gatekeeper"
	"fundbot/internal/ledger"
	"fundbot/internal/models"
	"fundbot/internal/pool"
	"fundbot/internal/session"
	"fundbot/internal/settings"
)

const (
	cbBroadcastConfirm = "wizard:bc_confirm"
	cbBroadcastAbort   = "wizard:bc_abort"
)

// maxUploadBytes is the largest number list accepted as a document.
const maxUploadBytes = 5 << 20

const adminHelp = `🛠 Admin commands

/credit <user_id> <amount> [note]  add or remove points
/ban <user_id>, /unban <user_id>
/user <user_id>  account details
/price <points>  cost of one member
/reward <points>  referral reward
/funding on|off
/welcome <text>  start message
/addchannel <link>, /delchannel <chat_id>, /channels  mandatory channels
/numbers  upload phone numbers
/pool  number pool status
/broadcast  message every user`

func (b *Bot) handleAdminPanel(ctx *th.Context, update telego.Update) error {
	c := ctx.Context()
	users, err := b.accounts.Stats(c)
	if err != nil {
		return err
	}
	numbers, err := b.pool.Stats(c)
	if err != nil {
		return err
	}
	requests, err := b.funding.Stats(c)
	if err != nil {
		return err
	}
	price, err := b.funding.Price(c)
	if err != nil {
		return err
	}
	reward, err := b.referral.Reward(c)
	if err != nil {
		return err
	}
	enabled, err := b.settings.Bool(c, settings.KeyFundingEnabled, true)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("📊 Statistics\n\n👤 Users: %d (today %d, banned %d)\n📱 Numbers: %d unused of %d\n🚀 Requests: %d open, %d completed, %d members added\n\n💰 Member price: %d\n🤝 Referral reward: %d\n⚙️ Funding enabled: %t\n\n%s",
		users.Total, users.NewToday, users.Banned,
		numbers.Unused, numbers.Total,
		requests.Open, requests.Completed, requests.Added,
		price, reward, enabled, adminHelp)
	return b.reply(ctx, update.Message.Chat.ID, text)
}

// creditArgs parses "/credit <user_id> <amount> [note...]".
func creditArgs(text string) (userID, amount int64, note string, err error) {
	args := commandArgs(text)
	if len(args) < 2 {
		return 0, 0, "", errors.New("usage: /credit <user_id> <amount> [note]")
	}
	if userID, err = strconv.ParseInt(args[0], 10, 64); err != nil {
		return 0, 0, "", fmt.Errorf("bad user id %q", args[0])
	}
	if amount, err = strconv.ParseInt(args[1], 10, 64); err != nil || amount == 0 {
		return 0, 0, "", fmt.Errorf("bad amount %q", args[1])
	}
	note = strings.Join(args[2:], " ")
	if note == "" {
		note = "adjusted by administrator"
	}
	return userID, amount, note, nil
}

func (b *Bot) handleCredit(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	userID, amount, note, err := creditArgs(msg.Text)
	if err != nil {
		return b.reply(ctx, msg.Chat.ID, err.Error())
	}

	entry, err := b.ledger.Adjust(ctx.Context(), userID, amount, models.CategoryAdminAdjustment, note)
	var balanceErr *ledger.InsufficientBalanceError
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("User %d not found.", userID))
	case errors.As(err, &balanceErr):
		return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("User %d has only %d points; cannot remove %d.", userID, balanceErr.Available, balanceErr.Required))
	case err != nil:
		return err
	}

	b.log.Info("admin adjustment", zap.Int64("admin", msg.From.ID), zap.Int64("user_id", userID), zap.Int64("amount", amount))
	if err := b.gw.SendText(ctx.Context(), userID, fmt.Sprintf("💰 Your balance changed by %+d points: %s\nNew balance: %d", amount, note, entry.BalanceAfter)); err != nil {
		b.log.Warn("notify adjusted user", zap.Int64("user_id", userID), zap.Error(err))
	}
	return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ User %d: %+d points, balance %d.", userID, amount, entry.BalanceAfter))
}

func singleID(text string) (int64, bool) {
	args := commandArgs(text)
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	return id, err == nil
}

func (b *Bot) handleBan(banned bool) th.Handler {
	return func(ctx *th.Context, update telego.Update) error {
		msg := update.Message
		id, ok := singleID(msg.Text)
		if !ok {
			return b.reply(ctx, msg.Chat.ID, "usage: /ban <user_id> or /unban <user_id>")
		}
		if banned && b.accounts.IsAdmin(id) {
			return b.reply(ctx, msg.Chat.ID, "Administrators cannot be banned.")
		}
		err := b.accounts.SetBanned(ctx.Context(), id, banned)
		if errors.Is(err, accounts.ErrNotFound) {
			return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("User %d not found.", id))
		}
		if err != nil {
			return err
		}
		b.log.Info("ban changed", zap.Int64("admin", msg.From.ID), zap.Int64("user_id", id), zap.Bool("banned", banned))
		verb := "unbanned"
		if banned {
			verb = "banned"
		}
		return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ User %d %s.", id, verb))
	}
}

func (b *Bot) handleUserInfo(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	id, ok := singleID(msg.Text)
	if !ok {
		return b.reply(ctx, msg.Chat.ID, "usage: /user <user_id>")
	}
	u, err := b.accounts.Get(ctx.Context(), id)
	if errors.Is(err, accounts.ErrNotFound) {
		return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("User %d not found.", id))
	}
	if err != nil {
		return err
	}
	referrer := "none"
	if u.ReferrerID != nil {
		referrer = strconv.FormatInt(*u.ReferrerID, 10)
	}
	text := fmt.Sprintf("👤 %d @%s (%s)\n💰 Balance: %d\n🤝 Referrals: %d, invited by %s\n👥 Funded members: %d\n🚫 Banned: %t\n📅 Joined %s, last seen %s",
		u.TelegramID, u.Username, u.FirstName, u.Balance, u.ReferralCount, referrer, u.FundedMembers, u.IsBanned,
		u.CreatedAt.Format("02.01.2006"), u.LastActiveAt.Format("02.01.2006 15:04"))
	return b.reply(ctx, msg.Chat.ID, text)
}

func (b *Bot) handleSetInt(key, label string) th.Handler {
	return func(ctx *th.Context, update telego.Update) error {
		msg := update.Message
		args := commandArgs(msg.Text)
		if len(args) != 1 {
			return b.reply(ctx, msg.Chat.ID, "Send the new value after the command.")
		}
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n < 1 {
			return b.reply(ctx, msg.Chat.ID, "The value must be a whole number of at least 1.")
		}
		if err := b.settings.SetInt(ctx.Context(), key, n); err != nil {
			return err
		}
		b.log.Info("setting changed", zap.String("key", key), zap.Int64("value", n), zap.Int64("admin", msg.From.ID))
		return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ %s set to %d.", label, n))
	}
}

func (b *Bot) handleFundingSwitch(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	args := commandArgs(msg.Text)
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return b.reply(ctx, msg.Chat.ID, "usage: /funding on|off")
	}
	if err := b.settings.Set(ctx.Context(), settings.KeyFundingEnabled, strconv.FormatBool(args[0] == "on")); err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, "✅ Funding is now "+args[0]+".")
}

func (b *Bot) handleWelcome(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	text := strings.TrimSpace(strings.TrimPrefix(msg.Text, strings.Fields(msg.Text)[0]))
	if text == "" {
		return b.reply(ctx, msg.Chat.ID, "usage: /welcome <text>")
	}
	if err := b.settings.Set(ctx.Context(), settings.KeyWelcomeText, text); err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, "✅ Welcome text updated.")
}

func (b *Bot) handleAddMandatory(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	args := commandArgs(msg.Text)
	if len(args) < 1 {
		return b.reply(ctx, msg.Chat.ID, "usage: /addchannel <link or @username> [invite link]")
	}
	chat, err := b.gw.ResolveMandatory(ctx.Context(), args[0])
	if err != nil {
		return b.reply(ctx, msg.Chat.ID, "❌ "+err.Error())
	}
	link := ""
	if len(args) > 1 {
		link = args[1]
	} else if chat.Username != "" {
		link = "https://t.me/" + chat.Username
	}
	ch := models.MandatoryChannel{ChatID: chat.ID, Title: chat.Title, Username: chat.Username, Link: link}
	if err := b.gatekeeper.AddCondition(ctx.Context(), ch); err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ %s (%d) is now mandatory.", chat.Title, chat.ID))
}

func (b *Bot) handleRemoveMandatory(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	id, ok := singleID(msg.Text)
	if !ok {
		return b.reply(ctx, msg.Chat.ID, "usage: /delchannel <chat_id>")
	}
	err := b.gatekeeper.RemoveCondition(ctx.Context(), id)
	if errors.Is(err, gatekeeper.ErrChannelNotFound) {
		return b.reply(ctx, msg.Chat.ID, "That channel is not mandatory.")
	}
	if err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, "✅ Channel removed.")
}

func (b *Bot) handleListMandatory(ctx *th.Context, update telego.Update) error {
	chans, err := b.gatekeeper.ListActive(ctx.Context())
	if err != nil {
		return err
	}
	if len(chans) == 0 {
		return b.reply(ctx, update.Message.Chat.ID, "No mandatory channels.")
	}
	var sb strings.Builder
	sb.WriteString("📢 Mandatory channels:\n")
	for _, ch := range chans {
		fmt.Fprintf(&sb, "\n%d  %s  %s", ch.ChatID, ch.Title, ch.Link)
	}
	return b.reply(ctx, update.Message.Chat.ID, sb.String())
}

func (b *Bot) handleNumbersStart(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	if err := b.sessions.Put(ctx.Context(), msg.From.ID, session.Operation{Kind: session.KindUploadNumbers}); err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, "📱 Send a .txt file or paste the numbers, one per line. /cancel to stop.")
}

func (b *Bot) numbersInput(ctx *th.Context, msg *telego.Message) error {
	text := msg.Text
	if msg.Document != nil {
		if msg.Document.FileSize > maxUploadBytes {
			return b.reply(ctx, msg.Chat.ID, "❌ The file is too large.")
		}
		data, err := b.gw.Download(ctx.Context(), msg.Document.FileID)
		if err != nil {
			return err
		}
		text = string(data)
	}

	values := pool.ParseUpload(text)
	if len(values) == 0 {
		return b.reply(ctx, msg.Chat.ID, "No phone numbers found. Send another file or /cancel.")
	}
	accepted, duplicates, err := b.pool.Ingest(ctx.Context(), msg.From.ID, values)
	if err != nil {
		return err
	}
	if err := b.sessions.Clear(ctx.Context(), msg.From.ID); err != nil {
		return err
	}
	unused, err := b.pool.UnusedCount(ctx.Context())
	if err != nil {
		return err
	}
	b.log.Info("numbers uploaded", zap.Int64("admin", msg.From.ID), zap.Int("accepted", accepted), zap.Int("duplicates", duplicates))
	return b.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ Added %d numbers, skipped %d duplicates.\n📱 Unused in pool: %d", accepted, duplicates, unused))
}

func (b *Bot) handlePoolStats(ctx *th.Context, update telego.Update) error {
	st, err := b.pool.Stats(ctx.Context())
	if err != nil {
		return err
	}
	return b.reply(ctx, update.Message.Chat.ID, fmt.Sprintf("📱 Numbers: %d total, %d used, %d unused", st.Total, st.Used, st.Unused))
}

func (b *Bot) handleBroadcastStart(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	if err := b.sessions.Put(ctx.Context(), msg.From.ID, session.Operation{Kind: session.KindBroadcast}); err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, "📢 Send the message to broadcast. /cancel to stop.")
}

func (b *Bot) broadcastInput(ctx *th.Context, msg *telego.Message, op session.Operation) error {
	op.Set("from_chat", strconv.FormatInt(msg.Chat.ID, 10))
	op.Set("message_id", strconv.Itoa(msg.MessageID))
	if err := b.sessions.Put(ctx.Context(), msg.From.ID, op); err != nil {
		return err
	}
	params := tu.Message(tu.ID(msg.Chat.ID), "Send this message to every user?").
		WithReplyParameters(&telego.ReplyParameters{MessageID: msg.MessageID}).
		WithReplyMarkup(tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Send").WithCallbackData(cbBroadcastConfirm),
			tu.InlineKeyboardButton("✖️ Cancel").WithCallbackData(cbBroadcastAbort),
		)))
	_, err := ctx.Bot().SendMessage(ctx.Context(), params)
	return err
}

// broadcastMessage returns the message a broadcast wizard captured.
func broadcastMessage(op session.Operation) (broadcast.Message, bool) {
	from, err := strconv.ParseInt(op.Field("from_chat"), 10, 64)
	if err != nil {
		return broadcast.Message{}, false
	}
	id, err := strconv.Atoi(op.Field("message_id"))
	if err != nil || id == 0 {
		return broadcast.Message{}, false
	}
	return broadcast.Copy(from, id), true
}

func (b *Bot) handleBroadcastConfirm(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	op, ok, err := b.sessions.Get(ctx.Context(), cq.From.ID)
	if err != nil {
		return err
	}
	var message broadcast.Message
	if ok && op.Kind == session.KindBroadcast {
		message, ok = broadcastMessage(op)
	}
	if !ok {
		b.answer(ctx, cq, "Nothing to send.")
		return nil
	}
	if err := b.sessions.Clear(ctx.Context(), cq.From.ID); err != nil {
		return err
	}
	recipients, err := b.accounts.ListIDs(ctx.Context())
	if err != nil {
		return err
	}
	b.answer(ctx, cq, "")

	statusID, err := b.gw.Send(ctx.Context(), cq.From.ID, fmt.Sprintf("📤 Sending to %d users...", len(recipients)), nil)
	if err != nil {
		return err
	}
	go b.runBroadcast(cq.From.ID, statusID, recipients, message)
	return nil
}

func (b *Bot) runBroadcast(adminID int64, statusID int, recipients []int64, message broadcast.Message) {
	ctx := b.base
	if ctx == nil {
		ctx = context.Background()
	}
	progress := func(r broadcast.Result) {
		line := fmt.Sprintf("📤 %d/%d\n✅ Sent: %d\n❌ Failed: %d\n🚫 Blocked: %d", r.Total(), len(recipients), r.Sent, r.Failed, r.Blocked)
		if err := b.gw.Edit(ctx, adminID, statusID, line, nil); err != nil {
			b.log.Debug("broadcast progress", zap.Error(err))
		}
	}
	res, err := b.broadcaster.Send(ctx, recipients, message, progress)
	summary := fmt.Sprintf("✅ Broadcast finished\n\n✅ Sent: %d\n❌ Failed: %d\n🚫 Blocked: %d", res.Sent, res.Failed, res.Blocked)
	if err != nil {
		summary = fmt.Sprintf("⚠️ Broadcast stopped: %v\n\n✅ Sent: %d\n❌ Failed: %d\n🚫 Blocked: %d", err, res.Sent, res.Failed, res.Blocked)
	}
	if err := b.gw.SendText(context.Background(), adminID, summary); err != nil {
		b.log.Warn("broadcast summary", zap.Error(err))
	}
}

func (b *Bot) handleBroadcastAbort(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	if err := b.sessions.Clear(ctx.Context(), cq.From.ID); err != nil {
		return err
	}
	b.answer(ctx, cq, "")
	b.editCallback(ctx, cq, "✖️ Broadcast cancelled.")
	return nil
}

func (b *Bot) handleCancelWizard(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	if err := b.sessions.Clear(ctx.Context(), msg.From.ID); err != nil {
		return err
	}
	return b.reply(ctx, msg.Chat.ID, "✖️ Cancelled.")
}

func (b *Bot) handleUnknownCallback(ctx *th.Context, update telego.Update) error {
	b.answer(ctx, update.CallbackQuery, "")
	return nil
}

// handleWizardInput feeds a free-form message to the sender's pending
// wizard, if any.
func (b *Bot) handleWizardInput(ctx *th.Context, update telego.Update) error {
	msg := update.Message
	if msg.From == nil {
		return nil
	}
	op, ok, err := b.sessions.Get(ctx.Context(), msg.From.ID)
	if err != nil || !ok {
		return err
	}

	switch op.Kind {
	case session.KindFunding:
		return b.fundingInput(ctx, msg, op)
	case session.KindUploadNumbers, session.KindBroadcast:
		// Admin wizards re-check the sender in case rights were revoked.
		if !b.accounts.IsAdmin(msg.From.ID) {
			return b.sessions.Clear(ctx.Context(), msg.From.ID)
		}
		if op.Kind == session.KindUploadNumbers {
			return b.numbersInput(ctx, msg)
		}
		return b.broadcastInput(ctx, msg, op)
	}
	return b.sessions.Clear(ctx.Context(), msg.From.ID)
}
