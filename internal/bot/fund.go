package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"fundbot/internal/funding"
	"fundbot/internal/gateway"
	"fundbot/internal/ledger"
	"fundbot/internal/models"
	"fundbot/internal/session"
)

const (
	cbFundConfirm = "wizard:fund_confirm"
	cbFundAbort   = "wizard:fund_abort"
)

// Funding wizard steps.
const (
	stepTarget  = "target"
	stepCount   = "count"
	stepConfirm = "confirm"
)

func (b *Bot) handleFundStart(ctx *th.Context, update telego.Update) error {
	return b.userCommand(b.beginFunding)(ctx, update)
}

func (b *Bot) beginFunding(ctx *th.Context, user *models.User) error {
	op := session.Operation{Kind: session.KindFunding, Step: stepTarget}
	if err := b.sessions.Put(ctx.Context(), user.TelegramID, op); err != nil {
		return err
	}
	return b.reply(ctx, user.TelegramID,
		"🚀 Send the link or @username of the group or channel to grow.\n\nI must be an administrator there with the right to invite users. /cancel to stop.")
}

func (b *Bot) fundingInput(ctx *th.Context, msg *telego.Message, op session.Operation) error {
	userID := msg.From.ID
	if _, ok, err := b.admit(ctx, msg.From); !ok {
		if clearErr := b.sessions.Clear(ctx.Context(), userID); clearErr != nil && err == nil {
			err = clearErr
		}
		return err
	}
	text := strings.TrimSpace(msg.Text)

	switch op.Step {
	case stepTarget:
		if text == "" {
			return b.reply(ctx, userID, "Please send the chat link as text.")
		}
		op.Set("target", text)
		op.Step = stepCount
		if err := b.sessions.Put(ctx.Context(), userID, op); err != nil {
			return err
		}
		price, err := b.funding.Price(ctx.Context())
		if err != nil {
			return err
		}
		balance, err := b.ledger.Balance(ctx.Context(), userID)
		if err != nil {
			return err
		}
		return b.reply(ctx, userID, fmt.Sprintf("👥 How many members? Each costs %d points; your balance covers %d.", price, affordable(balance, price)))

	case stepCount:
		count, err := strconv.Atoi(text)
		if err != nil || count <= 0 {
			return b.reply(ctx, userID, "Please send a whole number greater than zero.")
		}
		q, err := b.funding.Quote(ctx.Context(), userID, count, op.Field("target"))
		if reason, ok := describe(err); ok {
			_ = b.sessions.Clear(ctx.Context(), userID)
			return b.reply(ctx, userID, reason)
		}
		if err != nil {
			return err
		}
		op.Set("count", strconv.Itoa(count))
		op.Step = stepConfirm
		if err := b.sessions.Put(ctx.Context(), userID, op); err != nil {
			return err
		}
		summary := fmt.Sprintf("📝 Please confirm\n\n📢 Chat: %s\n👥 Members: %d\n💰 Cost: %d points (%d each)\n💳 Balance after: %d points",
			q.Chat.Title, q.Count, q.Cost, q.Price, q.Balance-q.Cost)
		return b.replyMarkup(ctx, userID, summary, tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Confirm").WithCallbackData(cbFundConfirm),
			tu.InlineKeyboardButton("✖️ Cancel").WithCallbackData(cbFundAbort),
		)))
	}
	return b.reply(ctx, userID, "Press Confirm or Cancel above.")
}

func (b *Bot) handleFundConfirm(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	userID := cq.From.ID

	if _, ok, err := b.admit(ctx, &cq.From); !ok {
		b.answer(ctx, cq, "")
		if clearErr := b.sessions.Clear(ctx.Context(), userID); clearErr != nil && err == nil {
			err = clearErr
		}
		return err
	}

	op, ok, err := b.sessions.Get(ctx.Context(), userID)
	if err != nil {
		return err
	}
	if !ok || op.Kind != session.KindFunding || op.Step != stepConfirm {
		b.answer(ctx, cq, "This order has expired. Start again with /fund.")
		return nil
	}
	if err := b.sessions.Clear(ctx.Context(), userID); err != nil {
		return err
	}

	count, _ := strconv.Atoi(op.Field("count"))
	req, err := b.funding.Submit(ctx.Context(), userID, count, op.Field("target"))
	if text, ok := describe(err); ok {
		b.answer(ctx, cq, "")
		b.editCallback(ctx, cq, text)
		return nil
	}
	if err != nil {
		return err
	}
	b.answer(ctx, cq, fmt.Sprintf("Request #%d submitted", req.ID))
	b.editCallback(ctx, cq, fmt.Sprintf("📨 Request #%d submitted.", req.ID))
	return nil
}

func (b *Bot) handleFundAbort(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	if err := b.sessions.Clear(ctx.Context(), cq.From.ID); err != nil {
		return err
	}
	b.answer(ctx, cq, "")
	b.editCallback(ctx, cq, "✖️ Order cancelled.")
	return nil
}

// handleFundingCallback serves the buttons attached to funding notices: the
// owner's cancel and the administrators' approve and reject.
func (b *Bot) handleFundingCallback(ctx *th.Context, update telego.Update) error {
	cq := update.CallbackQuery
	action, id, ok := gateway.ParseFundingCallback(cq.Data)
	if !ok {
		b.answer(ctx, cq, "")
		return nil
	}

	var (
		req *models.FundingRequest
		err error
	)
	switch action {
	case gateway.ActionCancel:
		req, err = b.funding.Cancel(ctx.Context(), id, cq.From.ID)
	case gateway.ActionApprove, gateway.ActionReject:
		if !b.accounts.IsAdmin(cq.From.ID) {
			b.answer(ctx, cq, "Administrators only.")
			return nil
		}
		if action == gateway.ActionApprove {
			req, err = b.funding.Approve(ctx.Context(), id)
		} else {
			req, err = b.funding.Reject(ctx.Context(), id)
		}
	}
	if text, ok := describe(err); ok {
		b.answer(ctx, cq, text)
		return nil
	}
	if err != nil {
		b.answer(ctx, cq, "")
		return err
	}

	b.log.Info("funding request reviewed", zap.Uint("request_id", id), zap.String("action", action), zap.Int64("by", cq.From.ID))
	b.answer(ctx, cq, fmt.Sprintf("Request #%d is now %s", id, req.Status))
	if action != gateway.ActionCancel {
		text, _ := gateway.RenderEvent(funding.Event{Kind: funding.EventAdminReview, Request: *req})
		b.editCallback(ctx, cq, fmt.Sprintf("%s\n\n%s by %d · added %d", text, strings.ToUpper(string(req.Status)), cq.From.ID, req.AddedCount))
	}
	return nil
}

// describe turns an expected failure into the message shown to the user.
// ok is false for nil and for errors that should reach the error reporter.
func describe(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var balanceErr *ledger.InsufficientBalanceError
	var resourceErr *funding.InsufficientResourcesError
	var statusErr *funding.StatusError
	switch {
	case errors.As(err, &balanceErr):
		return fmt.Sprintf("❌ Not enough points: this needs %d, you have %d.", balanceErr.Required, balanceErr.Available), true
	case errors.As(err, &resourceErr):
		return fmt.Sprintf("❌ Only %d members can be supplied right now; you asked for %d. Try a smaller number.", resourceErr.Available, resourceErr.Required), true
	case errors.As(err, &statusErr):
		return fmt.Sprintf("This request is already %s.", statusErr.Status), true
	case errors.Is(err, funding.ErrInvalidTarget):
		return "❌ I can't use that chat. Send its public link or @username and make sure I'm an administrator who can invite users.\n\n" + err.Error(), true
	case errors.Is(err, funding.ErrInvalidCount):
		return "❌ The number of members must be greater than zero.", true
	case errors.Is(err, funding.ErrBanned):
		return "🚫 Your account is blocked.", true
	case errors.Is(err, funding.ErrFundingDisabled):
		return "⏸ Ordering members is paused right now. Please try later.", true
	case errors.Is(err, funding.ErrNotOwner):
		return "This request belongs to someone else.", true
	case errors.Is(err, funding.ErrNotFound):
		return "Request not found.", true
	}
	return "", false
}
