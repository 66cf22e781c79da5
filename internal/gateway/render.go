package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"fundbot/internal/funding"
)

// Callback actions on a funding request.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionCancel  = "cancel"
)

// CallbackPrefix starts every funding request callback.
const CallbackPrefix = "fund:"

// FundingCallback builds the callback data for action on request id.
func FundingCallback(action string, id uint) string {
	return CallbackPrefix + action + ":" + strconv.FormatUint(uint64(id), 10)
}

// ParseFundingCallback is the inverse of FundingCallback.
func ParseFundingCallback(data string) (action string, id uint, ok bool) {
	rest, found := strings.CutPrefix(data, CallbackPrefix)
	if !found {
		return "", 0, false
	}
	action, raw, found := strings.Cut(rest, ":")
	if !found {
		return "", 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return "", 0, false
	}
	switch action {
	case ActionApprove, ActionReject, ActionCancel:
		return action, uint(n), true
	}
	return "", 0, false
}

// RenderEvent returns the message text and controls for a funding event.
func RenderEvent(ev funding.Event) (string, *telego.InlineKeyboardMarkup) {
	r := ev.Request
	target := r.ChatTitle
	if target == "" {
		target = strconv.FormatInt(r.ChatID, 10)
	}

	switch ev.Kind {
	case funding.EventAccepted:
		text := fmt.Sprintf("✅ Request #%d accepted\n\n📢 Chat: %s\n👥 Members: %d\n💰 Charged: %d points\n\nMembers are being added now.",
			r.ID, target, r.RequestedCount, r.CostPoints)
		return text, tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✖️ Cancel").WithCallbackData(FundingCallback(ActionCancel, r.ID)),
		))

	case funding.EventAdminReview:
		text := fmt.Sprintf("🆕 Funding request #%d\n\n👤 User: %d\n📢 Chat: %s (%d, %s)\n👥 Members: %d\n💰 Cost: %d points (%d each)",
			r.ID, r.UserID, target, r.ChatID, r.ChatType, r.RequestedCount, r.CostPoints, r.MemberPrice)
		return text, tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Approve").WithCallbackData(FundingCallback(ActionApprove, r.ID)),
			tu.InlineKeyboardButton("❌ Reject").WithCallbackData(FundingCallback(ActionReject, r.ID)),
		))

	case funding.EventProgress:
		return fmt.Sprintf("⏳ Request #%d: %d/%d members added to %s", r.ID, r.AddedCount, r.RequestedCount, target), nil

	case funding.EventCompleted:
		return fmt.Sprintf("🎉 Request #%d completed: %d members added to %s", r.ID, r.AddedCount, target), nil

	case funding.EventShortfall:
		return fmt.Sprintf("⚠️ Request #%d stopped early: the number pool ran out after %d of %d members. An administrator has been told.",
			r.ID, r.AddedCount, r.RequestedCount), nil

	case funding.EventApproved:
		return fmt.Sprintf("👍 Request #%d was approved by an administrator.", r.ID), nil

	case funding.EventRejected:
		return fmt.Sprintf("🚫 Request #%d was rejected. %d points were returned to your balance.", r.ID, ev.Refund), nil

	case funding.EventCancelled:
		return fmt.Sprintf("✖️ Request #%d cancelled after %d of %d members. %d points were returned to your balance.",
			r.ID, r.AddedCount, r.RequestedCount, ev.Refund), nil
	}
	return fmt.Sprintf("Request #%d: %s", r.ID, ev.Kind), nil
}
