package gateway

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"
)

// maxDiagnostic keeps admin error reports under Telegram's message limit.
const maxDiagnostic = 3500

// From returns the user behind a message or callback update.
func From(update telego.Update) *telego.User {
	switch {
	case update.Message != nil:
		return update.Message.From
	case update.CallbackQuery != nil:
		return &update.CallbackQuery.From
	case update.ChatMember != nil:
		return &update.ChatMember.From
	}
	return nil
}

// ChatOf returns the chat an update should be answered in, or 0.
func ChatOf(update telego.Update) int64 {
	switch {
	case update.Message != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID
	}
	return 0
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Diagnostic formats err for administrators.
func Diagnostic(update telego.Update, err error) string {
	var who int64
	if u := From(update); u != nil {
		who = u.ID
	}
	return Truncate(fmt.Sprintf("⚠️ Bot error\n\nupdate: %d\nuser: %d\n\n%v", update.UpdateID, who, err), maxDiagnostic)
}

// ReportError logs err, apologises to the user and sends admins a
// diagnostic. Delivery failures are only logged.
func (g *Gateway) ReportError(ctx context.Context, update telego.Update, err error, admins []int64) {
	g.log.Error("handler failed", zap.Int("update_id", update.UpdateID), zap.Error(err))

	if chatID := ChatOf(update); chatID != 0 {
		if sendErr := g.SendText(ctx, chatID, "❌ Something went wrong. Please try again later."); sendErr != nil {
			g.log.Warn("send apology", zap.Int64("chat_id", chatID), zap.Error(sendErr))
		}
	}

	text := Diagnostic(update, err)
	for _, admin := range admins {
		if sendErr := g.SendText(ctx, admin, text); sendErr != nil {
			g.log.Warn("send diagnostic", zap.Int64("admin_id", admin), zap.Error(sendErr))
		}
	}
}
