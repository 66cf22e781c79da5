// Package modbot is the Telegram front end of the channel moderation
// subscription.
package modbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"fundbot/internal/accounts"
	"fundbot/internal/broadcast"
	"fundbot/internal/gateway"
	"fundbot/internal/moderation"
	"fundbot/internal/session"
	"fundbot/internal/settings"
)

type Deps struct {
	Gateway     *gateway.Gateway
	Accounts    *accounts.Service
	Moderation  *moderation.Service
	Settings    *settings.Store
	Sessions    *session.Store
	Broadcaster *broadcast.Broadcaster
	VIPPrice    int64
	Log         *zap.Logger
}

type Bot struct {
	Instance *telego.Bot

	gw          *gateway.Gateway
	accounts    *accounts.Service
	mod         *moderation.Service
	settings    *settings.Store
	sessions    *session.Store
	broadcaster *broadcast.Broadcaster
	vipPrice    int64
	log         *zap.Logger

	base context.Context
}

func NewBot(d Deps) *Bot {
	return &Bot{
		Instance:    d.Gateway.Bot(),
		gw:          d.Gateway,
		accounts:    d.Accounts,
		mod:         d.Moderation,
		settings:    d.Settings,
		sessions:    d.Sessions,
		broadcaster: d.Broadcaster,
		vipPrice:    d.VIPPrice,
		log:         d.Log,
	}
}

func (b *Bot) Start(ctx context.Context) error {
	b.base = ctx
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		AllowedUpdates: []string{"message", "callback_query", "chat_member"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("create bot handler: %w", err)
	}
	b.register(handler)

	go func() {
		<-ctx.Done()
		if err := handler.Stop(); err != nil {
			b.log.Warn("stop bot handler", zap.Error(err))
		}
	}()

	b.log.Info("moderation bot started")
	return handler.Start()
}

func (b *Bot) register(h *th.BotHandler) {
	private := isPrivate()
	admin := b.isAdmin()

	h.Handle(b.wrap(b.handleMemberUpdate), anyChatMember())

	h.Handle(b.wrap(b.handleStart), th.And(private, th.CommandEqual("start")))
	h.Handle(b.wrap(b.handleCancel), th.And(private, th.CommandEqual("cancel")))

	h.Handle(b.wrap(b.handleStats), th.And(private, admin, th.CommandEqual("stats")))
	h.Handle(b.wrap(b.handleActivateVIP), th.And(private, admin, th.CommandEqual("vip")))
	h.Handle(b.wrap(b.handleSetPrice), th.And(private, admin, th.CommandEqual("price")))
	h.Handle(b.wrap(b.handleBroadcast), th.And(private, admin, th.CommandEqual("broadcast")))

	h.Handle(b.wrap(b.handleCallback), th.CallbackDataPrefix(cbPrefix))
	h.Handle(b.wrap(b.handleUnknownCallback), th.AnyCallbackQuery())

	h.Handle(b.wrap(b.handleInput), th.And(private, th.AnyMessage()))
}

func (b *Bot) wrap(fn th.Handler) th.Handler {
	return func(ctx *th.Context, update telego.Update) error {
		if err := fn(ctx, update); err != nil {
			b.gw.ReportError(ctx.Context(), update, err, b.accounts.AdminIDs())
		}
		return nil
	}
}

func isPrivate() th.Predicate {
	return func(_ context.Context, update telego.Update) bool {
		return update.Message != nil && update.Message.Chat.Type == telego.ChatTypePrivate
	}
}

func anyChatMember() th.Predicate {
	return func(_ context.Context, update telego.Update) bool {
		return update.ChatMember != nil
	}
}

func (b *Bot) isAdmin() th.Predicate {
	return func(_ context.Context, update telego.Update) bool {
		from := gateway.From(update)
		return from != nil && b.accounts.IsAdmin(from.ID)
	}
}

func (b *Bot) reply(ctx *th.Context, chatID int64, text string, markup *telego.InlineKeyboardMarkup) error {
	params := tu.Message(tu.ID(chatID), text)
	if markup != nil {
		params = params.WithReplyMarkup(markup)
	}
	_, err := ctx.Bot().SendMessage(ctx.Context(), params)
	return err
}

func (b *Bot) answer(ctx *th.Context, cq *telego.CallbackQuery, text string) {
	params := tu.CallbackQuery(cq.ID)
	if text != "" {
		params = params.WithText(text)
	}
	if err := ctx.Bot().AnswerCallbackQuery(ctx.Context(), params); err != nil {
		b.log.Debug("answer callback", zap.Error(err))
	}
}

// show replaces the callback's message, or sends a new one when the
// original is no longer accessible.
func (b *Bot) show(ctx *th.Context, cq *telego.CallbackQuery, text string, markup *telego.InlineKeyboardMarkup) error {
	if cq.Message == nil || !cq.Message.IsAccessible() {
		return b.reply(ctx, cq.From.ID, text, markup)
	}
	return b.gw.Edit(ctx.Context(), cq.Message.GetChat().ID, cq.Message.GetMessageID(), text, markup)
}

func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}
