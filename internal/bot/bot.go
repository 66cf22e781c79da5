package bot

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
	"fundbot/internal/funding"
	"fundbot/internal/gatekeeper"
	"fundbot/internal/gateway"
	"fundbot/internal/ledger"
	"fundbot/internal/pool"
	"fundbot/internal/referral"
	"fundbot/internal/session"
	"fundbot/internal/settings"
)

type Deps struct {
	Gateway     *gateway.Gateway
	Accounts    *accounts.Service
	Ledger      *ledger.Ledger
	Referral    *referral.Registry
	Funding     *funding.Orchestrator
	Gatekeeper  *gatekeeper.Gatekeeper
	Pool        *pool.Pool
	Settings    *settings.Store
	Sessions    *session.Store
	Broadcaster *broadcast.Broadcaster
	Log         *zap.Logger
}

type Bot struct {
	Instance *telego.Bot
	username string

	gw          *gateway.Gateway
	accounts    *accounts.Service
	ledger      *ledger.Ledger
	referral    *referral.Registry
	funding     *funding.Orchestrator
	gatekeeper  *gatekeeper.Gatekeeper
	pool        *pool.Pool
	settings    *settings.Store
	sessions    *session.Store
	broadcaster *broadcast.Broadcaster
	log         *zap.Logger

	// base outlives single updates; broadcasts run on it.
	base context.Context
}

func NewBot(ctx context.Context, d Deps) (*Bot, error) {
	me, err := d.Gateway.Bot().GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	return &Bot{
		Instance:    d.Gateway.Bot(),
		username:    me.Username,
		gw:          d.Gateway,
		accounts:    d.Accounts,
		ledger:      d.Ledger,
		referral:    d.Referral,
		funding:     d.Funding,
		gatekeeper:  d.Gatekeeper,
		pool:        d.Pool,
		settings:    d.Settings,
		sessions:    d.Sessions,
		broadcaster: d.Broadcaster,
		log:         d.Log,
	}, nil
}

// Start polls for updates and dispatches them until ctx ends.
func (b *Bot) Start(ctx context.Context) error {
	b.base = ctx
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		AllowedUpdates: []string{"message", "callback_query"},
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

	b.log.Info("fund bot started", zap.String("username", b.username))
	return handler.Start()
}

func (b *Bot) register(h *th.BotHandler) {
	private := isPrivate()
	admin := b.isAdmin()

	// User commands.
	h.Handle(b.wrap(b.handleStart), th.And(private, th.CommandEqual("start")))
	h.Handle(b.wrap(b.handleCancelWizard), th.And(private, th.CommandEqual("cancel")))
	h.Handle(b.wrap(b.handleBalance), th.And(private, th.CommandEqual("balance")))
	h.Handle(b.wrap(b.handleHistory), th.And(private, th.CommandEqual("history")))
	h.Handle(b.wrap(b.handleReferral), th.And(private, th.CommandEqual("referral")))
	h.Handle(b.wrap(b.handleRequests), th.And(private, th.CommandEqual("requests")))
	h.Handle(b.wrap(b.handleFundStart), th.And(private, th.CommandEqual("fund")))

	// Admin commands.
	h.Handle(b.wrap(b.handleAdminPanel), th.And(private, admin, th.CommandEqual("admin")))
	h.Handle(b.wrap(b.handleCredit), th.And(private, admin, th.CommandEqual("credit")))
	h.Handle(b.wrap(b.handleBan(true)), th.And(private, admin, th.CommandEqual("ban")))
	h.Handle(b.wrap(b.handleBan(false)), th.And(private, admin, th.CommandEqual("unban")))
	h.Handle(b.wrap(b.handleUserInfo), th.And(private, admin, th.CommandEqual("user")))
	h.Handle(b.wrap(b.handleSetInt(settings.KeyMemberPrice, "Member price")), th.And(private, admin, th.CommandEqual("price")))
	h.Handle(b.wrap(b.handleSetInt(settings.KeyReferralReward, "Referral reward")), th.And(private, admin, th.CommandEqual("reward")))
	h.Handle(b.wrap(b.handleFundingSwitch), th.And(private, admin, th.CommandEqual("funding")))
	h.Handle(b.wrap(b.handleWelcome), th.And(private, admin, th.CommandEqual("welcome")))
	h.Handle(b.wrap(b.handleAddMandatory), th.And(private, admin, th.CommandEqual("addchannel")))
	h.Handle(b.wrap(b.handleRemoveMandatory), th.And(private, admin, th.CommandEqual("delchannel")))
	h.Handle(b.wrap(b.handleListMandatory), th.And(private, admin, th.CommandEqual("channels")))
	h.Handle(b.wrap(b.handleNumbersStart), th.And(private, admin, th.CommandEqual("numbers")))
	h.Handle(b.wrap(b.handlePoolStats), th.And(private, admin, th.CommandEqual("pool")))
	h.Handle(b.wrap(b.handleBroadcastStart), th.And(private, admin, th.CommandEqual("broadcast")))

	// Callbacks.
	h.Handle(b.wrap(b.handleCheckJoin), th.CallbackDataEqual(cbCheckJoin))
	h.Handle(b.wrap(b.handleMenu), th.CallbackDataPrefix(cbMenuPrefix))
	h.Handle(b.wrap(b.handleFundConfirm), th.CallbackDataEqual(cbFundConfirm))
	h.Handle(b.wrap(b.handleFundAbort), th.CallbackDataEqual(cbFundAbort))
	h.Handle(b.wrap(b.handleFundingCallback), th.CallbackDataPrefix(gateway.CallbackPrefix))
	h.Handle(b.wrap(b.handleBroadcastConfirm), th.And(admin, th.CallbackDataEqual(cbBroadcastConfirm)))
	h.Handle(b.wrap(b.handleBroadcastAbort), th.And(admin, th.CallbackDataEqual(cbBroadcastAbort)))
	h.Handle(b.wrap(b.handleUnknownCallback), th.AnyCallbackQuery())

	// Wizard input goes last so commands always win.
	h.Handle(b.wrap(b.handleWizardInput), th.And(private, th.AnyMessage()))
}

// wrap routes handler errors to the error reporter instead of the
// handler's default logging.
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

func (b *Bot) isAdmin() th.Predicate {
	return func(_ context.Context, update telego.Update) bool {
		from := gateway.From(update)
		return from != nil && b.accounts.IsAdmin(from.ID)
	}
}

func (b *Bot) reply(ctx *th.Context, chatID int64, text string) error {
	_, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(chatID), text))
	return err
}

func (b *Bot) replyMarkup(ctx *th.Context, chatID int64, text string, markup *telego.InlineKeyboardMarkup) error {
	_, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(chatID), text).WithReplyMarkup(markup))
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

// editCallback replaces the text of the message a callback came from.
func (b *Bot) editCallback(ctx *th.Context, cq *telego.CallbackQuery, text string) {
	if cq.Message == nil || !cq.Message.IsAccessible() {
		_ = b.reply(ctx, cq.From.ID, text)
		return
	}
	msg := cq.Message.GetChat()
	if err := b.gw.Edit(ctx.Context(), msg.ID, cq.Message.GetMessageID(), text, nil); err != nil {
		b.log.Debug("edit callback message", zap.Error(err))
	}
}

// commandArgs returns the words after the command.
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}
