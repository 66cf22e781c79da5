// Package gateway adapts the Telegram Bot API to the capabilities the rest
// of the bots consume.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"fundbot/internal/funding"
)

var (
	ErrBotNotAdmin   = errors.New("the bot is not an administrator of that chat")
	ErrMissingRights = errors.New("the bot lacks a required administrator right")
)

type Gateway struct {
	bot      *telego.Bot
	selfID   int64
	addDelay time.Duration
	log      *zap.Logger
}

// New wraps bot. addDelay is how long a simulated member addition takes.
func New(ctx context.Context, bot *telego.Bot, addDelay time.Duration, log *zap.Logger) (*Gateway, error) {
	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("get bot identity: %w", err)
	}
	return &Gateway{bot: bot, selfID: me.ID, addDelay: addDelay, log: log}, nil
}

func (g *Gateway) Bot() *telego.Bot { return g.bot }

// ResolveChat finds a funding target the bot can invite users into.
func (g *Gateway) ResolveChat(ctx context.Context, ref string) (funding.Chat, error) {
	return g.resolve(ctx, ref, "invite users", func(a *telego.ChatMemberAdministrator) bool {
		return a.CanInviteUsers
	})
}

// ResolveModerated finds a chat the bot can ban members from.
func (g *Gateway) ResolveModerated(ctx context.Context, ref string) (funding.Chat, error) {
	return g.resolve(ctx, ref, "ban users", func(a *telego.ChatMemberAdministrator) bool {
		return a.CanRestrictMembers
	})
}

// ResolveMandatory finds a chat whose members the bot can look up.
func (g *Gateway) ResolveMandatory(ctx context.Context, ref string) (funding.Chat, error) {
	return g.resolve(ctx, ref, "", func(*telego.ChatMemberAdministrator) bool { return true })
}

func (g *Gateway) resolve(ctx context.Context, ref, right string, has func(*telego.ChatMemberAdministrator) bool) (funding.Chat, error) {
	chatID, err := ParseChatRef(ref)
	if err != nil {
		return funding.Chat{}, err
	}

	info, err := g.bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatID})
	if err != nil {
		return funding.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if info.Type == telego.ChatTypePrivate {
		return funding.Chat{}, fmt.Errorf("%s is a private chat", ref)
	}

	self, err := g.bot.GetChatMember(ctx, &telego.GetChatMemberParams{ChatID: tu.ID(info.ID), UserID: g.selfID})
	if err != nil {
		return funding.Chat{}, fmt.Errorf("get bot membership: %w", err)
	}
	switch m := self.(type) {
	case *telego.ChatMemberOwner:
	case *telego.ChatMemberAdministrator:
		if !has(m) {
			return funding.Chat{}, fmt.Errorf("%w: %s", ErrMissingRights, right)
		}
	default:
		return funding.Chat{}, ErrBotNotAdmin
	}

	title := info.Title
	if title == "" {
		title = info.Username
	}
	return funding.Chat{ID: info.ID, Title: title, Type: info.Type, Username: info.Username}, nil
}

func (g *Gateway) MemberStatus(ctx context.Context, chatID, userID int64) (string, error) {
	m, err := g.bot.GetChatMember(ctx, &telego.GetChatMemberParams{ChatID: tu.ID(chatID), UserID: userID})
	if err != nil {
		return "", err
	}
	return m.MemberStatus(), nil
}

// AddMember simulates adding the account behind identity to chatID.
func (g *Gateway) AddMember(ctx context.Context, chatID int64, identity string) error {
	t := time.NewTimer(g.addDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	g.log.Debug("member added", zap.Int64("chat_id", chatID), zap.String("identity", identity))
	return nil
}

func (g *Gateway) BanMember(ctx context.Context, chatID, userID int64) error {
	return g.bot.BanChatMember(ctx, &telego.BanChatMemberParams{ChatID: tu.ID(chatID), UserID: userID})
}

func (g *Gateway) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := g.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	return err
}

// CopyMessage reposts any message, media included, without a forward header.
func (g *Gateway) CopyMessage(ctx context.Context, chatID, fromChatID int64, messageID int) error {
	_, err := g.bot.CopyMessage(ctx, &telego.CopyMessageParams{
		ChatID:     tu.ID(chatID),
		FromChatID: tu.ID(fromChatID),
		MessageID:  messageID,
	})
	return err
}

// Send posts text with an optional inline keyboard and returns the message id.
func (g *Gateway) Send(ctx context.Context, chatID int64, text string, markup *telego.InlineKeyboardMarkup) (int, error) {
	params := tu.Message(tu.ID(chatID), text)
	if markup != nil {
		params = params.WithReplyMarkup(markup)
	}
	msg, err := g.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (g *Gateway) Edit(ctx context.Context, chatID int64, messageID int, text string, markup *telego.InlineKeyboardMarkup) error {
	params := tu.EditMessageText(tu.ID(chatID), messageID, text)
	if markup != nil {
		params = params.WithReplyMarkup(markup)
	}
	_, err := g.bot.EditMessageText(ctx, params)
	return err
}

// Download fetches an uploaded file's contents.
func (g *Gateway) Download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := g.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	data, err := tu.DownloadFile(g.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	return data, nil
}

// Notify renders a funding event for userID.
func (g *Gateway) Notify(ctx context.Context, userID int64, ev funding.Event) error {
	text, markup := RenderEvent(ev)
	_, err := g.Send(ctx, userID, text, markup)
	return err
}
