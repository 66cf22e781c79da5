// Package broadcast fans a message out to many users under a send rate.
package broadcast

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mymmrac/telego/telegoapi"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// progressEvery is how many recipients pass between progress callbacks.
const progressEvery = 10

type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	CopyMessage(ctx context.Context, chatID, fromChatID int64, messageID int) error
}

// Message is either plain text or a pointer to an existing message that
// is copied to every recipient. A non-zero MessageID selects copying.
type Message struct {
	Text       string
	FromChatID int64
	MessageID  int
}

func Text(text string) Message { return Message{Text: text} }

func Copy(fromChatID int64, messageID int) Message {
	return Message{FromChatID: fromChatID, MessageID: messageID}
}

func (m Message) deliver(ctx context.Context, s Sender, chatID int64) error {
	if m.MessageID != 0 {
		return s.CopyMessage(ctx, chatID, m.FromChatID, m.MessageID)
	}
	return s.SendText(ctx, chatID, m.Text)
}

// Result counts outcomes. Blocked recipients are kept out of Failed.
type Result struct {
	Sent    int
	Failed  int
	Blocked int
}

func (r Result) Total() int { return r.Sent + r.Failed + r.Blocked }

type Broadcaster struct {
	sender  Sender
	limiter *rate.Limiter
	log     *zap.Logger
}

// New allows perSecond sends per second with no burst beyond one.
func New(sender Sender, perSecond float64, log *zap.Logger) *Broadcaster {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Broadcaster{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:     log,
	}
}

// Send delivers msg to each recipient in order. progress, when set, is
// called every 10 recipients. A cancelled ctx stops the run and returns
// the partial result with ctx's error.
func (b *Broadcaster) Send(ctx context.Context, recipients []int64, msg Message, progress func(Result)) (Result, error) {
	var res Result
	for _, id := range recipients {
		if err := b.limiter.Wait(ctx); err != nil {
			return res, err
		}

		err := msg.deliver(ctx, b.sender, id)
		switch {
		case err == nil:
			res.Sent++
		case IsBlocked(err):
			res.Blocked++
		default:
			res.Failed++
			b.log.Debug("broadcast send failed", zap.Int64("user_id", id), zap.Error(err))
		}

		if progress != nil && res.Total()%progressEvery == 0 {
			progress(res)
		}
	}
	b.log.Info("broadcast finished",
		zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("blocked", res.Blocked))
	return res, nil
}

// IsBlocked reports whether err means the user blocked the bot or is gone.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.ErrorCode == http.StatusForbidden {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blocked") || strings.Contains(msg, "user is deactivated")
}
