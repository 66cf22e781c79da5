package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fundbot/internal/moderation"
)

type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Checker warns VIP subscribers a day before expiry and downgrades them
// once the subscription has run out.
type Checker struct {
	Moderation *moderation.Service
	Redis      *redis.Client
	Sender     Sender
	Log        *zap.Logger
	Every      time.Duration
	now        func() time.Time
}

func NewChecker(mod *moderation.Service, rdb *redis.Client, sender Sender, log *zap.Logger, every time.Duration) *Checker {
	if every <= 0 {
		every = time.Hour
	}
	return &Checker{
		Moderation: mod,
		Redis:      rdb,
		Sender:     sender,
		Log:        log,
		Every:      every,
		now:        time.Now,
	}
}

// Start runs a cycle immediately and then on every tick until ctx ends.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.Every)
	defer ticker.Stop()
	c.Log.Info("expiry worker started", zap.Duration("every", c.Every))

	c.checkSubscriptions(ctx)
	for {
		select {
		case <-ctx.Done():
			c.Log.Info("expiry worker stopped")
			return
		case <-ticker.C:
			c.checkSubscriptions(ctx)
		}
	}
}

func (c *Checker) checkSubscriptions(ctx context.Context) {
	now := c.now()

	// Expiring in [23, 25] hours
	expiringSoon, err := c.Moderation.ExpiringVIP(ctx, now.Add(23*time.Hour), now.Add(25*time.Hour))
	if err != nil {
		c.Log.Error("query expiring subscriptions", zap.Error(err))
	}
	for _, u := range expiringSoon {
		key := fmt.Sprintf("modbot:notified_24h:%d", u.TelegramID)
		// SetNX claims the notice so a second worker or cycle skips it.
		claimed, err := c.Redis.SetNX(ctx, key, "1", 48*time.Hour).Result()
		if err != nil {
			c.Log.Warn("claim expiry notice", zap.Int64("user_id", u.TelegramID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		msg := "⚠️ Your VIP subscription expires in 24 hours. Renew it to keep moderating your channels."
		if err := c.Sender.SendText(ctx, u.TelegramID, msg); err != nil {
			c.Redis.Del(ctx, key)
			c.Log.Warn("send expiry notice", zap.Int64("user_id", u.TelegramID), zap.Error(err))
			continue
		}
		c.Log.Info("sent 24h expiry notice", zap.Int64("user_id", u.TelegramID))
	}

	expired, err := c.Moderation.ExpireVIP(ctx)
	if err != nil {
		c.Log.Error("expire subscriptions", zap.Error(err))
	}
	for _, u := range expired {
		c.Log.Info("vip subscription expired", zap.Int64("user_id", u.TelegramID), zap.Time("expires_at", u.ExpiresAt))
		msg := "❌ Your VIP subscription has expired. Automatic moderation is paused until you renew."
		if err := c.Sender.SendText(ctx, u.TelegramID, msg); err != nil {
			c.Log.Warn("send expiry message", zap.Int64("user_id", u.TelegramID), zap.Error(err))
		}
	}
}
