// Package moderation holds the channel-moderation subscription: trial and
// VIP expiry, the per-owner channel list, and the automatic ban rules.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundbot/internal/models"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrChannelExists    = errors.New("channel already added")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrChannelLimit     = errors.New("channel limit reached")
	ErrUnknownRule      = errors.New("unknown moderation rule")
	ErrInvalidVIPPeriod = errors.New("vip period must be positive")
)

// LimitError reports the owner's channel cap.
type LimitError struct {
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("cannot add more than %d channels", e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrChannelLimit }

type Rule string

const (
	RuleBanNewMembers Rule = "ban_new_members"
	RuleBanLeavers    Rule = "ban_leavers"
	RuleBanNoUsername Rule = "ban_no_username"
)

// column maps a rule to its users column.
func (r Rule) column() (string, bool) {
	switch r {
	case RuleBanNewMembers, RuleBanLeavers, RuleBanNoUsername:
		return string(r), true
	}
	return "", false
}

type Limits struct {
	Free int
	VIP  int
}

type Service struct {
	db     *gorm.DB
	limits Limits
	now    func() time.Time
}

func NewService(db *gorm.DB, limits Limits) *Service {
	return &Service{db: db, limits: limits, now: time.Now}
}

// MaxChannels is the channel cap for u.
func (s *Service) MaxChannels(u *models.User) int {
	if u.IsVIP {
		return s.limits.VIP
	}
	return s.limits.Free
}

func (s *Service) user(db *gorm.DB, id int64) (*models.User, error) {
	var u models.User
	err := db.Where("telegram_id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ActivateVIP extends the subscription by days, counting from the current
// expiry when it is still in the future.
func (s *Service) ActivateVIP(ctx context.Context, userID int64, days int) (*models.User, error) {
	if days <= 0 {
		return nil, ErrInvalidVIPPeriod
	}
	var u *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		u, err = s.user(tx, userID)
		if err != nil {
			return err
		}
		from := s.now()
		if u.ExpiresAt.After(from) {
			from = u.ExpiresAt
		}
		u.ExpiresAt = from.AddDate(0, 0, days)
		u.IsVIP = true
		u.TotalPayments++
		return tx.Model(&models.User{}).Where("telegram_id = ?", userID).Updates(map[string]interface{}{
			"expires_at":     u.ExpiresAt,
			"is_vip":         true,
			"total_payments": gorm.Expr("total_payments + 1"),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Channel is a chat an owner asks to moderate, already verified with Telegram.
type Channel struct {
	ChatID int64
	Title  string
	Link   string
}

// AddChannel registers ch for ownerID and returns the new channel count and
// the owner's cap.
func (s *Service) AddChannel(ctx context.Context, ownerID int64, ch Channel) (count, limit int, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.user(tx, ownerID)
		if err != nil {
			return err
		}
		limit = s.MaxChannels(u)

		var n int64
		if err := tx.Model(&models.ModeratedChannel{}).Where("owner_id = ?", ownerID).Count(&n).Error; err != nil {
			return err
		}
		if int(n) >= limit {
			return &LimitError{Limit: limit}
		}

		row := models.ModeratedChannel{OwnerID: ownerID, ChatID: ch.ChatID, Title: ch.Title, Link: ch.Link, Active: true}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrChannelExists
		}
		count = int(n) + 1
		return nil
	})
	return count, limit, err
}

func (s *Service) RemoveChannel(ctx context.Context, ownerID, chatID int64) error {
	result := s.db.WithContext(ctx).
		Where("owner_id = ? AND chat_id = ?", ownerID, chatID).
		Delete(&models.ModeratedChannel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *Service) ListChannels(ctx context.Context, ownerID int64) ([]models.ModeratedChannel, error) {
	var chans []models.ModeratedChannel
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&chans).Error
	return chans, err
}

// Toggle flips a rule for the user and returns its new value.
func (s *Service) Toggle(ctx context.Context, userID int64, rule Rule) (bool, error) {
	col, ok := rule.column()
	if !ok {
		return false, ErrUnknownRule
	}
	var enabled bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.User{}).Where("telegram_id = ?", userID).
			Update(col, gorm.Expr("NOT "+col))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		u, err := s.user(tx, userID)
		if err != nil {
			return err
		}
		enabled = Enabled(u, rule)
		return nil
	})
	return enabled, err
}

// Enabled reports whether u has rule switched on.
func Enabled(u *models.User, rule Rule) bool {
	switch rule {
	case RuleBanNewMembers:
		return u.BanNewMembers
	case RuleBanLeavers:
		return u.BanLeavers
	case RuleBanNoUsername:
		return u.BanNoUsername
	}
	return false
}

// ExpiringVIP returns VIP users whose subscription ends within [from, to].
func (s *Service) ExpiringVIP(ctx context.Context, from, to time.Time) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("is_vip = ? AND expires_at BETWEEN ? AND ?", true, from, to).
		Find(&users).Error
	return users, err
}

// ExpireVIP clears the VIP flag of every user past expiry and returns the
// users it changed.
func (s *Service) ExpireVIP(ctx context.Context) ([]models.User, error) {
	now := s.now()
	var candidates []models.User
	err := s.db.WithContext(ctx).Where("is_vip = ? AND expires_at < ?", true, now).Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var changed []models.User
	for _, u := range candidates {
		result := s.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ? AND is_vip = ? AND expires_at < ?", u.ID, true, now).
			Update("is_vip", false)
		if result.Error != nil {
			return changed, result.Error
		}
		if result.RowsAffected == 1 {
			u.IsVIP = false
			changed = append(changed, u)
		}
	}
	return changed, nil
}

type Stats struct {
	Total    int64
	VIP      int64
	Active   int64
	Expired  int64
	Banned   int64
	NewToday int64
	Channels int64
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	users := func() *gorm.DB { return s.db.WithContext(ctx).Model(&models.User{}) }

	counts := []struct {
		dst   *int64
		query *gorm.DB
	}{
		{&st.Total, users()},
		{&st.VIP, users().Where("is_vip = ?", true)},
		{&st.Active, users().Where("expires_at > ? AND is_banned = ?", now, false)},
		{&st.Expired, users().Where("expires_at <= ? AND is_banned = ?", now, false)},
		{&st.Banned, users().Where("is_banned = ?", true)},
		{&st.NewToday, users().Where("created_at >= ?", dayStart)},
		{&st.Channels, s.db.WithContext(ctx).Model(&models.ModeratedChannel{})},
	}
	for _, c := range counts {
		if err := c.query.Count(c.dst).Error; err != nil {
			return st, err
		}
	}
	return st, nil
}

var channelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`t\.me/([a-zA-Z0-9_]+)`),
	regexp.MustCompile(`telegram\.me/([a-zA-Z0-9_]+)`),
	regexp.MustCompile(`@([a-zA-Z0-9_]+)`),
}

// ExtractChannelUsername pulls the public username out of a t.me link or
// an @mention.
func ExtractChannelUsername(link string) (string, bool) {
	for _, re := range channelPatterns {
		if m := re.FindStringSubmatch(link); m != nil {
			return m[1], true
		}
	}
	return "", false
}
