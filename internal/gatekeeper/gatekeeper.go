// Package gatekeeper enforces mandatory channel membership.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundbot/internal/models"
)

var ErrChannelNotFound = errors.New("mandatory channel not found")

// MembershipChecker looks up a user's status in a chat.
type MembershipChecker interface {
	MemberStatus(ctx context.Context, chatID, userID int64) (string, error)
}

// Statuses that count as joined.
var joined = map[string]bool{
	"member":        true,
	"administrator": true,
	"creator":       true,
}

type Gatekeeper struct {
	db      *gorm.DB
	members MembershipChecker
	isAdmin func(int64) bool
	log     *zap.Logger
}

func New(db *gorm.DB, members MembershipChecker, isAdmin func(int64) bool, log *zap.Logger) *Gatekeeper {
	return &Gatekeeper{db: db, members: members, isAdmin: isAdmin, log: log}
}

// IsSatisfied reports whether userID has joined every active mandatory
// channel, and lists the ones still missing. A failed lookup counts as not
// joined.
func (g *Gatekeeper) IsSatisfied(ctx context.Context, userID int64) (bool, []models.MandatoryChannel, error) {
	if g.isAdmin(userID) {
		return true, nil, nil
	}

	channels, err := g.ListActive(ctx)
	if err != nil {
		return false, nil, err
	}

	var unmet []models.MandatoryChannel
	for _, ch := range channels {
		status, err := g.members.MemberStatus(ctx, ch.ChatID, userID)
		if err != nil {
			g.log.Warn("membership lookup failed",
				zap.Int64("chat_id", ch.ChatID), zap.Int64("user_id", userID), zap.Error(err))
			unmet = append(unmet, ch)
			continue
		}
		if !joined[status] {
			unmet = append(unmet, ch)
		}
	}
	return len(unmet) == 0, unmet, nil
}

func (g *Gatekeeper) ListActive(ctx context.Context) ([]models.MandatoryChannel, error) {
	var channels []models.MandatoryChannel
	err := g.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&channels).Error
	return channels, err
}

// AddCondition creates the channel or reactivates it with fresh metadata.
func (g *Gatekeeper) AddCondition(ctx context.Context, ch models.MandatoryChannel) error {
	ch.Active = true
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "username", "link", "active"}),
	}).Create(&ch).Error
	if err != nil {
		return fmt.Errorf("add mandatory channel: %w", err)
	}
	return nil
}

func (g *Gatekeeper) RemoveCondition(ctx context.Context, chatID int64) error {
	result := g.db.WithContext(ctx).Model(&models.MandatoryChannel{}).
		Where("chat_id = ? AND active = ?", chatID, true).
		Update("active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}
