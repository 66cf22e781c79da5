package models

import (
	"time"
)

// MandatoryChannel is a chat users must join before using the funding bot.
type MandatoryChannel struct {
	ID        uint   `gorm:"primaryKey"`
	ChatID    int64  `gorm:"uniqueIndex;not null"`
	Title     string `gorm:"size:255"`
	Username  string `gorm:"size:255"`
	Link      string `gorm:"size:512"`
	Active    bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}

// ModeratedChannel is a chat registered by a moderation bot subscriber.
type ModeratedChannel struct {
	ID        uint   `gorm:"primaryKey"`
	OwnerID   int64  `gorm:"not null;uniqueIndex:idx_owner_chat"`
	ChatID    int64  `gorm:"not null;uniqueIndex:idx_owner_chat;index"`
	Link      string `gorm:"size:512"`
	Title     string `gorm:"size:255"`
	Active    bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}
