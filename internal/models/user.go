package models

import (
	"time"
)

type User struct {
	ID            uint   `gorm:"primaryKey"`
	TelegramID    int64  `gorm:"uniqueIndex;not null"`
	Username      string `gorm:"size:255"`
	FirstName     string `gorm:"size:255"`
	Balance       int64  `gorm:"not null;default:0"`
	ReferralCount int64  `gorm:"not null;default:0"`
	IsBanned      bool   `gorm:"not null;default:false"`
	IsAdmin       bool   `gorm:"not null;default:false"`
	ReferrerID    *int64 `gorm:"index"`
	FundedMembers int64  `gorm:"not null;default:0"`

	// Moderation subscription
	IsVIP         bool `gorm:"not null;default:false"`
	ExpiresAt     time.Time
	TotalPayments int  `gorm:"not null;default:0"`
	BanNewMembers bool `gorm:"not null;default:false"`
	BanLeavers    bool `gorm:"not null;default:false"`
	BanNoUsername bool `gorm:"not null;default:false"`

	LastActiveAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the moderation subscription has run out at now.
func (u *User) Expired(now time.Time) bool {
	return !u.ExpiresAt.After(now)
}
