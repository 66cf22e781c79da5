package models

import (
	"time"
)

type ReferralLink struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    int64  `gorm:"uniqueIndex;not null"`
	Code      string `gorm:"size:32;uniqueIndex;not null"`
	Clicks    int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
}

// PendingReferral exists between an invitee's first visit through a code and
// their registration.
type PendingReferral struct {
	ID         uint  `gorm:"primaryKey"`
	InviteeID  int64 `gorm:"uniqueIndex;not null"`
	ReferrerID int64 `gorm:"not null;index"`
	CreatedAt  time.Time
}
