package models

import (
	"time"
)

type LedgerCategory string

const (
	CategoryFundingDebit    LedgerCategory = "funding_debit"
	CategoryReferralReward  LedgerCategory = "referral_reward"
	CategoryAdminAdjustment LedgerCategory = "admin_adjustment"
	CategoryRefund          LedgerCategory = "refund"
)

// LedgerEntry is append-only: rows are never updated or deleted.
type LedgerEntry struct {
	ID           uint           `gorm:"primaryKey"`
	UserID       int64          `gorm:"not null;index"`
	Amount       int64          `gorm:"not null"`
	Category     LedgerCategory `gorm:"size:32;not null;index"`
	Description  string         `gorm:"size:512"`
	BalanceAfter int64          `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"index"`
}
