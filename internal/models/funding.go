package models

import (
	"time"
)

type FundingStatus string

const (
	FundingPending   FundingStatus = "pending"
	FundingApproved  FundingStatus = "approved"
	FundingRejected  FundingStatus = "rejected"
	FundingCompleted FundingStatus = "completed"
	FundingCancelled FundingStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s FundingStatus) Terminal() bool {
	return s == FundingRejected || s == FundingCompleted || s == FundingCancelled
}

type FundingRequest struct {
	ID             uint          `gorm:"primaryKey"`
	UserID         int64         `gorm:"not null;index"`
	ChatID         int64         `gorm:"not null"`
	ChatTitle      string        `gorm:"size:255"`
	ChatType       string        `gorm:"size:32"`
	RequestedCount int           `gorm:"not null"`
	CostPoints     int64         `gorm:"not null"`
	MemberPrice    int64         `gorm:"not null"`
	Status         FundingStatus `gorm:"size:20;not null;index;default:'pending'"`
	AddedCount     int           `gorm:"not null;default:0"`
	RemainingCount int           `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}
