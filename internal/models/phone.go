package models

import (
	"time"
)

// PhoneNumber is one pool resource. Once Used is set it never goes back.
type PhoneNumber struct {
	ID        uint   `gorm:"primaryKey"`
	Value     string `gorm:"size:32;uniqueIndex;not null"`
	Used      bool   `gorm:"not null;default:false;index"`
	BatchID   uint   `gorm:"index"`
	RequestID *uint  `gorm:"index"`
	CreatedAt time.Time
	UsedAt    *time.Time
}

type NumberBatch struct {
	ID         uint  `gorm:"primaryKey"`
	UploadedBy int64 `gorm:"not null"`
	Accepted   int   `gorm:"not null"`
	Duplicates int   `gorm:"not null"`
	CreatedAt  time.Time
}
