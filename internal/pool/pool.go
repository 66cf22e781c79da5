// Package pool manages the phone-number resources consumed by funding
// requests. Each number is handed out at most once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundbot/internal/models"
)

// ErrExhausted means no unused number is left. Callers treat it as a soft stop.
var ErrExhausted = errors.New("resource pool exhausted")

const minNumberLength = 10

type Pool struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Pool {
	return &Pool{db: db}
}

// Allocate hands out the lowest-id unused number and tags it with requestID.
// The claim is a compare-and-swap on the used flag; a caller that loses the
// race moves on to the next candidate.
func (p *Pool) Allocate(ctx context.Context, requestID uint) (*models.PhoneNumber, error) {
	db := p.db.WithContext(ctx)
	for {
		var candidate models.PhoneNumber
		err := db.Where("used = ?", false).Order("id ASC").First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExhausted
		}
		if err != nil {
			return nil, fmt.Errorf("find unused number: %w", err)
		}

		now := time.Now()
		result := db.Model(&models.PhoneNumber{}).
			Where("id = ? AND used = ?", candidate.ID, false).
			Updates(map[string]interface{}{
				"used":       true,
				"request_id": requestID,
				"used_at":    now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("claim number %d: %w", candidate.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			candidate.Used = true
			candidate.RequestID = &requestID
			candidate.UsedAt = &now
			return &candidate, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) UnusedCount(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&models.PhoneNumber{}).Where("used = ?", false).Count(&n).Error
	return n, err
}

type Stats struct {
	Total  int64
	Used   int64
	Unused int64
}

func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	db := p.db.WithContext(ctx).Model(&models.PhoneNumber{})
	if err := db.Count(&s.Total).Error; err != nil {
		return s, err
	}
	unused, err := p.UnusedCount(ctx)
	if err != nil {
		return s, err
	}
	s.Unused = unused
	s.Used = s.Total - s.Unused
	return s, nil
}

// Ingest stores new numbers as unused. Values already in the pool, or
// repeated within the batch, are skipped and counted as duplicates.
func (p *Pool) Ingest(ctx context.Context, uploadedBy int64, values []string) (accepted, duplicates int, err error) {
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch := models.NumberBatch{UploadedBy: uploadedBy}
		if err := tx.Create(&batch).Error; err != nil {
			return fmt.Errorf("create batch: %w", err)
		}

		seen := make(map[string]struct{}, len(values))
		for _, v := range values {
			if _, dup := seen[v]; dup {
				duplicates++
				continue
			}
			seen[v] = struct{}{}

			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "value"}},
				DoNothing: true,
			}).Create(&models.PhoneNumber{Value: v, BatchID: batch.ID})
			if result.Error != nil {
				return fmt.Errorf("insert number: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				duplicates++
			} else {
				accepted++
			}
		}

		return tx.Model(&batch).Updates(map[string]interface{}{
			"accepted":   accepted,
			"duplicates": duplicates,
		}).Error
	})
	if err != nil {
		return 0, 0, err
	}
	return accepted, duplicates, nil
}

// ParseUpload turns an uploaded text file into candidate numbers: each line is
// reduced to its digits and '+' signs, and results shorter than ten
// characters are dropped.
func ParseUpload(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		var b strings.Builder
		for _, r := range line {
			if (r >= '0' && r <= '9') || r == '+' {
				b.WriteRune(r)
			}
		}
		if b.Len() >= minNumberLength {
			out = append(out, b.String())
		}
	}
	return out
}
