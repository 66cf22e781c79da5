// Package ledger keeps user point balances together with their append-only
// history. Every balance change writes exactly one entry in the same
// transaction, so a user's balance always equals the sum of their entries.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fundbot/internal/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAmount          = errors.New("amount must not be zero")
)

// InsufficientBalanceError carries the numbers shown to the user.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Adjust applies a signed amount to the user's balance and records it.
// A change that would make the balance negative is rejected and nothing is written.
func (l *Ledger) Adjust(ctx context.Context, userID, amount int64, category models.LedgerCategory, description string) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = l.AdjustTx(tx, userID, amount, category, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AdjustTx is Adjust joined to the caller's transaction.
func (l *Ledger) AdjustTx(tx *gorm.DB, userID, amount int64, category models.LedgerCategory, description string) (*models.LedgerEntry, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}

	result := tx.Model(&models.User{}).
		Where("telegram_id = ? AND balance + ? >= 0", userID, amount).
		Update("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return nil, fmt.Errorf("update balance: %w", result.Error)
	}

	var user models.User
	if err := tx.Select("balance").Where("telegram_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if result.RowsAffected == 0 {
		return nil, &InsufficientBalanceError{Required: -amount, Available: user.Balance}
	}

	entry := &models.LedgerEntry{
		UserID:       userID,
		Amount:       amount,
		Category:     category,
		Description:  description,
		BalanceAfter: user.Balance,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	var user models.User
	err := l.db.WithContext(ctx).Select("balance").Where("telegram_id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return user.Balance, nil
}

// History returns the user's entries newest first, optionally limited to
// the given categories.
func (l *Ledger) History(ctx context.Context, userID int64, categories ...models.LedgerCategory) ([]models.LedgerEntry, error) {
	query := l.db.WithContext(ctx).Where("user_id = ?", userID)
	if len(categories) > 0 {
		query = query.Where("category IN ?", categories)
	}

	var entries []models.LedgerEntry
	if err := query.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Sum totals the user's history; it must match Balance.
func (l *Ledger) Sum(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
