package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundbot/internal/models"
)

var ErrNotFound = errors.New("account not found")

// Profile is what the messaging layer knows about a user on contact.
type Profile struct {
	TelegramID int64
	Username   string
	FirstName  string
}

type Service struct {
	db        *gorm.DB
	admins    map[int64]bool
	trialDays int
	now       func() time.Time
}

func NewService(db *gorm.DB, adminIDs []int64, trialDays int) *Service {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Service{db: db, admins: admins, trialDays: trialDays, now: time.Now}
}

func (s *Service) IsAdmin(id int64) bool {
	return s.admins[id]
}

func (s *Service) AdminIDs() []int64 {
	ids := make([]int64, 0, len(s.admins))
	for id := range s.admins {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) Get(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("telegram_id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("telegram_id = ?", id).Count(&n).Error
	return n > 0, err
}

// Register creates the account on first contact. created is false when it
// already existed, in which case only the profile and activity time change.
func (s *Service) Register(ctx context.Context, p Profile) (user *models.User, created bool, err error) {
	now := s.now()
	candidate := models.User{
		TelegramID:   p.TelegramID,
		Username:     p.Username,
		FirstName:    p.FirstName,
		IsAdmin:      s.admins[p.TelegramID],
		ExpiresAt:    now.AddDate(0, 0, s.trialDays),
		LastActiveAt: now,
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "telegram_id"}}, DoNothing: true}).
		Create(&candidate)
	if result.Error != nil {
		return nil, false, fmt.Errorf("create user: %w", result.Error)
	}
	created = result.RowsAffected == 1

	if !created {
		err = s.db.WithContext(ctx).Model(&models.User{}).
			Where("telegram_id = ?", p.TelegramID).
			Updates(map[string]interface{}{
				"username":       p.Username,
				"first_name":     p.FirstName,
				"last_active_at": now,
			}).Error
		if err != nil {
			return nil, false, fmt.Errorf("touch user: %w", err)
		}
	}

	user, err = s.Get(ctx, p.TelegramID)
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

func (s *Service) SetBanned(ctx context.Context, id int64, banned bool) error {
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("telegram_id = ?", id).
		Update("is_banned", banned)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddFundedTx bumps the cumulative funded-members counter.
func (s *Service) AddFundedTx(tx *gorm.DB, id int64, n int) error {
	return tx.Model(&models.User{}).
		Where("telegram_id = ?", id).
		Update("funded_members", gorm.Expr("funded_members + ?", n)).Error
}

// ListIDs returns every non-banned account id, for broadcasts.
func (s *Service) ListIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("is_banned = ?", false).
		Order("id").
		Pluck("telegram_id", &ids).Error
	return ids, err
}

type Stats struct {
	Total    int64
	Banned   int64
	NewToday int64
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx).Model(&models.User{})
	if err := db.Count(&st.Total).Error; err != nil {
		return st, err
	}
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("is_banned = ?", true).Count(&st.Banned).Error; err != nil {
		return st, err
	}
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("created_at >= ?", dayStart).Count(&st.NewToday).Error
	return st, err
}
