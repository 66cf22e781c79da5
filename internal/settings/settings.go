// Package settings is the admin-tunable key/value configuration backed by
// the settings table.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundbot/internal/models"
)

const (
	KeyMemberPrice    = "member_price"
	KeyReferralReward = "referral_reward"
	KeyWelcomeText    = "welcome_text"
	KeyFundingEnabled = "funding_enabled"
	KeyVIPPrice       = "vip_price"
)

type Store struct {
	db       *gorm.DB
	defaults map[string]string
}

// NewStore returns a store that falls back to defaults for keys never set.
func NewStore(db *gorm.DB, defaults map[string]string) *Store {
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Store{db: db, defaults: d}
}

// Get returns the stored value, the default, or ok=false when neither exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	return s.get(s.db.WithContext(ctx), key)
}

func (s *Store) get(db *gorm.DB, key string) (string, bool, error) {
	var setting models.Setting
	err := db.Where("key = ?", key).First(&setting).Error
	if err == nil {
		return setting.Value, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	v, ok := s.defaults[key]
	return v, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	setting := models.Setting{Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&setting).Error
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// Int reads an integer setting, returning fallback when the key is unset.
func (s *Store) Int(ctx context.Context, key string, fallback int64) (int64, error) {
	return s.IntTx(s.db.WithContext(ctx), key, fallback)
}

// IntTx is Int inside the caller's transaction.
func (s *Store) IntTx(tx *gorm.DB, key string, fallback int64) (int64, error) {
	v, ok, err := s.get(tx, key)
	if err != nil {
		return 0, err
	}
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %q", key, v)
	}
	return n, nil
}

func (s *Store) SetInt(ctx context.Context, key string, value int64) error {
	return s.Set(ctx, key, strconv.FormatInt(value, 10))
}

func (s *Store) Bool(ctx context.Context, key string, fallback bool) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("setting %s is not a boolean: %q", key, v)
	}
	return b, nil
}
