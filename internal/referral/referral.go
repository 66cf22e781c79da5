// Package referral maps invite codes to referrers and applies the referral
// reward exactly once per invitee.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundbot/internal/ledger"
	"fundbot/internal/models"
	"fundbot/internal/settings"
)

var ErrUnknownCode = errors.New("unknown referral code")

const codeLength = 10

type Registry struct {
	db            *gorm.DB
	ledger        *ledger.Ledger
	settings      *settings.Store
	defaultReward int64
}

func NewRegistry(db *gorm.DB, l *ledger.Ledger, s *settings.Store, defaultReward int64) *Registry {
	return &Registry{db: db, ledger: l, settings: s, defaultReward: defaultReward}
}

// Reward is the current per-referral credit.
func (r *Registry) Reward(ctx context.Context) (int64, error) {
	return r.settings.Int(ctx, settings.KeyReferralReward, r.defaultReward)
}

// CodeFor returns the user's invite code, creating it on first call.
func (r *Registry) CodeFor(ctx context.Context, userID int64) (string, error) {
	db := r.db.WithContext(ctx)

	var link models.ReferralLink
	err := db.Where("user_id = ?", userID).First(&link).Error
	if err == nil {
		return link.Code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	link = models.ReferralLink{UserID: userID, Code: newCode()}
	err = db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&link).Error
	if err != nil {
		return "", fmt.Errorf("create referral link: %w", err)
	}

	// A concurrent caller may have won the insert; read back whichever row exists.
	if err := db.Where("user_id = ?", userID).First(&link).Error; err != nil {
		return "", err
	}
	return link.Code, nil
}

func newCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:codeLength]
}

// Resolve returns the referrer owning code and counts the click.
func (r *Registry) Resolve(ctx context.Context, code string) (int64, error) {
	db := r.db.WithContext(ctx)

	var link models.ReferralLink
	err := db.Where("code = ?", code).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUnknownCode
	}
	if err != nil {
		return 0, err
	}

	if err := db.Model(&link).Update("clicks", gorm.Expr("clicks + 1")).Error; err != nil {
		return 0, fmt.Errorf("count click: %w", err)
	}
	return link.UserID, nil
}

// RegisterPending records that invitee arrived through referrer's code.
// It does nothing for self-referrals, registered invitees, or invitees
// that already have a pending credit. It reports whether a row was added.
func (r *Registry) RegisterPending(ctx context.Context, invitee, referrer int64) (bool, error) {
	if invitee == referrer {
		return false, nil
	}
	db := r.db.WithContext(ctx)

	var registered int64
	if err := db.Model(&models.User{}).Where("telegram_id = ?", invitee).Count(&registered).Error; err != nil {
		return false, err
	}
	if registered > 0 {
		return false, nil
	}

	result := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "invitee_id"}}, DoNothing: true}).
		Create(&models.PendingReferral{InviteeID: invitee, ReferrerID: referrer})
	if result.Error != nil {
		return false, fmt.Errorf("register pending referral: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Credit describes an applied referral.
type Credit struct {
	ReferrerID int64
	Reward     int64
}

// ApplyPending consumes the invitee's pending credit, if any: the referrer's
// count goes up and they receive the configured reward. Safe to call on
// every registration; only the first call after RegisterPending applies.
func (r *Registry) ApplyPending(ctx context.Context, invitee int64) (*Credit, error) {
	var credit *Credit
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending models.PendingReferral
		err := tx.Where("invitee_id = ?", invitee).First(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		del := tx.Where("id = ?", pending.ID).Delete(&models.PendingReferral{})
		if del.Error != nil {
			return del.Error
		}
		if del.RowsAffected == 0 {
			// Consumed by a concurrent call.
			return nil
		}

		if err := tx.Model(&models.User{}).
			Where("telegram_id = ? AND referrer_id IS NULL", invitee).
			Update("referrer_id", pending.ReferrerID).Error; err != nil {
			return fmt.Errorf("set referrer: %w", err)
		}

		bump := tx.Model(&models.User{}).
			Where("telegram_id = ?", pending.ReferrerID).
			Update("referral_count", gorm.Expr("referral_count + 1"))
		if bump.Error != nil {
			return fmt.Errorf("count referral: %w", bump.Error)
		}
		if bump.RowsAffected == 0 {
			// Referrer account is gone from the table; drop the credit.
			return nil
		}

		reward, err := r.settings.IntTx(tx, settings.KeyReferralReward, r.defaultReward)
		if err != nil {
			return err
		}
		if reward > 0 {
			desc := fmt.Sprintf("referral reward for inviting %d", invitee)
			if _, err := r.ledger.AdjustTx(tx, pending.ReferrerID, reward, models.CategoryReferralReward, desc); err != nil {
				return err
			}
		}
		credit = &Credit{ReferrerID: pending.ReferrerID, Reward: reward}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credit, nil
}

type Stats struct {
	Code      string
	Referrals int64
	Clicks    int64
	Earned    int64
	Pending   int64
}

func (r *Registry) Stats(ctx context.Context, userID int64) (Stats, error) {
	code, err := r.CodeFor(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Code: code}
	db := r.db.WithContext(ctx)

	var link models.ReferralLink
	if err := db.Where("user_id = ?", userID).First(&link).Error; err != nil {
		return st, err
	}
	st.Clicks = link.Clicks

	var user models.User
	if err := db.Select("referral_count").Where("telegram_id = ?", userID).First(&user).Error; err == nil {
		st.Referrals = user.ReferralCount
	}

	if err := db.Model(&models.LedgerEntry{}).
		Where("user_id = ? AND category = ?", userID, models.CategoryReferralReward).
		Select("COALESCE(SUM(amount), 0)").Scan(&st.Earned).Error; err != nil {
		return st, err
	}
	err = db.Model(&models.PendingReferral{}).Where("referrer_id = ?", userID).Count(&st.Pending).Error
	return st, err
}
