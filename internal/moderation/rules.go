package moderation

import (
	"context"

	"fundbot/internal/models"
)

// MemberUpdate is a membership change seen in a moderated chat.
type MemberUpdate struct {
	ChatID    int64
	ChatType  string
	UserID    int64
	Username  string
	OldStatus string
	NewStatus string
}

func (u MemberUpdate) joined() bool {
	return u.NewStatus == "member" && (u.OldStatus == "left" || u.OldStatus == "kicked")
}

func (u MemberUpdate) left() bool {
	return u.OldStatus == "member" && (u.NewStatus == "left" || u.NewStatus == "kicked")
}

type Reason string

const (
	ReasonNewMember  Reason = "new_member"
	ReasonNoUsername Reason = "no_username"
	ReasonLeaver     Reason = "leaver"
)

// Action is a ban the caller should carry out.
type Action struct {
	ChatID  int64
	UserID  int64
	OwnerID int64
	Reason  Reason
}

// Decide evaluates the rules of every unexpired owner moderating the chat.
// One ban per chat and user is returned at most, since the first owner whose
// rule matches already removes the member.
func (s *Service) Decide(ctx context.Context, ev MemberUpdate) ([]Action, error) {
	if ev.ChatType == "private" || (!ev.joined() && !ev.left()) {
		return nil, nil
	}

	var owners []models.User
	err := s.db.WithContext(ctx).
		Select("users.*").
		Joins("JOIN moderated_channels ON moderated_channels.owner_id = users.telegram_id").
		Where("moderated_channels.chat_id = ? AND moderated_channels.active = ?", ev.ChatID, true).
		Where("users.expires_at > ?", s.now()).
		Order("users.id").
		Find(&owners).Error
	if err != nil {
		return nil, err
	}

	for _, owner := range owners {
		if reason, ok := match(&owner, ev); ok {
			return []Action{{ChatID: ev.ChatID, UserID: ev.UserID, OwnerID: owner.TelegramID, Reason: reason}}, nil
		}
	}
	return nil, nil
}

func match(owner *models.User, ev MemberUpdate) (Reason, bool) {
	switch {
	case ev.joined() && owner.BanNewMembers:
		return ReasonNewMember, true
	case ev.joined() && owner.BanNoUsername && ev.Username == "":
		return ReasonNoUsername, true
	case ev.left() && owner.BanLeavers:
		return ReasonLeaver, true
	}
	return "", false
}
