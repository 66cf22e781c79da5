package funding

import (
	"context"

	"fundbot/internal/models"
)

type EventKind string

const (
	EventAccepted    EventKind = "accepted"
	EventAdminReview EventKind = "admin_review"
	EventProgress    EventKind = "progress"
	EventCompleted   EventKind = "completed"
	EventShortfall   EventKind = "shortfall"
	EventApproved    EventKind = "approved"
	EventRejected    EventKind = "rejected"
	EventCancelled   EventKind = "cancelled"
)

// Event is a snapshot of a request at the moment something happened to it.
type Event struct {
	Kind    EventKind
	Request models.FundingRequest
	// Refund is set for rejected and cancelled events.
	Refund int64
}

// Chat is a resolved funding target.
type Chat struct {
	ID       int64
	Title    string
	Type     string
	Username string
}

type ChatResolver interface {
	ResolveChat(ctx context.Context, ref string) (Chat, error)
}

type MemberAdder interface {
	AddMember(ctx context.Context, chatID int64, identity string) error
}

// Notifier delivers events to a user. Failures are logged by the caller and
// never abort the owning operation.
type Notifier interface {
	Notify(ctx context.Context, userID int64, ev Event) error
}
