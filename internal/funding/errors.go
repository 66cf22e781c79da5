package funding

import (
	"errors"
	"fmt"

	"fundbot/internal/models"
)

var (
	ErrInvalidTarget         = errors.New("invalid target chat")
	ErrInvalidCount          = errors.New("member count must be positive")
	ErrInsufficientResources = errors.New("not enough numbers in the pool")
	ErrFundingDisabled       = errors.New("funding is disabled")
	ErrBanned                = errors.New("user is banned")
	ErrNotFound              = errors.New("funding request not found")
	ErrNotOwner              = errors.New("funding request belongs to another user")
	ErrStatusConflict        = errors.New("funding request status does not allow this action")
)

// InsufficientResourcesError carries the numbers shown to the user.
type InsufficientResourcesError struct {
	Required  int
	Available int64
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("not enough numbers: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientResourcesError) Unwrap() error { return ErrInsufficientResources }

// StatusError reports the status that blocked an admin or owner action.
type StatusError struct {
	Status models.FundingStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("funding request is %s", e.Status)
}

func (e *StatusError) Unwrap() error { return ErrStatusConflict }
