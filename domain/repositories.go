package domain

import (
	"context"
	"time"
)

// JourneyRepository persists AuthenticationState between requests. State is
// reloaded by journey id on every request and saved after every mutation;
// no cross-request in-memory copy is authoritative.
type JourneyRepository interface {
	SaveJourney(ctx context.Context, state *AuthenticationState) error
	// GetJourney returns ErrJourneyNotFound for unknown, forged or expired ids.
	GetJourney(ctx context.Context, journeyID string) (*AuthenticationState, error)
	DeleteJourney(ctx context.Context, journeyID string) error
}

// PinRepository persists issued one-time codes.
type PinRepository interface {
	StorePin(ctx context.Context, pin *OneTimePinRecord) error
	// LatestActivePin returns the most recently issued unconsumed record for
	// the address, or ErrPinNotFound.
	LatestActivePin(ctx context.Context, channel PinChannel, address string) (*OneTimePinRecord, error)
	// ConsumePin marks the record consumed iff it is not already. Returns
	// false when a concurrent verification won the race.
	ConsumePin(ctx context.Context, pinID string, now time.Time) (bool, error)
}

// UserRepository persists user accounts. Create and Update translate storage
// duplicate-key violations on email, mobile and TRN into the corresponding
// ErrDuplicate* sentinel.
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByTrn(ctx context.Context, trn string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
}
