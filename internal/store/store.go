package store

import (
	"context"
	"errors"
	"time"

	"github.com/Onyx48/schoolauth/internal/models"
)

// ErrNotExist is returned when the requested record (OTP, lockout or
// reset marker) is not in the store, either because it was never set
// or because its TTL lapsed. It is a normal business outcome, distinct
// from the store being unreachable.
var ErrNotExist = errors.New("the record does not exist")

// Store is the key-value backend that owns all ephemeral recovery
// state. Every operation re-reads live state; nothing is cached across
// requests.
type Store interface {
	// SetOTP writes a fresh OTP record against an identifier with the
	// given TTL, unconditionally replacing any previous record and
	// resetting its attempt counter.
	SetOTP(ctx context.Context, identifier string, otp models.OTPRecord, ttl time.Duration) error

	// GetOTP returns the pending OTP record and its remaining TTL.
	GetOTP(ctx context.Context, identifier string) (models.OTPRecord, error)

	// FailOTP atomically increments the attempt counter on a pending
	// OTP and returns the new count along with the remaining TTL. The
	// increment never touches the record's expiry. If the record
	// expired between the caller's read and the increment, the store
	// cleans up and reports ErrNotExist.
	FailOTP(ctx context.Context, identifier string) (int, time.Duration, error)

	// DeleteOTP removes the pending OTP record for an identifier.
	DeleteOTP(ctx context.Context, identifier string) error

	// SetLockout marks an identifier locked out until the given time.
	// The record expires on its own; there is no explicit unlock.
	SetLockout(ctx context.Context, identifier string, until time.Time, ttl time.Duration) error

	// GetLockout returns the lockout deadline for an identifier, or
	// ErrNotExist when it is not locked.
	GetLockout(ctx context.Context, identifier string) (time.Time, error)

	// SetResetMarker records the jti of a freshly minted reset token
	// so that the token can only be redeemed once.
	SetResetMarker(ctx context.Context, identifier, jti string, ttl time.Duration) error

	// ConsumeResetMarker atomically fetches and deletes the reset
	// marker for an identifier, returning ErrNotExist when there is
	// none.
	ConsumeResetMarker(ctx context.Context, identifier string) (string, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
