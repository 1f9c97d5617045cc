package models

import "time"

// OTPRecord is the ephemeral state of a pending password-recovery code,
// keyed by the normalized account identifier (lowercased e-mail).
// It lives in the store under a TTL and is gone once verified, locked
// out or expired.
type OTPRecord struct {
	Identifier string `redis:"-" json:"identifier"`
	OTP        string `redis:"otp" json:"-"`
	Attempts   int    `redis:"attempts" json:"attempts"`

	TTL        time.Duration `redis:"-" json:"-"`
	TTLSeconds float64       `redis:"-" json:"ttl"`
}

// Lockout describes the lockout state of an identifier after too many
// failed verification attempts.
type Lockout struct {
	Locked bool          `json:"locked"`
	Until  time.Time     `json:"until"`
	TTL    time.Duration `json:"-"`
}

// RemainingMinutes returns the remaining lockout window rounded up to
// whole minutes, for user facing messages.
func (l Lockout) RemainingMinutes() int {
	if !l.Locked {
		return 0
	}
	m := int((l.TTL + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}
