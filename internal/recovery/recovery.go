// Package recovery implements the OTP password-recovery flow: issuing
// codes, verifying them with attempt counting and lockout, and applying
// the final credential update against the users store.
package recovery

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Onyx48/schoolauth/internal/models"
	"github.com/Onyx48/schoolauth/internal/store"
	"github.com/Onyx48/schoolauth/internal/users"
	"github.com/zerodha/logf"
)

const numChars = "0123456789"

var (
	// ErrUnavailable is returned when the backing store (or the users
	// table) cannot be reached. Callers map it to a 5xx; it is never
	// conflated with a failed verification.
	ErrUnavailable = errors.New("recovery store unavailable")

	// ErrSendFailed is returned when the OTP could not be handed to
	// the delivery channel. The stored record stays valid until its
	// TTL, so a retried request simply replaces it.
	ErrSendFailed = errors.New("error delivering OTP")

	// ErrInvalidToken is returned for a reset token that is malformed,
	// expired, already used, or bound to a different identifier.
	ErrInvalidToken = errors.New("invalid or expired reset token")
)

// VerifyStatus is the outcome bucket of a verification attempt.
type VerifyStatus int

const (
	// VerifyOK means the supplied code matched and the OTP was consumed.
	VerifyOK VerifyStatus = iota

	// VerifyNotFound means there is no pending OTP: expired, already
	// consumed, or never requested.
	VerifyNotFound

	// VerifyMismatch means the supplied code was wrong but attempts remain.
	VerifyMismatch

	// VerifyLocked means this attempt exhausted the allowance and the
	// identifier is now locked out.
	VerifyLocked
)

// VerifyResult is the structured outcome of a verification attempt.
// Expected business outcomes (expired, wrong code, locked out) are
// values, not errors.
type VerifyResult struct {
	Status       VerifyStatus
	AttemptsLeft int
	LockedUntil  time.Time

	// ResetToken is the single-use token minted on success, to be
	// presented to Reset().
	ResetToken string
}

// Sender delivers a generated OTP to the account's registered address
// out of band.
type Sender interface {
	Send(ctx context.Context, identifier, code string, ttl time.Duration) error
}

// Conf holds the knobs of the recovery flow.
type Conf struct {
	OTPLength   int
	MaxAttempts int
	OTPTTL      time.Duration
	LockoutTTL  time.Duration

	TokenTTL    time.Duration
	TokenSecret string
}

// Service owns the recovery state machine. All ephemeral state lives
// in the injected store; the service keeps nothing across requests.
type Service struct {
	cfg    Conf
	store  store.Store
	users  users.Store
	sender Sender
	lo     logf.Logger

	// now is swapped in tests.
	now func() time.Time
}

// New returns a recovery Service.
func New(cfg Conf, st store.Store, us users.Store, sender Sender, lo logf.Logger) *Service {
	if cfg.OTPLength < 1 {
		cfg.OTPLength = 6
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.OTPTTL < time.Second {
		cfg.OTPTTL = 300 * time.Second
	}
	if cfg.LockoutTTL < time.Second {
		cfg.LockoutTTL = 1200 * time.Second
	}
	if cfg.TokenTTL < time.Second {
		cfg.TokenTTL = 600 * time.Second
	}

	return &Service{
		cfg:    cfg,
		store:  st,
		users:  us,
		sender: sender,
		lo:     lo,
		now:    time.Now,
	}
}

// NormalizeIdentifier canonicalizes an account identifier. All state
// is keyed by this form.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Request generates a fresh OTP for an identifier, stores it with the
// configured TTL and hands it to the delivery channel. Any previous
// pending code for the identifier is invalidated unconditionally.
// Lockout is the caller's concern; check it with CheckLockout first.
func (s *Service) Request(ctx context.Context, identifier string) error {
	id := NormalizeIdentifier(identifier)

	code, err := generateNumericCode(s.cfg.OTPLength)
	if err != nil {
		return fmt.Errorf("error generating OTP: %w", err)
	}

	if err := s.store.SetOTP(ctx, id, models.OTPRecord{OTP: code}, s.cfg.OTPTTL); err != nil {
		s.lo.Error("error storing OTP", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.sender.Send(ctx, id, code, s.cfg.OTPTTL); err != nil {
		s.lo.Error("error delivering OTP", "error", err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	s.lo.Debug("otp issued", "identifier", id)
	return nil
}

// Verify checks a supplied code against the pending OTP for an
// identifier and advances the attempt/lockout state machine. The code
// comparison is an exact, constant-time string match. Lockout is the
// caller's concern; check it with CheckLockout first.
func (s *Service) Verify(ctx context.Context, identifier, code string) (VerifyResult, error) {
	id := NormalizeIdentifier(identifier)

	rec, err := s.store.GetOTP(ctx, id)
	if err != nil {
		if err == store.ErrNotExist {
			// AttemptsLeft is a reset signal for the UI here, not a
			// real count: there is no record to count against.
			return VerifyResult{Status: VerifyNotFound, AttemptsLeft: s.cfg.MaxAttempts}, nil
		}
		s.lo.Error("error reading OTP", "error", err)
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if subtle.ConstantTimeCompare([]byte(rec.OTP), []byte(code)) == 1 {
		if err := s.store.DeleteOTP(ctx, id); err != nil {
			s.lo.Error("error consuming OTP", "error", err)
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		token, err := s.mintResetToken(ctx, id)
		if err != nil {
			return VerifyResult{}, err
		}

		s.lo.Debug("otp verified", "identifier", id)
		return VerifyResult{Status: VerifyOK, ResetToken: token}, nil
	}

	// Wrong code. Count the attempt atomically; the record's TTL is
	// left untouched by the increment.
	attempts, _, err := s.store.FailOTP(ctx, id)
	if err != nil {
		if err == store.ErrNotExist {
			// The record expired between the read and the increment.
			return VerifyResult{Status: VerifyNotFound, AttemptsLeft: s.cfg.MaxAttempts}, nil
		}
		s.lo.Error("error counting attempt", "error", err)
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if attempts >= s.cfg.MaxAttempts {
		until := s.now().Add(s.cfg.LockoutTTL)
		if err := s.store.DeleteOTP(ctx, id); err != nil {
			s.lo.Error("error deleting exhausted OTP", "error", err)
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := s.store.SetLockout(ctx, id, until, s.cfg.LockoutTTL); err != nil {
			s.lo.Error("error setting lockout", "error", err)
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		s.lo.Warn("identifier locked out", "identifier", id, "until", until)
		return VerifyResult{Status: VerifyLocked, LockedUntil: until}, nil
	}

	return VerifyResult{Status: VerifyMismatch, AttemptsLeft: s.cfg.MaxAttempts - attempts}, nil
}

// CheckLockout reports whether an identifier is currently locked out.
// It is read-only; unlocking happens purely by the record's TTL expiry.
func (s *Service) CheckLockout(ctx context.Context, identifier string) (models.Lockout, error) {
	id := NormalizeIdentifier(identifier)

	until, err := s.store.GetLockout(ctx, id)
	if err != nil {
		if err == store.ErrNotExist {
			return models.Lockout{}, nil
		}
		s.lo.Error("error reading lockout", "error", err)
		return models.Lockout{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := s.now()
	if !until.After(now) {
		return models.Lockout{}, nil
	}

	return models.Lockout{Locked: true, Until: until, TTL: until.Sub(now)}, nil
}

// Reset validates a reset token minted by a successful Verify, consumes
// it and replaces the user's credential. The token is single use:
// redeeming it deletes its marker, so a replay fails.
func (s *Service) Reset(ctx context.Context, identifier, token, newPassword string) error {
	id := NormalizeIdentifier(identifier)

	jti, err := s.verifyResetToken(token, id)
	if err != nil {
		return ErrInvalidToken
	}

	stored, err := s.store.ConsumeResetMarker(ctx, id)
	if err != nil {
		if err == store.ErrNotExist {
			return ErrInvalidToken
		}
		s.lo.Error("error consuming reset marker", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(jti)) != 1 {
		return ErrInvalidToken
	}

	u, err := s.users.GetByEmail(ctx, id)
	if err != nil {
		if err == users.ErrNotExist {
			// Don't leak account existence through the reset path.
			return ErrInvalidToken
		}
		s.lo.Error("error looking up user", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	hash, err := users.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}

	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		s.lo.Error("error updating password", "error", err, "user", u.ID)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.lo.Info("password reset", "user", u.ID)
	return nil
}

// MaxAttempts returns the configured attempt allowance.
func (s *Service) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// generateNumericCode generates a cryptographically random,
// digits-only string of length n.
func generateNumericCode(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	for k, v := range bytes {
		bytes[k] = numChars[v%byte(len(numChars))]
	}
	return string(bytes), nil
}
