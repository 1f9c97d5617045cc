package recovery

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	redisstore "github.com/Onyx48/schoolauth/internal/store/redis"
	"github.com/Onyx48/schoolauth/internal/users"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const (
	testIdentifier = "user@x.com"
	testPassword   = "old-password-1"
)

var (
	ctx  = context.Background()
	rdis *miniredis.Miniredis
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
}

// captureSender records delivered codes instead of sending them.
type captureSender struct {
	mu    sync.Mutex
	fail  bool
	codes []string
}

func (c *captureSender) Send(ctx context.Context, identifier, code string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	c.codes = append(c.codes, code)
	return nil
}

func (c *captureSender) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return ""
	}
	return c.codes[len(c.codes)-1]
}

// memUsers is an in-memory users.Store.
type memUsers struct {
	mu     sync.Mutex
	byMail map[string]users.User
	hashes map[string]string
}

func newMemUsers(us ...users.User) *memUsers {
	m := &memUsers{
		byMail: make(map[string]users.User),
		hashes: make(map[string]string),
	}
	for _, u := range us {
		m.byMail[u.Email] = u
		m.hashes[u.ID] = u.Password
	}
	return m
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byMail[email]
	if !ok {
		return users.User{}, users.ErrNotExist
	}
	return u, nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hashes[userID]; !ok {
		return users.ErrNotExist
	}
	m.hashes[userID] = hash
	return nil
}

func setup(t *testing.T) (*Service, *captureSender, *memUsers) {
	rdis.FlushDB()
	t.Cleanup(func() {
		rdis.FlushDB()
	})

	port, _ := strconv.Atoi(rdis.Port())
	st := redisstore.New(redisstore.Conf{Host: rdis.Host(), Port: port})

	hash, err := users.HashPassword(testPassword)
	require.NoError(t, err)
	us := newMemUsers(users.User{
		ID:       "u-1",
		Email:    testIdentifier,
		Role:     "student",
		Password: hash,
		Enabled:  true,
	})

	sender := &captureSender{}
	svc := New(Conf{
		OTPLength:   6,
		MaxAttempts: 5,
		OTPTTL:      300 * time.Second,
		LockoutTTL:  1200 * time.Second,
		TokenTTL:    600 * time.Second,
		TokenSecret: "test-secret",
	}, st, us, sender, logf.New(logf.Opts{Writer: io.Discard}))

	return svc, sender, us
}

func TestRequestIssuesOTP(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, " USER@X.com "))

	code := sender.last()
	require.Len(t, code, 6, "code should be 6 characters")
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9', "code should be digits only")
	}

	// The identifier is normalized before keying state.
	res, err := svc.Verify(ctx, testIdentifier, code)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, res.Status, "code issued for the raw identifier should verify for the normalized one")
}

func TestRequestInvalidatesPrevious(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	first := sender.last()

	require.NoError(t, svc.Request(ctx, testIdentifier))
	second := sender.last()
	require.NotEqual(t, first, second)

	// The first code is dead; only the freshest one verifies.
	res, err := svc.Verify(ctx, testIdentifier, first)
	require.NoError(t, err)
	assert.NotEqual(t, VerifyOK, res.Status, "stale code should not verify")

	res, err = svc.Verify(ctx, testIdentifier, second)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, res.Status, "fresh code should verify")
}

func TestRequestSendFailure(t *testing.T) {
	svc, sender, _ := setup(t)

	sender.fail = true
	err := svc.Request(ctx, testIdentifier)
	assert.ErrorIs(t, err, ErrSendFailed)

	// The record was written before the send and stays valid, so a
	// retried request simply replaces it.
	sender.fail = false
	require.NoError(t, svc.Request(ctx, testIdentifier))
	res, err := svc.Verify(ctx, testIdentifier, sender.last())
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, res.Status)
}

func TestVerifySuccessIsSingleUse(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	code := sender.last()

	res, err := svc.Verify(ctx, testIdentifier, code)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, res.Status)
	assert.NotEmpty(t, res.ResetToken, "success should mint a reset token")

	// The OTP was consumed; the same code cannot verify twice.
	res, err = svc.Verify(ctx, testIdentifier, code)
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, res.Status)
	assert.Equal(t, 5, res.AttemptsLeft, "not-found should carry the full allowance as a reset signal")
}

func TestVerifyExpired(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	rdis.FastForward(301 * time.Second)

	res, err := svc.Verify(ctx, testIdentifier, sender.last())
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, res.Status, "expired OTP should report not-found")
}

func TestVerifyAttemptsAndLockout(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	code := sender.last()

	// Four wrong guesses count down the allowance.
	for i, want := range []int{4, 3, 2, 1} {
		res, err := svc.Verify(ctx, testIdentifier, "111111")
		require.NoError(t, err)
		assert.Equal(t, VerifyMismatch, res.Status, "attempt %d", i+1)
		assert.Equal(t, want, res.AttemptsLeft, "attempt %d", i+1)
	}

	// The fifth wrong guess trips the lockout.
	before := time.Now()
	res, err := svc.Verify(ctx, testIdentifier, "111111")
	require.NoError(t, err)
	assert.Equal(t, VerifyLocked, res.Status)
	assert.Equal(t, 0, res.AttemptsLeft)
	assert.WithinDuration(t, before.Add(1200*time.Second), res.LockedUntil, 5*time.Second)

	lock, err := svc.CheckLockout(ctx, testIdentifier)
	require.NoError(t, err)
	assert.True(t, lock.Locked)
	assert.True(t, lock.TTL > 0)

	// Even the correct code is dead now: the record was deleted when
	// the lockout was created.
	res, err = svc.Verify(ctx, testIdentifier, code)
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, res.Status, "correct code must not verify after lockout")
}

func TestLockoutExpires(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	for i := 0; i < 5; i++ {
		_, err := svc.Verify(ctx, testIdentifier, "111111")
		require.NoError(t, err)
	}

	lock, err := svc.CheckLockout(ctx, testIdentifier)
	require.NoError(t, err)
	require.True(t, lock.Locked)

	// The lockout clears purely by TTL expiry; a fresh request then
	// resumes the normal flow.
	rdis.FastForward(1201 * time.Second)
	lock, err = svc.CheckLockout(ctx, testIdentifier)
	require.NoError(t, err)
	assert.False(t, lock.Locked, "lockout should have expired")

	require.NoError(t, svc.Request(ctx, testIdentifier))
	res, err := svc.Verify(ctx, testIdentifier, sender.last())
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, res.Status)
}

func TestFailedAttemptPreservesTTL(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	rdis.FastForward(10 * time.Second)

	_, err := svc.Verify(ctx, testIdentifier, "111111")
	require.NoError(t, err)

	// The wrong guess must not have reset the expiry: the code dies
	// at its original deadline.
	rdis.FastForward(291 * time.Second)
	res, err := svc.Verify(ctx, testIdentifier, sender.last())
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, res.Status, "OTP should expire on its original schedule")
}

func TestReset(t *testing.T) {
	svc, sender, us := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	res, err := svc.Verify(ctx, testIdentifier, sender.last())
	require.NoError(t, err)
	require.Equal(t, VerifyOK, res.Status)

	require.NoError(t, svc.Reset(ctx, testIdentifier, res.ResetToken, "brand-new-pass-9"))

	us.mu.Lock()
	hash := us.hashes["u-1"]
	us.mu.Unlock()
	assert.True(t, users.CheckPassword(hash, "brand-new-pass-9"), "new password should be stored")
	assert.False(t, users.CheckPassword(hash, testPassword), "old password should be gone")

	// The token is single use.
	err = svc.Reset(ctx, testIdentifier, res.ResetToken, "another-pass-10")
	assert.ErrorIs(t, err, ErrInvalidToken, "redeemed token should not work twice")
}

func TestResetTokenBoundToIdentifier(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	res, err := svc.Verify(ctx, testIdentifier, sender.last())
	require.NoError(t, err)
	require.Equal(t, VerifyOK, res.Status)

	err = svc.Reset(ctx, "other@x.com", res.ResetToken, "brand-new-pass-9")
	assert.ErrorIs(t, err, ErrInvalidToken, "token must not transfer between identifiers")
}

func TestResetRejectsGarbageToken(t *testing.T) {
	svc, _, _ := setup(t)

	err := svc.Reset(ctx, testIdentifier, "not.a.token", "brand-new-pass-9")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResetTokenExpires(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Request(ctx, testIdentifier))
	res, err := svc.Verify(ctx, testIdentifier, sender.last())
	require.NoError(t, err)
	require.Equal(t, VerifyOK, res.Status)

	// The marker expires with the token TTL.
	rdis.FastForward(601 * time.Second)
	err = svc.Reset(ctx, testIdentifier, res.ResetToken, "brand-new-pass-9")
	assert.ErrorIs(t, err, ErrInvalidToken, "expired marker should invalidate the token")
}

func TestStoreUnavailableFailsClosed(t *testing.T) {
	// A store pointing at a dead server must surface ErrUnavailable,
	// never a business outcome.
	rd, err := miniredis.Run()
	require.NoError(t, err)
	port, _ := strconv.Atoi(rd.Port())
	st := redisstore.New(redisstore.Conf{Host: rd.Host(), Port: port})
	rd.Close()

	svc := New(Conf{TokenSecret: "test-secret"}, st, newMemUsers(), &captureSender{},
		logf.New(logf.Opts{Writer: io.Discard}))

	err = svc.Request(ctx, testIdentifier)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = svc.Verify(ctx, testIdentifier, "123456")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = svc.CheckLockout(ctx, testIdentifier)
	assert.ErrorIs(t, err, ErrUnavailable)
}
