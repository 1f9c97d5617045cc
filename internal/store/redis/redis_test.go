package redis

import (
	"context"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/Onyx48/schoolauth/internal/models"
	"github.com/Onyx48/schoolauth/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx     = context.Background()
	rStore  *Redis
	rdis    *miniredis.Miniredis
	mockOTP = models.OTPRecord{
		Identifier: "student@school.edu",
		OTP:        "123456",
	}
)

const mockTTL = 30 * time.Second

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	err := rStore.SetOTP(ctx, mockOTP.Identifier, mockOTP, mockTTL)
	require.NoError(t, err, "Failed to set up test OTP")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestStoreSetOTP(t *testing.T) {
	rStore := setup(t)

	o, err := rStore.GetOTP(ctx, mockOTP.Identifier)
	assert.NoError(t, err, "Error getting OTP")
	assert.Equal(t, mockOTP.OTP, o.OTP, "Returned OTP doesn't match")
	assert.Equal(t, 0, o.Attempts, "Fresh OTP should have zero attempts")
	assert.Equal(t, mockTTL, o.TTL, "Returned TTL doesn't match")
}

func TestStoreSetOTPOverwrite(t *testing.T) {
	rStore := setup(t)

	// Fail a couple of attempts against the first record.
	_, _, err := rStore.FailOTP(ctx, mockOTP.Identifier)
	require.NoError(t, err)
	_, _, err = rStore.FailOTP(ctx, mockOTP.Identifier)
	require.NoError(t, err)

	// A fresh Set replaces the record entirely and resets attempts.
	fresh := mockOTP
	fresh.OTP = "999999"
	require.NoError(t, rStore.SetOTP(ctx, mockOTP.Identifier, fresh, mockTTL))

	o, err := rStore.GetOTP(ctx, mockOTP.Identifier)
	assert.NoError(t, err)
	assert.Equal(t, "999999", o.OTP, "new code should replace the old one")
	assert.Equal(t, 0, o.Attempts, "attempts should reset on overwrite")
}

func TestStoreFailOTP(t *testing.T) {
	rStore := setup(t)

	n, ttl, err := rStore.FailOTP(ctx, mockOTP.Identifier)
	assert.NoError(t, err, "Error incrementing attempts")
	assert.Equal(t, 1, n, "Unexpected attempt count")
	assert.True(t, ttl > 0, "TTL should remain positive")

	n, _, err = rStore.FailOTP(ctx, mockOTP.Identifier)
	assert.NoError(t, err)
	assert.Equal(t, 2, n, "Unexpected attempt count after second increment")
}

func TestStoreFailOTPPreservesTTL(t *testing.T) {
	rStore := setup(t)

	before, err := rStore.GetOTP(ctx, mockOTP.Identifier)
	require.NoError(t, err)

	// Let some time pass, then fail an attempt. The TTL must keep
	// counting down from the original expiry, not reset.
	rdis.FastForward(10 * time.Second)
	_, ttl, err := rStore.FailOTP(ctx, mockOTP.Identifier)
	require.NoError(t, err)

	assert.Equal(t, before.TTL-10*time.Second, ttl,
		"failed attempt must not reset the record's TTL")
}

func TestStoreFailOTPExpired(t *testing.T) {
	rStore := setup(t)

	rdis.FastForward(mockTTL + time.Second)
	_, _, err := rStore.FailOTP(ctx, mockOTP.Identifier)
	assert.Equal(t, store.ErrNotExist, err, "expired OTP should report ErrNotExist")

	// The increment must not have resurrected the key.
	_, err = rStore.GetOTP(ctx, mockOTP.Identifier)
	assert.Equal(t, store.ErrNotExist, err, "expired OTP should stay gone")
}

func TestStoreDeleteOTP(t *testing.T) {
	rStore := setup(t)

	err := rStore.DeleteOTP(ctx, mockOTP.Identifier)
	assert.NoError(t, err, "Error deleting OTP")

	_, err = rStore.GetOTP(ctx, mockOTP.Identifier)
	assert.Equal(t, store.ErrNotExist, err, "OTP should not exist but it does")
}

func TestStoreLockout(t *testing.T) {
	rStore := setup(t)

	_, err := rStore.GetLockout(ctx, mockOTP.Identifier)
	assert.Equal(t, store.ErrNotExist, err, "no lockout should exist yet")

	until := time.Now().Add(20 * time.Minute).Truncate(time.Millisecond)
	require.NoError(t, rStore.SetLockout(ctx, mockOTP.Identifier, until, 20*time.Minute))

	got, err := rStore.GetLockout(ctx, mockOTP.Identifier)
	assert.NoError(t, err)
	assert.Equal(t, until.UnixMilli(), got.UnixMilli(), "lockout deadline doesn't match")

	// The record expires on its own.
	rdis.FastForward(21 * time.Minute)
	_, err = rStore.GetLockout(ctx, mockOTP.Identifier)
	assert.Equal(t, store.ErrNotExist, err, "lockout should have expired")
}

func TestStoreResetMarker(t *testing.T) {
	rStore := setup(t)

	require.NoError(t, rStore.SetResetMarker(ctx, mockOTP.Identifier, "jti-1", time.Minute))

	jti, err := rStore.ConsumeResetMarker(ctx, mockOTP.Identifier)
	assert.NoError(t, err)
	assert.Equal(t, "jti-1", jti, "marker doesn't match")

	// Consuming is destructive.
	_, err = rStore.ConsumeResetMarker(ctx, mockOTP.Identifier)
	assert.Equal(t, store.ErrNotExist, err, "marker should be single use")
}

func TestStorePing(t *testing.T) {
	rStore := setup(t)
	assert.NoError(t, rStore.Ping(ctx))
}
