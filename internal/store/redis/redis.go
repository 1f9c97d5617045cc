package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Onyx48/schoolauth/internal/models"
	"github.com/Onyx48/schoolauth/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	nsOTP     = "otp"
	nsLockout = "lockout"
	nsReset   = "reset"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "SCHOOLAUTH"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// NewWithClient returns a Redis store that wraps an externally
// constructed client.
func NewWithClient(client *redis.Client, c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "SCHOOLAUTH"
	}
	return &Redis{conf: c, client: client}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SetOTP writes a fresh OTP record against an identifier, replacing any
// previous record. The DEL before the HSET guarantees the attempt
// counter starts over.
func (r *Redis) SetOTP(ctx context.Context, identifier string, otp models.OTPRecord, ttl time.Duration) error {
	key := r.makeKey(nsOTP, identifier)

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"otp", otp.OTP,
		"attempts", otp.Attempts)
	pipe.PExpire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetOTP retrieves the pending OTP record and its remaining TTL.
func (r *Redis) GetOTP(ctx context.Context, identifier string) (models.OTPRecord, error) {
	key := r.makeKey(nsOTP, identifier)
	out := models.OTPRecord{
		Identifier: identifier,
	}

	// Retrieve all fields of the hash.
	if err := r.client.HGetAll(ctx, key).Scan(&out); err != nil {
		return out, err
	}

	// Doesn't exist?
	if out.OTP == "" {
		return out, store.ErrNotExist
	}

	// Retrieve TTL.
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return out, err
	}

	out.TTL = ttl
	out.TTLSeconds = ttl.Seconds()
	return out, nil
}

// FailOTP increments the attempt counter and reads the remaining TTL in
// one transaction. HINCRBY leaves the key's expiry untouched, so the
// original TTL is preserved exactly. Concurrent failures serialize on
// the increment and none are lost.
func (r *Redis) FailOTP(ctx context.Context, identifier string) (int, time.Duration, error) {
	key := r.makeKey(nsOTP, identifier)

	pipe := r.client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, key, "attempts", 1)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	// If the record expired between the caller's read and the
	// increment, HINCRBY recreated the key without an expiry.
	// Remove it and report the OTP as gone.
	if ttl.Val() < 0 {
		r.client.Del(ctx, key)
		return 0, 0, store.ErrNotExist
	}

	return int(attempts.Val()), ttl.Val(), nil
}

// DeleteOTP deletes the OTP record saved against an identifier.
func (r *Redis) DeleteOTP(ctx context.Context, identifier string) error {
	return r.client.Del(ctx, r.makeKey(nsOTP, identifier)).Err()
}

// SetLockout marks an identifier as locked out until the given time.
func (r *Redis) SetLockout(ctx context.Context, identifier string, until time.Time, ttl time.Duration) error {
	key := r.makeKey(nsLockout, identifier)
	return r.client.Set(ctx, key, strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

// GetLockout returns the lockout deadline for an identifier.
func (r *Redis) GetLockout(ctx context.Context, identifier string) (time.Time, error) {
	val, err := r.client.Get(ctx, r.makeKey(nsLockout, identifier)).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, store.ErrNotExist
		}
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed lockout record: %v", err)
	}
	return time.UnixMilli(ms), nil
}

// SetResetMarker stores the jti of a minted reset token.
func (r *Redis) SetResetMarker(ctx context.Context, identifier, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, r.makeKey(nsReset, identifier), jti, ttl).Err()
}

// ConsumeResetMarker fetches and deletes the reset marker in a single
// GETDEL so a token can never be redeemed twice.
func (r *Redis) ConsumeResetMarker(ctx context.Context, identifier string) (string, error) {
	val, err := r.client.GetDel(ctx, r.makeKey(nsReset, identifier)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", store.ErrNotExist
		}
		return "", err
	}
	return val, nil
}

// makeKey makes the Redis key for a record.
func (r *Redis) makeKey(namespace, identifier string) string {
	return fmt.Sprintf("%s:%s:%s", r.conf.KeyPrefix, namespace, identifier)
}
