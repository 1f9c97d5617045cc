// Package users holds the persisted account records the recovery flow
// ultimately updates.
package users

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrNotExist is returned when no user is registered under the given
// identifier.
var ErrNotExist = errors.New("the user does not exist")

// User is a platform account. Password holds the bcrypt hash, never
// the plaintext.
type User struct {
	ID       string `json:"user_id" dynamodbav:"user_id"`
	Email    string `json:"email" dynamodbav:"email"`
	Name     string `json:"name" dynamodbav:"name"`
	Role     string `json:"role" dynamodbav:"role"`
	Password string `json:"-" dynamodbav:"password"`
	Enabled  bool   `json:"enabled" dynamodbav:"enabled"`
}

// Store is a storage backend for user accounts. The recovery flow only
// ever reads by e-mail and rewrites the credential.
type Store interface {
	// GetByEmail returns the user registered under the given
	// (lowercased) e-mail, or ErrNotExist.
	GetByEmail(ctx context.Context, email string) (User, error)

	// UpdatePassword replaces the stored password hash of a user.
	UpdatePassword(ctx context.Context, userID, hash string) error
}

// HashPassword bcrypt-hashes a plaintext password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether the plaintext matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
