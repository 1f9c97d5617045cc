package users

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err, "Error hashing password")
	assert.NotEqual(t, "s3cret-pass", hash, "hash should not be the plaintext")

	assert.True(t, CheckPassword(hash, "s3cret-pass"), "correct password should verify")
	assert.False(t, CheckPassword(hash, "wrong-pass"), "wrong password should not verify")
}

func TestHashPasswordUnique(t *testing.T) {
	h1, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	h2, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "bcrypt hashes should be salted")
}
