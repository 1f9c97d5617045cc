package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "schoolauth"

// mintResetToken signs a short-lived HS256 token binding the reset to
// the verified identifier and records its jti in the store so it can
// only be redeemed once.
func (s *Service) mintResetToken(ctx context.Context, identifier string) (string, error) {
	var (
		jti = uuid.NewString()
		now = s.now()
	)

	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   identifier,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(s.cfg.TokenSecret))
	if err != nil {
		return "", fmt.Errorf("error signing reset token: %w", err)
	}

	if err := s.store.SetResetMarker(ctx, identifier, jti, s.cfg.TokenTTL); err != nil {
		s.lo.Error("error storing reset marker", "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return signed, nil
}

// verifyResetToken checks the signature and claims of a reset token
// and returns its jti. The caller still has to consume the stored
// marker; a valid signature alone does not redeem the token.
func (s *Service) verifyResetToken(token, identifier string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.TokenSecret), nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token claims")
	}
	if claims.Subject != identifier {
		return "", errors.New("token subject mismatch")
	}
	if claims.ID == "" {
		return "", errors.New("token has no ID")
	}

	return claims.ID, nil
}
