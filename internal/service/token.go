package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs operator tokens accepted by the gRPC control surface.
type TokenIssuer struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer; ttl <= 0 defaults to 12h.
func NewTokenIssuer(signKey []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{signKey: signKey, ttl: ttl, now: time.Now}
}

// Issue creates a signed HS256 JWT for the given operator subject.
func (t *TokenIssuer) Issue(subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("validation: empty subject")
	}
	if len(t.signKey) == 0 {
		return "", time.Time{}, errors.New("validation: empty signing key")
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.signKey)
	return signed, exp, err
}
