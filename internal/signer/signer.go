// Package signer issues and verifies the time-bounded signed envelopes
// that wrap every successful tool result (spec.md §4.3). Adapted from
// the teacher's internal/auth/jwt.go JWTService, generalized from a user
// subject claim to a {result_id, payload, iat, exp} claim set.
package signer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpiredSignature = errors.New("EXPIRED_SIGNATURE")
	ErrInvalidSignature = errors.New("INVALID_SIGNATURE")
	ErrSignatureError    = errors.New("SIGNATURE_ERROR")
)

// Claims is the envelope's signed payload: the result identifier, the
// serialised tool-result payload, and the standard iat/exp claims.
type Claims struct {
	ResultID string `json:"result_id"`
	Payload  string `json:"payload"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 envelopes with a fixed lifetime.
type Signer struct {
	secret   []byte
	lifetime time.Duration
}

// New creates a Signer. Absence of secret is a CONFIG_FATAL condition
// the caller must check before constructing — see internal/config.
func New(secret string, lifetime time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("signer: secret is required")
	}
	if lifetime <= 0 {
		lifetime = 600 * time.Second
	}
	return &Signer{secret: []byte(secret), lifetime: lifetime}, nil
}

// Sign issues a token binding resultID and payload with iat/exp claims.
func (s *Signer) Sign(resultID, payload string) (string, error) {
	now := time.Now()
	claims := Claims{
		ResultID: resultID,
		Payload:  payload,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify decodes token and requires the decoded result_id/payload to
// match the supplied envelope fields. Any mismatch, expiry, or malformed
// token surfaces as one of the sentinel errors above.
func (s *Signer) Verify(token, resultID, payload string) error {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredSignature
		}
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid {
		return ErrInvalidSignature
	}
	if claims.ResultID == "" || claims.Payload == "" {
		return ErrSignatureError
	}
	if claims.ResultID != resultID || claims.Payload != payload {
		return ErrInvalidSignature
	}
	return nil
}
