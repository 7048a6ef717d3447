// Package confirm issues and checks signed confirmation tokens for
// completions whose procedure requires a human to sign off.
package confirm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTTL = 15 * time.Minute

var ErrInvalidToken = errors.New("invalid confirmation token")

type Issuer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	CompletionID string `json:"completion_id"`
}

// Enabled reports whether tokens can be issued and must be presented.
func (i Issuer) Enabled() bool {
	return strings.TrimSpace(i.Secret) != ""
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a token binding memberID to one completion.
func (i Issuer) Issue(completionID, memberID string) (string, time.Time, error) {
	if !i.Enabled() {
		return "", time.Time{}, errors.New("confirmation secret not configured")
	}
	if memberID == "" {
		return "", time.Time{}, errors.New("member id required")
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := i.now().UTC()
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   memberID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		CompletionID: completionID,
	})
	signed, err := tok.SignedString([]byte(i.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign confirmation: %w", err)
	}
	return signed, exp, nil
}

// Verify checks token against completionID and returns the confirming member.
func (i Issuer) Verify(token, completionID string) (string, error) {
	if !i.Enabled() {
		return "", errors.New("confirmation secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(i.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return "", ErrInvalidToken
	}
	if c.CompletionID != completionID {
		return "", fmt.Errorf("%w: issued for completion %s", ErrInvalidToken, c.CompletionID)
	}
	return c.Subject, nil
}
