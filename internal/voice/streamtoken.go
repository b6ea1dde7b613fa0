package voice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultStreamTokenTTL bounds how long a media stream token is accepted.
const DefaultStreamTokenTTL = 5 * time.Minute

var (
	ErrStreamTokensDisabled = errors.New("stream tokens disabled")
	ErrInvalidStreamToken   = errors.New("invalid stream token")
)

// StreamTokens issues and checks the short-lived tokens that bind a media
// stream connection to the provider call it was opened for.
type StreamTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type streamClaims struct {
	jwt.RegisteredClaims
}

// NewStreamTokens builds a token helper. A zero ttl uses DefaultStreamTokenTTL.
func NewStreamTokens(secret string, ttl time.Duration) (*StreamTokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrStreamTokensDisabled
	}
	if ttl <= 0 {
		ttl = DefaultStreamTokenTTL
	}
	return &StreamTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the given provider call id.
func (t *StreamTokens) Issue(providerCallID string) (string, error) {
	if t == nil {
		return "", ErrStreamTokensDisabled
	}
	if providerCallID == "" {
		return "", errors.New("provider call id required")
	}
	now := t.now()
	claims := streamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   providerCallID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks the token and returns the provider call id it was issued for.
func (t *StreamTokens) Verify(token string) (string, error) {
	if t == nil {
		return "", ErrStreamTokensDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &streamClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidStreamToken, err)
	}
	claims, ok := parsed.Claims.(*streamClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidStreamToken
	}
	return claims.Subject, nil
}
