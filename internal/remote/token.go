package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies a bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("empty token")
	}
	return string(t), nil
}

// RefreshFunc obtains a fresh access token.
type RefreshFunc func(ctx context.Context) (string, error)

const (
	defaultTokenSkew = 30 * time.Second
	defaultTokenTTL  = 5 * time.Minute
)

// JWTTokenSource caches an access token until shortly before its exp claim
// and calls refresh to replace it. The token is not verified; the service
// that issued it does that.
type JWTTokenSource struct {
	refresh   RefreshFunc
	onRefresh func(token string, expiry time.Time)
	skew      time.Duration
	now       func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// JWTOption configures a JWTTokenSource.
type JWTOption func(*JWTTokenSource)

// WithRefreshCallback is called after every successful refresh.
func WithRefreshCallback(fn func(token string, expiry time.Time)) JWTOption {
	return func(s *JWTTokenSource) {
		s.onRefresh = fn
	}
}

// WithSkew sets how long before expiry a token is considered stale.
func WithSkew(d time.Duration) JWTOption {
	return func(s *JWTTokenSource) {
		s.skew = d
	}
}

// WithTokenClock overrides the clock used for expiry checks.
func WithTokenClock(now func() time.Time) JWTOption {
	return func(s *JWTTokenSource) {
		s.now = now
	}
}

// NewJWTTokenSource returns a caching token source around refresh.
func NewJWTTokenSource(refresh RefreshFunc, opts ...JWTOption) *JWTTokenSource {
	s := &JWTTokenSource{
		refresh: refresh,
		skew:    defaultTokenSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns the cached token, refreshing it when it is close to expiry.
func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(s.skew).Before(s.expiry) {
		return s.token, nil
	}

	tok, err := s.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	expiry, err := tokenExpiry(tok)
	if err != nil {
		return "", err
	}
	if expiry.IsZero() {
		expiry = s.now().Add(defaultTokenTTL)
	}

	s.token = tok
	s.expiry = expiry
	if s.onRefresh != nil {
		s.onRefresh(tok, expiry)
	}
	return tok, nil
}

// Invalidate drops the cached token so the next call refreshes it.
func (s *JWTTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

// tokenExpiry reads the exp claim. A token without one yields the zero time.
func tokenExpiry(tok string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("parse token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

type invalidator interface {
	Invalidate()
}
