package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenInvalid is returned by Decode for anything that is not a well-formed token signed by us.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrInvalidLifetime is returned for lifetimes under one second or with a fractional second.
	// Token timestamps carry whole seconds only.
	ErrInvalidLifetime = errors.New("token lifetime must be a whole number of seconds, at least one")
)

// TokenManager handles issuing and decoding JWT tokens.
type TokenManager struct {
	secret        []byte
	ttl           time.Duration
	refreshWindow time.Duration
	now           func() time.Time
}

// NewTokenManager builds a new manager.
func NewTokenManager(secret string, ttl, refreshWindow time.Duration) *TokenManager {
	if ttl < time.Second {
		ttl = 7 * 24 * time.Hour
	}
	if refreshWindow < 0 || refreshWindow >= ttl {
		refreshWindow = 0
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, refreshWindow: refreshWindow, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	tm.now = now
	return tm
}

// Claims describes the JWT payload. The username travels in the registered "sub" claim.
type Claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// Username returns the subject name.
func (c *Claims) Username() string {
	return c.Subject
}

// Expired reports whether the token is past its expiry. A token expiring exactly at now is expired.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.Time.After(now)
}

// InRefreshWindow reports whether the remaining lifetime is within window.
func (c *Claims) InRefreshWindow(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return c.ExpiresAt.Time.Sub(now) <= window
}

// TTL returns the default token lifetime.
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

// RefreshWindow returns the configured refresh window.
func (tm *TokenManager) RefreshWindow() time.Duration {
	return tm.refreshWindow
}

// Now returns the manager's current time.
func (tm *TokenManager) Now() time.Time {
	return tm.now()
}

// GenerateToken issues a token with the default lifetime.
func (tm *TokenManager) GenerateToken(userID int64, username string) (string, *Claims, error) {
	return tm.Issue(userID, username, tm.ttl)
}

// Issue builds and signs a JWT for the subject.
func (tm *TokenManager) Issue(userID int64, username string, lifetime time.Duration) (string, *Claims, error) {
	if lifetime < time.Second || lifetime%time.Second != 0 {
		return "", nil, ErrInvalidLifetime
	}
	issuedAt := tm.now().Truncate(time.Second)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, claims, nil
}

// Decode verifies the signature and structure and returns the claims.
// Expiry is not checked here; callers use Claims.Expired.
func (tm *TokenManager) Decode(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UserID <= 0 || claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing required claims", ErrTokenInvalid)
	}
	return claims, nil
}
