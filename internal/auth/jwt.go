// Package auth issues and checks the credentials that sit in front of the
// session coordinator.
//
// Sign-in flow:
//  1. /auth/{provider}/login opens an Authenticating session and redirects to
//     the identity provider with the session ID as the OAuth state.
//  2. The provider calls back /auth/{provider}/callback with a code. The
//     server exchanges it for an Identity and completes the session.
//  3. The server issues a JWT carrying the user ID (sub) and session ID (sid)
//     in an HttpOnly cookie.
//  4. RequireAuth validates the JWT and then asks the coordinator whether the
//     session is still signed in, so a signed-out token stops working at once
//     even though it has not expired.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "cosmicfire"

// TokenService signs and verifies HS256 access tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. The secret must be at least 16
// bytes; ttl is the lifetime of issued tokens.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token TTL must be positive")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Claims is what a valid token says about its bearer.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

type claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Generate issues a token for userID bound to sessionID.
func (s *TokenService) Generate(userID, sessionID string) (string, error) {
	return s.generate(userID, sessionID, time.Now(), s.ttl)
}

// TTL is the lifetime of issued tokens; handlers use it for the cookie.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

func (s *TokenService) generate(userID, sessionID string, now time.Time, d time.Duration) (string, error) {
	c := claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token.
//
// Only HS256 is accepted (jwt.WithValidMethods), which rules out "alg: none"
// and algorithm-confusion tokens. Expiry and issuer are required.
func (s *TokenService) Validate(tokenStr string) (Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("auth: token expired")
		}
		return Claims{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return Claims{}, fmt.Errorf("auth: token has no subject")
	}
	if c.SessionID == "" {
		return Claims{}, fmt.Errorf("auth: token has no session")
	}

	return Claims{UserID: c.Subject, SessionID: c.SessionID, ExpiresAt: c.ExpiresAt.Time}, nil
}
