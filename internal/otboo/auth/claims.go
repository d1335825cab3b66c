// Package auth owns the client-side OTBOO session: decoding access token
// claims and keeping the single current Session for the HTTP client.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the user role carried in the access token.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

var (
	ErrInvalidToken       = errors.New("invalid access token")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSession          = errors.New("no active session")
	ErrBusy               = errors.New("auth operation already in progress")

	errSignedOut = fmt.Errorf("%w: signed out meanwhile", ErrNoSession)
)

// Claims is the payload the OTBOO server embeds in its access tokens.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// ParseAccessToken decodes the claims of a signed access token.
// The signature is not verified: the client never holds the signing key and
// the server rejects tampered tokens with 401 anyway.
func ParseAccessToken(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}

// Session is the authenticated identity derived from an access token.
type Session struct {
	UserID      string
	Email       string
	Name        string
	Role        Role
	AccessToken string
	ExpiresAt   time.Time // zero if the token carries no exp claim
}

// NewSession parses the token and builds a Session from its claims.
func NewSession(accessToken string) (*Session, error) {
	claims, err := ParseAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	s := &Session{
		UserID:      claims.UserID,
		Email:       claims.Email,
		Name:        claims.Name,
		Role:        claims.Role,
		AccessToken: strings.TrimSpace(accessToken),
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Expired reports whether the token's exp claim is before now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return now.After(s.ExpiresAt)
}

// IsAdmin reports whether the session belongs to an administrator.
func (s *Session) IsAdmin() bool {
	return s != nil && s.Role == RoleAdmin
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
