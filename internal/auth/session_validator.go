package auth

import (
	"errors"
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

var (
	ErrMissingTokenValidator    = errors.New("session validator: token validator required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
)

// TokenValidator validates a raw session token string.
type TokenValidator interface {
	ValidateToken(tokenString string) (SessionClaims, error)
}

// SessionValidatorConfig describes where session tokens are read from.
type SessionValidatorConfig struct {
	Tokens     TokenValidator
	CookieName string
}

// SessionValidator extracts session tokens from requests and validates them.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingTokenValidator
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	return &SessionValidator{
		tokens:     cfg.Tokens,
		cookieName: cookieName,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest reads the bearer Authorization header, falling back to the session cookie.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return v.tokens.ValidateToken(token)
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.tokens.ValidateToken(cookie.Value)
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}
