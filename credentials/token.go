package credentials

import (
	"context"
	"time"
)

// Token is a bearer access token with its expiry. A zero ExpiresAt means
// the token does not expire.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token is usable at now.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// TokenProvider exchanges a long-lived secret for a short-lived access token.
type TokenProvider interface {
	Exchange(ctx context.Context, secret string) (*Token, error)
}

// StaticToken is a pre-issued access token that never refreshes.
type StaticToken string

// AccessToken returns the token, reporting false when it is empty.
func (s StaticToken) AccessToken() (string, bool) {
	return string(s), s != ""
}
