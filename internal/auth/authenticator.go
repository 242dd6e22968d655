// Package auth is the attach point for login credential checks.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

// ErrUnauthorized is returned when a login credential is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Credentials is what a client presents at login.
type Credentials struct {
	ClientID string
	User     protocol.User
	Token    string
}

// Authenticator decides whether a login is accepted and which user the
// session is bound to.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (protocol.User, error)
}

// AcceptAll accepts every login as presented.
type AcceptAll struct{}

func (AcceptAll) Authenticate(_ context.Context, creds Credentials) (protocol.User, error) {
	return creds.User, nil
}

// TokenAuthenticator requires a login token whose subject is the presented
// username.
type TokenAuthenticator struct {
	cfg config.JWTConfig
}

// NewTokenAuthenticator builds a TokenAuthenticator for cfg.
func NewTokenAuthenticator(cfg config.JWTConfig) *TokenAuthenticator {
	return &TokenAuthenticator{cfg: cfg}
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, creds Credentials) (protocol.User, error) {
	if creds.Token == "" {
		return protocol.User{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if _, err := VerifyLoginToken(a.cfg, creds.Token, creds.User.Username); err != nil {
		if errors.Is(err, jwt.ErrTokenInvalidSubject) {
			return protocol.User{}, fmt.Errorf("%w: token issued for another user", ErrUnauthorized)
		}
		return protocol.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return creds.User, nil
}

// FromConfig returns a TokenAuthenticator when a secret is configured and
// AcceptAll otherwise.
func FromConfig(cfg config.JWTConfig) Authenticator {
	if cfg.Secret == "" {
		return AcceptAll{}
	}
	return NewTokenAuthenticator(cfg)
}
