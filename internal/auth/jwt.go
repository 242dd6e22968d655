package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fenggwsx/RoomRelay/internal/config"
)

// loginAudience scopes tokens to relay logins so a token minted for another
// service sharing the secret is not accepted.
const loginAudience = "roomrelay-login"

// clockSkew tolerates small clock differences between relaytoken and the
// backend.
const clockSkew = 30 * time.Second

// IssueLoginToken signs a token that lets username log in to the relay.
// The subject carries the username; the token id makes each grant distinct
// in logs.
func IssueLoginToken(cfg config.JWTConfig, username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("issue login token: empty username")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    cfg.Issuer,
		Subject:   username,
		Audience:  jwt.ClaimStrings{loginAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiration)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyLoginToken checks that token grants a relay login to username and
// returns its claims.
func VerifyLoginToken(cfg config.JWTConfig, token, username string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(loginAudience),
		jwt.WithSubject(username),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
