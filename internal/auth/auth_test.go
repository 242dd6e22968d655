package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/protocol"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{Secret: "s3cret", Issuer: "roomrelay", Expiration: time.Hour}
}

func TestFromConfigWithoutSecretAcceptsAll(t *testing.T) {
	authenticator := FromConfig(config.JWTConfig{})
	require.IsType(t, AcceptAll{}, authenticator)

	user, err := authenticator.Authenticate(context.Background(), Credentials{ClientID: "c1", User: protocol.User{Username: "ann"}})
	require.NoError(t, err)
	require.Equal(t, "ann", user.Username)
}

func TestTokenAuthenticatorAcceptsMatchingToken(t *testing.T) {
	cfg := testJWTConfig()
	token, err := IssueLoginToken(cfg, "ann")
	require.NoError(t, err)

	user, err := FromConfig(cfg).Authenticate(context.Background(), Credentials{User: protocol.User{Username: "ann"}, Token: token})
	require.NoError(t, err)
	require.Equal(t, "ann", user.Username)
}

func TestTokenAuthenticatorRejects(t *testing.T) {
	cfg := testJWTConfig()
	authenticator := NewTokenAuthenticator(cfg)
	annToken, err := IssueLoginToken(cfg, "ann")
	require.NoError(t, err)

	other := cfg
	other.Secret = "different"
	forged, err := IssueLoginToken(other, "ann")
	require.NoError(t, err)

	expired := cfg
	expired.Expiration = -time.Minute
	stale, err := IssueLoginToken(expired, "ann")
	require.NoError(t, err)

	foreign := signClaims(t, cfg, jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   "ann",
		Audience:  jwt.ClaimStrings{"billing"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	endless := signClaims(t, cfg, jwt.RegisteredClaims{
		Issuer:   cfg.Issuer,
		Subject:  "ann",
		Audience: jwt.ClaimStrings{loginAudience},
	})

	cases := map[string]Credentials{
		"missing token":  {User: protocol.User{Username: "ann"}},
		"other audience": {User: protocol.User{Username: "ann"}, Token: foreign},
		"no expiry":      {User: protocol.User{Username: "ann"}, Token: endless},
		"wrong user":     {User: protocol.User{Username: "bob"}, Token: annToken},
		"bad signature":  {User: protocol.User{Username: "ann"}, Token: forged},
		"expired":        {User: protocol.User{Username: "ann"}, Token: stale},
	}
	for name, creds := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := authenticator.Authenticate(context.Background(), creds)
			require.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestLoginTokenClaims(t *testing.T) {
	cfg := testJWTConfig()
	first, err := IssueLoginToken(cfg, "ann")
	require.NoError(t, err)
	second, err := IssueLoginToken(cfg, "ann")
	require.NoError(t, err)

	claims, err := VerifyLoginToken(cfg, first, "ann")
	require.NoError(t, err)
	require.Equal(t, "ann", claims.Subject)
	require.Equal(t, "roomrelay", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{loginAudience}, claims.Audience)
	require.NotEmpty(t, claims.ID)

	again, err := VerifyLoginToken(cfg, second, "ann")
	require.NoError(t, err)
	require.NotEqual(t, claims.ID, again.ID)

	_, err = VerifyLoginToken(cfg, first, "bob")
	require.ErrorIs(t, err, jwt.ErrTokenInvalidSubject)

	_, err = IssueLoginToken(cfg, "")
	require.Error(t, err)
}

func signClaims(t *testing.T, cfg config.JWTConfig, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	require.NoError(t, err)
	return token
}
