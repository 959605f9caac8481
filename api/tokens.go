package api

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/watchtower/internal/uuid"
)

const accessTokenIssuer = "watchtower"

var errInvalidAccessToken = errors.New("invalid access token")

// accessClaims are carried by the short-lived access cookie. The session ID
// ties the token to its refresh session so logout revokes it.
type accessClaims struct {
	SessionID string   `json:"sid"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// tokenIssuer signs and verifies HS256 access tokens. The signing key stays
// in an encrypted enclave and is only decrypted for each operation.
type tokenIssuer struct {
	key   *memguard.Enclave
	ttl   time.Duration
	clock clockwork.Clock
}

func newTokenIssuer(key []byte, ttl time.Duration, c clockwork.Clock) *tokenIssuer {
	// NewEnclave wipes key.
	return &tokenIssuer{key: memguard.NewEnclave(key), ttl: ttl, clock: c}
}

func (ti *tokenIssuer) issue(username, sessionID string, roles []string) (string, time.Time, error) {
	now := ti.clock.Now()
	expiresAt := now.Add(ti.ttl)
	claims := accessClaims{
		SessionID: sessionID,
		Roles:     slices.Clone(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    accessTokenIssuer,
			Subject:   username,
			ID:        uuid.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	buf, err := ti.key.Open()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("opening signing key: %w", err)
	}
	defer buf.Destroy()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(buf.Bytes())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (ti *tokenIssuer) verify(token string) (*accessClaims, error) {
	buf, err := ti.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key: %w", err)
	}
	defer buf.Destroy()

	claims := &accessClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return buf.Bytes(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(accessTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidAccessToken, err)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, errInvalidAccessToken
	}
	return claims, nil
}
