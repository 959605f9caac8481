package api

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/watchtower/storage/memory"
)

func newTestIssuer(ttl time.Duration) (*tokenIssuer, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return newTokenIssuer(bytes.Repeat([]byte{0x11}, 32), ttl, fc), fc
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti, fc := newTestIssuer(5 * time.Minute)

	token, expiresAt, err := ti.issue("alice", "sid-1", []string{"user"})
	require.NoError(t, err)
	assert.Equal(t, fc.Now().Add(5*time.Minute), expiresAt)

	claims, err := ti.verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "sid-1", claims.SessionID)
	assert.Equal(t, []string{"user"}, claims.Roles)
	assert.Equal(t, accessTokenIssuer, claims.Issuer)
}

func TestTokenIssuer_Expiry(t *testing.T) {
	ti, fc := newTestIssuer(time.Minute)
	token, _, err := ti.issue("alice", "sid-1", nil)
	require.NoError(t, err)

	fc.Advance(59 * time.Second)
	_, err = ti.verify(token)
	require.NoError(t, err)

	fc.Advance(2 * time.Second)
	_, err = ti.verify(token)
	assert.ErrorIs(t, err, errInvalidAccessToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTokenIssuer_RejectsForeignTokens(t *testing.T) {
	ti, _ := newTestIssuer(time.Minute)
	other, _ := newTestIssuer(time.Minute)
	other.key = newTokenIssuer(bytes.Repeat([]byte{0x22}, 32), time.Minute, other.clock).key

	foreign, _, err := other.issue("alice", "sid-1", nil)
	require.NoError(t, err)
	_, err = ti.verify(foreign)
	assert.ErrorIs(t, err, errInvalidAccessToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, accessClaims{
		SessionID: "sid-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    accessTokenIssuer,
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ti.verify(unsigned)
	assert.ErrorIs(t, err, errInvalidAccessToken)

	_, err = ti.verify("not-a-jwt")
	assert.ErrorIs(t, err, errInvalidAccessToken)
}

func TestAccountRecords(t *testing.T) {
	repo := memory.NewRepository()
	a, err := New(repo, bytes.Repeat([]byte{0x33}, 32), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.loadAccountRecord("alice")
	require.ErrorIs(t, err, errAccountNotFound)

	rec := accountRecord{Username: "Alice", Email: "alice@example.com", Roles: []string{"user"}}
	require.NoError(t, a.createAccountRecord(rec))
	assert.ErrorIs(t, a.createAccountRecord(accountRecord{Username: "ＡＬＩＣＥ"}), errAccountExists,
		"fullwidth and case variants normalize to the same account")

	got, err := a.loadAccountRecord(" alice ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Username)
	assert.Equal(t, "alice@example.com", got.Email)

	env, err := repo.Get(accountNamespace, accountRecordType, accountLookupID("alice"))
	require.NoError(t, err)
	assert.NotContains(t, string(env.Ciphertext), "alice@example.com")

	// A different master key cannot read the record.
	b, err := New(repo, bytes.Repeat([]byte{0x44}, 32), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer b.Close()
	_, err = b.loadAccountRecord("alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errAccountNotFound)
}

func TestNormalizeRoles(t *testing.T) {
	assert.Equal(t, []string{"user"}, normalizeRoles(nil))
	assert.Equal(t, []string{"user"}, normalizeRoles([]string{" ", ""}))
	assert.Equal(t, []string{"admin", "user"}, normalizeRoles([]string{"admin", " user", "admin"}))
}
