package auth

import (
	"testing"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "test-secret"

func newGatekeeper(t *testing.T) (*Gatekeeper, *Issuer) {
	t.Helper()
	v, err := NewJWTValidatorHS256(secret)
	require.NoError(t, err)
	return NewGatekeeper(v, zap.NewNop()), NewIssuer(secret, time.Hour)
}

func TestAdmitHeaderAndQuery(t *testing.T) {
	gk, iss := newGatekeeper(t)
	tok, err := iss.Issue("alice")
	require.NoError(t, err)

	p, err := gk.Admit("Bearer "+tok, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)

	p, err = gk.Admit("", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
}

func TestAdmitRejects(t *testing.T) {
	gk, _ := newGatekeeper(t)

	_, err := gk.Admit("", "")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	_, err = gk.Admit("Bearer not-a-jwt", "")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	other := NewIssuer("other-secret", time.Hour)
	tok, err := other.Issue("alice")
	require.NoError(t, err)
	_, err = gk.Admit("Bearer "+tok, "")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	expired := NewIssuer(secret, -time.Minute)
	tok, err = expired.Issue("alice")
	require.NoError(t, err)
	_, err = gk.Admit("", tok)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestValidateFallsBackToUserUUID(t *testing.T) {
	v, err := NewJWTValidatorHS256(secret)
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_uuid": "bob",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	uid, err := v.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "bob", uid)
}

func TestRefreshKeepsSubject(t *testing.T) {
	v, err := NewJWTValidatorHS256(secret)
	require.NoError(t, err)
	iss := NewIssuer(secret, time.Hour)

	tok, err := iss.Issue("carol")
	require.NoError(t, err)
	fresh, err := iss.Refresh(v, tok)
	require.NoError(t, err)

	uid, err := v.Validate(fresh)
	require.NoError(t, err)
	assert.Equal(t, "carol", uid)
}

func TestParseBearerToken(t *testing.T) {
	tok, err := ParseBearerToken("bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = ParseBearerToken("Basic abc")
	assert.Error(t, err)
	_, err = ParseBearerToken("Bearer ")
	assert.Error(t, err)
}
