package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	sessions := NewSessions("secret", time.Hour)
	token, err := sessions.Issue(42, "Ada")
	require.NoError(t, err)

	athleteID, err := sessions.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), athleteID)
}

func TestSessionRejectsBadTokens(t *testing.T) {
	issued := time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC)
	sessions := NewSessions("secret", time.Hour)
	sessions.now = func() time.Time { return issued }
	valid, err := sessions.Issue(42, "Ada")
	require.NoError(t, err)

	other := NewSessions("other-secret", time.Hour)
	forged, err := other.Issue(42, "Ada")
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(issued.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = sessions.Parse(forged)
	assert.Error(t, err, "wrong secret")
	_, err = sessions.Parse(unsigned)
	assert.Error(t, err, "alg none")
	_, err = sessions.Parse("not.a.jwt")
	assert.Error(t, err)

	sessions.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = sessions.Parse(valid)
	assert.Error(t, err, "expired")
}

func TestSessionFromRequestPrefersHeader(t *testing.T) {
	sessions := NewSessions("secret", time.Hour)
	headerToken, err := sessions.Issue(1, "")
	require.NoError(t, err)
	cookieToken, err := sessions.Issue(2, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sessions.Cookie(cookieToken, false))
	id, err := sessions.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	req.Header.Set("Authorization", "Bearer "+headerToken)
	id, err = sessions.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = sessions.FromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, errNoSession)
}
