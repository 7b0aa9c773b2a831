package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"careflow/pkg/types"
)

const testSecret = "test-secret-with-enough-entropy"

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(testSecret, time.Hour)
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator_Validation(t *testing.T) {
	_, err := NewAuthenticator("", time.Hour)
	require.Error(t, err)

	_, err = NewAuthenticator(testSecret, 0)
	require.Error(t, err)
}

func TestAuthenticate_RoundTrip(t *testing.T) {
	req := require.New(t)
	a := newTestAuthenticator(t)

	token, err := a.IssueToken("nurse-7", types.RoleNurse)
	req.NoError(err)

	identity, err := a.Authenticate(token)
	req.NoError(err)
	req.Equal("nurse-7", identity.UserID)
	req.Equal(types.RoleNurse, identity.Role)
}

func TestAuthenticate_Failures(t *testing.T) {
	a := newTestAuthenticator(t)
	other, err := NewAuthenticator("another-secret", time.Hour)
	require.NoError(t, err)
	foreign, err := other.IssueToken("doc-1", types.RoleDoctor)
	require.NoError(t, err)

	expired := newTestAuthenticator(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.IssueToken("doc-1", types.RoleDoctor)
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role:             "janitor",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: types.RoleDoctor,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", foreign},
		{"expired", stale},
		{"unknown role", badRole},
		{"missing subject", noSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(tt.token)
			require.Error(t, err)
			require.True(t, errors.Is(err, types.ErrAuthentication), "got %v", err)
		})
	}
}

func TestAuthenticate_LegacyIDClaim(t *testing.T) {
	a := newTestAuthenticator(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		LegacyID: "pharm-3",
		Role:     types.RolePharmacy,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	identity, err := a.Authenticate(token)
	require.NoError(t, err)
	require.Equal(t, "pharm-3", identity.UserID)
}

func TestIssueToken_RejectsUnknownRole(t *testing.T) {
	a := newTestAuthenticator(t)
	_, err := a.IssueToken("u1", "surgeon")
	require.ErrorIs(t, err, types.ErrInvalidRole)

	_, err = a.IssueToken("", types.RoleDoctor)
	require.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	require.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	require.Equal(t, "from-header", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	require.Equal(t, "", TokenFromRequest(r))
}
