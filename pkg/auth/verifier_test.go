package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

type fakeUsers struct {
	known map[models.UserID]bool
	err   error
	calls int
}

func (f *fakeUsers) UserExists(_ context.Context, id models.UserID) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.known[id], nil
}

func newUsers(ids ...models.UserID) *fakeUsers {
	f := &fakeUsers{known: map[models.UserID]bool{}}
	for _, id := range ids {
		f.known[id] = true
	}
	return f
}

func signed(t *testing.T, method jwt.SigningMethod, secret []byte, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRejected), "expected a rejection, got %v", err)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, want, rej.Reason)
}

func TestVerifyAcceptsIssuedToken(t *testing.T) {
	v := NewVerifier(testSecret, newUsers(42), false)
	token, err := NewIssuer(testSecret).Issue(42, "alice", time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.UserID(42), id)
}

func TestVerifyLegacyIDClaim(t *testing.T) {
	// The login endpoint signs {id, username, preferred_language}
	// with no sub and no expiry.
	token := signed(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"id":                 7,
		"username":           "bob",
		"preferred_language": "he",
	})

	id, err := NewVerifier(testSecret, newUsers(7), false).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.UserID(7), id)
}

func TestVerifySubjectOnly(t *testing.T) {
	token := signed(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "9"})

	id, err := NewVerifier(testSecret, newUsers(9), false).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.UserID(9), id)
}

func TestVerifyRejections(t *testing.T) {
	expiredIssuer := NewIssuer(testSecret)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue(1, "alice", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name          string
		token         string
		requireExpiry bool
		want          Reason
	}{
		{"empty", "", false, ReasonMissing},
		{"garbage", "not-a-jwt", false, ReasonInvalid},
		{"expired", expired, false, ReasonExpired},
		{"wrong secret", signed(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"id": 1}), false, ReasonInvalid},
		{"wrong algorithm", signed(t, jwt.SigningMethodHS384, testSecret, jwt.MapClaims{"id": 1}), false, ReasonInvalid},
		{"no identity", signed(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"username": "x"}), false, ReasonInvalid},
		{"non numeric subject", signed(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "alice"}), false, ReasonInvalid},
		{"expiry required", signed(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"id": 1}), true, ReasonInvalid},
		{"stale identity", signed(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"id": 99}), false, ReasonUnknownUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(testSecret, newUsers(1), tt.requireExpiry)
			id, err := v.Verify(context.Background(), tt.token)
			assert.Zero(t, id)
			requireReason(t, err, tt.want)
		})
	}
}

func TestVerifyDoesNotQueryStoreForBadTokens(t *testing.T) {
	users := newUsers(1)
	v := NewVerifier(testSecret, users, false)

	_, err := v.Verify(context.Background(), "not-a-jwt")
	requireReason(t, err, ReasonInvalid)
	assert.Zero(t, users.calls)
}

func TestVerifyStoreFailureIsNotARejection(t *testing.T) {
	users := &fakeUsers{err: errors.New("db down")}
	token, err := NewIssuer(testSecret).Issue(3, "carol", 0)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret, users, false).Verify(context.Background(), token)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "db down")
}

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(16)
	require.NoError(t, err)
	b, err := RandomHex(16)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
