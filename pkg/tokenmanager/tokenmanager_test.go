package tokenmanager

import (
	"context"
	"testing"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRefresher struct {
	accessToken, refreshToken string
	expiresIn                 int
	err                       error
	called                    bool
}

func (s *stubRefresher) RefreshTuple(ctx context.Context, refreshToken string) (string, string, int, error) {
	s.called = true
	return s.accessToken, s.refreshToken, s.expiresIn, s.err
}

type stubPersistence struct {
	contracts.Persistence
	reauthMarked    string
	savedAccess     string
	savedRefresh    string
}

func (s *stubPersistence) MarkReauthRequired(ctx context.Context, userID string) error {
	s.reauthMarked = userID
	return nil
}

func (s *stubPersistence) SaveUserTokens(ctx context.Context, userID, accessToken, refreshToken string, tokenExpiresAt, refreshTokenExpiresAt time.Time) error {
	s.savedAccess = accessToken
	s.savedRefresh = refreshToken
	return nil
}

// TestRefreshTokenExpired verifies that an expired refresh token short
// circuits to REAUTH_REQUIRED without making any HTTP request.
func TestRefreshTokenExpired(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	refresher := &stubRefresher{}
	store := &stubPersistence{}
	m := New(refresher, store, fc, 60)

	u := domain.User{ID: "u1", RefreshTokenExpiresAt: fc.Now().Add(-time.Hour)}
	_, err := m.ValidAccessToken(context.Background(), u)

	require.Error(t, err)
	assert.Equal(t, errorsx.KindReauthRequired, errorsx.KindOf(err))
	assert.False(t, refresher.called, "no refresh HTTP call should be made when the refresh token is already expired")
	assert.Equal(t, "u1", store.reauthMarked)
}

func TestAccessTokenReturnedWithoutRefreshWhenFarFromExpiry(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	refresher := &stubRefresher{}
	store := &stubPersistence{}
	m := New(refresher, store, fc, 60)

	u := domain.User{
		ID:                    "u1",
		AccessToken:           "still-valid",
		TokenExpiresAt:        fc.Now().Add(time.Hour),
		RefreshTokenExpiresAt: fc.Now().Add(30 * 24 * time.Hour),
	}
	token, err := m.ValidAccessToken(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "still-valid", token)
	assert.False(t, refresher.called)
}

func TestRefreshesWithinSkewWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	refresher := &stubRefresher{accessToken: "new-access", refreshToken: "new-refresh", expiresIn: 3600}
	store := &stubPersistence{}
	m := New(refresher, store, fc, 60)

	u := domain.User{
		ID:                    "u1",
		TokenExpiresAt:        fc.Now().Add(time.Minute), // within 5-minute skew window
		RefreshTokenExpiresAt: fc.Now().Add(30 * 24 * time.Hour),
	}
	token, err := m.ValidAccessToken(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.True(t, refresher.called)
	assert.Equal(t, "new-access", store.savedAccess)
}
