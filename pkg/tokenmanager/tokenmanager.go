// Package tokenmanager implements the OAuth token manager: returns a
// currently valid access token for a User, refreshing against upstream
// when the token is within the skew window of expiry.
package tokenmanager

import (
	"context"
	"time"

	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/errorsx"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/jeyb33/publisher-core/pkg/domain"
)

const skewWindow = 5 * time.Minute

// Refresher is the upstream collaborator that performs the actual token
// refresh call (implemented by pkg/upstream.Client.RefreshTuple).
type Refresher interface {
	RefreshTuple(ctx context.Context, refreshToken string) (accessToken string, newRefreshToken string, expiresIn int, err error)
}

// Manager resolves valid access tokens, persisting refreshed tokens and
// classifying terminal failures as REAUTH_REQUIRED.
type Manager struct {
	refresher Refresher
	store     contracts.Persistence
	clock     clock.Clock

	refreshTokenTTL time.Duration // default 60 days, from REFRESH_TOKEN_EXPIRY_DAYS
}

func New(refresher Refresher, store contracts.Persistence, clk clock.Clock, refreshTokenExpiryDays int) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if refreshTokenExpiryDays <= 0 {
		refreshTokenExpiryDays = 60
	}
	return &Manager{refresher: refresher, store: store, clock: clk, refreshTokenTTL: time.Duration(refreshTokenExpiryDays) * 24 * time.Hour}
}

// ValidAccessToken returns a currently-valid access token for u,
// refreshing if necessary.
func (m *Manager) ValidAccessToken(ctx context.Context, u domain.User) (string, error) {
	now := m.clock.Now()

	if u.RefreshTokenExpiresAt.Before(now) || u.RefreshTokenExpiresAt.Equal(now) {
		_ = m.store.MarkReauthRequired(ctx, u.ID)
		return "", errorsx.New(errorsx.KindReauthRequired, "resolve access token", "token_manager", u.ID, nil)
	}

	if now.Add(skewWindow).Before(u.TokenExpiresAt) {
		return u.AccessToken, nil
	}

	accessToken, refreshToken, expiresIn, err := m.refresher.RefreshTuple(ctx, u.RefreshToken)
	if err != nil {
		if errorsx.Is(err, errorsx.KindReauthRequired) || errorsx.Is(err, errorsx.KindAuth) {
			_ = m.store.MarkReauthRequired(ctx, u.ID)
			return "", errorsx.New(errorsx.KindReauthRequired, "refresh access token", "token_manager", u.ID, err)
		}
		return "", errorsx.New(errorsx.KindTokenRefreshed, "refresh access token", "token_manager", u.ID, err)
	}

	newExpiry := now.Add(time.Duration(expiresIn) * time.Second)
	newRefreshExpiry := now.Add(m.refreshTokenTTL)
	if err := m.store.SaveUserTokens(ctx, u.ID, accessToken, refreshToken, newExpiry, newRefreshExpiry); err != nil {
		return "", errorsx.New(errorsx.KindTransientIO, "persist refreshed tokens", "token_manager", u.ID, err)
	}
	return accessToken, nil
}

// RefreshTokenStatus classifies u's refresh-token remaining lifetime for
// the alert collaborator.
func RefreshTokenStatus(u domain.User, now time.Time) domain.RefreshTokenStatus {
	return domain.ClassifyRefreshToken(u, now)
}
