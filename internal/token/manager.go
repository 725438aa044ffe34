// Package token keeps long-lived platform tokens fresh.
package token

import (
	"context"
	"fmt"
	"time"

	"replydesk/internal/graphapi"
	"replydesk/internal/models"
	"replydesk/internal/repository"

	"go.uber.org/zap"
)

// DefaultRefreshWindow is how far ahead of expiry tokens are refreshed.
const DefaultRefreshWindow = 7 * 24 * time.Hour

// Refresher exchanges a valid token for a new one.
type Refresher interface {
	RefreshToken(ctx context.Context, token string) (*graphapi.RefreshedToken, error)
}

// Manager refreshes tokens that are about to expire.
type Manager struct {
	integrations repository.IntegrationRepository
	api          Refresher
	window       time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewManager creates a token manager. A zero window uses DefaultRefreshWindow.
func NewManager(integrations repository.IntegrationRepository, api Refresher, window time.Duration, logger *zap.Logger) *Manager {
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	return &Manager{
		integrations: integrations,
		api:          api,
		window:       window,
		logger:       logger.Named("token"),
		now:          time.Now,
	}
}

// FindExpiringWithin returns connected integrations whose token expires
// between now and now+window.
func (m *Manager) FindExpiringWithin(ctx context.Context, window time.Duration) ([]*models.Integration, error) {
	now := m.now().UTC()
	integrations, err := m.integrations.ListExpiringBetween(ctx, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring integrations: %w", err)
	}
	return integrations, nil
}

// Refresh exchanges the integration's token and persists the result. On
// failure the stored row is left untouched.
func (m *Manager) Refresh(ctx context.Context, integration *models.Integration) (string, time.Time, error) {
	refreshed, err := m.api.RefreshToken(ctx, integration.AccessToken)
	if err != nil {
		return "", time.Time{}, err
	}

	now := m.now().UTC()
	expiresAt := refreshed.ExpiresAt(now).UTC()
	if !expiresAt.After(now) {
		return "", time.Time{}, &graphapi.APIError{Kind: graphapi.KindParseError, Message: "refreshed token has no lifetime"}
	}
	if err := m.integrations.UpdateToken(ctx, integration.ID, refreshed.AccessToken, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return refreshed.AccessToken, expiresAt, nil
}

// RefreshResult summarizes one RefreshExpiring run.
type RefreshResult struct {
	Refreshed int
	Failed    int
}

// RefreshExpiring refreshes every token inside the manager's window once.
// Failures are counted and left for the next run. An integration whose
// token the platform already rejects is flagged for reconnection.
func (m *Manager) RefreshExpiring(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult

	integrations, err := m.FindExpiringWithin(ctx, m.window)
	if err != nil {
		return result, err
	}

	for _, integration := range integrations {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		_, expiresAt, err := m.Refresh(ctx, integration)
		if err != nil {
			result.Failed++
			m.logger.Error("Failed to refresh access token",
				zap.String("user_id", integration.UserID),
				zap.String("account_id", integration.AccountID),
				zap.String("kind", string(graphapi.KindOf(err))),
				zap.Error(err))

			if graphapi.IsKind(err, graphapi.KindTokenExpired) {
				if err := m.integrations.MarkReconnectRequired(ctx, integration.ID); err != nil {
					m.logger.Error("Failed to flag integration for reconnection",
						zap.String("integration_id", integration.ID), zap.Error(err))
				}
			}
			continue
		}

		result.Refreshed++
		m.logger.Info("Access token refreshed",
			zap.String("user_id", integration.UserID),
			zap.String("account_id", integration.AccountID),
			zap.Time("expires_at", expiresAt))
	}

	m.logger.Info("Token refresh run finished",
		zap.Int("refreshed", result.Refreshed),
		zap.Int("failed", result.Failed))
	return result, nil
}
