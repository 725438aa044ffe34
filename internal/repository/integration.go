package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"replydesk/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// TokenSealer encrypts access tokens before they reach the database.
type TokenSealer interface {
	Seal(integrationID, token string) (string, error)
	Open(integrationID, sealed string) (string, error)
}

type IntegrationRepository interface {
	Create(ctx context.Context, integration *models.Integration) error
	GetByUserID(ctx context.Context, userID string) (*models.Integration, error)
	GetByAccountID(ctx context.Context, accountID string) (*models.Integration, error)
	ListAll(ctx context.Context) ([]*models.Integration, error)
	// ListExpiringBetween returns connected integrations whose token expires in (from, to].
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Integration, error)
	UpdateToken(ctx context.Context, id, token string, expiresAt time.Time) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	MarkReconnectRequired(ctx context.Context, id string) error
}

type integrationRepository struct {
	db     *sqlx.DB
	sealer TokenSealer
	logger *zap.Logger
}

func NewIntegrationRepository(db *sqlx.DB, sealer TokenSealer, logger *zap.Logger) IntegrationRepository {
	return &integrationRepository{db: db, sealer: sealer, logger: logger}
}

const integrationColumns = `id, user_id, account_id, username, access_token, expires_at, last_synced_at,
	sync_interval_hours, reconnect_required, created_at, updated_at`

func (r *integrationRepository) Create(ctx context.Context, integration *models.Integration) error {
	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	integration.CreatedAt, integration.UpdatedAt = now, now

	sealed, err := r.sealer.Seal(integration.ID, integration.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}

	query := r.db.Rebind(`INSERT INTO integrations (` + integrationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, query,
		integration.ID, integration.UserID, integration.AccountID, integration.Username, sealed,
		utcPtr(integration.ExpiresAt), utcPtr(integration.LastSyncedAt), integration.SyncIntervalHours,
		integration.ReconnectRequired, now, now)
	return err
}

func (r *integrationRepository) GetByUserID(ctx context.Context, userID string) (*models.Integration, error) {
	query := r.db.Rebind(`SELECT ` + integrationColumns + ` FROM integrations WHERE user_id = ? ORDER BY created_at LIMIT 1`)
	return r.getOne(ctx, query, userID)
}

func (r *integrationRepository) GetByAccountID(ctx context.Context, accountID string) (*models.Integration, error) {
	query := r.db.Rebind(`SELECT ` + integrationColumns + ` FROM integrations WHERE account_id = ?`)
	return r.getOne(ctx, query, accountID)
}

func (r *integrationRepository) getOne(ctx context.Context, query string, args ...any) (*models.Integration, error) {
	var integration models.Integration
	if err := r.db.GetContext(ctx, &integration, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.open(&integration); err != nil {
		return nil, err
	}
	return &integration, nil
}

func (r *integrationRepository) ListAll(ctx context.Context) ([]*models.Integration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM integrations ORDER BY created_at`)
}

func (r *integrationRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Integration, error) {
	query := r.db.Rebind(`SELECT ` + integrationColumns + ` FROM integrations
		WHERE expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ? AND reconnect_required = ?
		ORDER BY expires_at`)
	return r.list(ctx, query, from.UTC(), to.UTC(), false)
}

func (r *integrationRepository) list(ctx context.Context, query string, args ...any) ([]*models.Integration, error) {
	var integrations []*models.Integration
	if err := r.db.SelectContext(ctx, &integrations, query, args...); err != nil {
		return nil, err
	}
	out := integrations[:0]
	for _, integration := range integrations {
		if err := r.open(integration); err != nil {
			r.logger.Error("Failed to decrypt access token, skipping integration",
				zap.String("integration_id", integration.ID),
				zap.Error(err))
			continue
		}
		out = append(out, integration)
	}
	return out, nil
}

func (r *integrationRepository) open(integration *models.Integration) error {
	token, err := r.sealer.Open(integration.ID, integration.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to open access token for integration %s: %w", integration.ID, err)
	}
	integration.AccessToken = token
	return nil
}

func (r *integrationRepository) UpdateToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	sealed, err := r.sealer.Seal(id, token)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	query := r.db.Rebind(`UPDATE integrations
		SET access_token = ?, expires_at = ?, reconnect_required = ?, updated_at = ? WHERE id = ?`)
	return r.execOne(ctx, query, sealed, expiresAt.UTC(), false, time.Now().UTC(), id)
}

func (r *integrationRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	query := r.db.Rebind(`UPDATE integrations SET last_synced_at = ?, updated_at = ? WHERE id = ?`)
	return r.execOne(ctx, query, at.UTC(), time.Now().UTC(), id)
}

func (r *integrationRepository) MarkReconnectRequired(ctx context.Context, id string) error {
	query := r.db.Rebind(`UPDATE integrations SET reconnect_required = ?, updated_at = ? WHERE id = ?`)
	return r.execOne(ctx, query, true, time.Now().UTC(), id)
}

func (r *integrationRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
