package repository

import (
	"context"
	"time"

	"replydesk/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// AutomationRepository reads dashboard-authored rules and records when they fire.
type AutomationRepository interface {
	Create(ctx context.Context, automation *models.Automation) error
	// ListByUser returns all of a user's automations in creation order.
	ListByUser(ctx context.Context, userID string) ([]*models.Automation, error)
	AppendActionLog(ctx context.Context, entry *models.AutomationActionLog) error
	ListActionLogs(ctx context.Context, userID string) ([]*models.AutomationActionLog, error)
}

type automationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewAutomationRepository(db *sqlx.DB, logger *zap.Logger) AutomationRepository {
	return &automationRepository{db: db, logger: logger}
}

const automationColumns = `id, user_id, title, keyword, scope, response_type, response_content, public_reply,
	hrn_enforced, is_active, expires_at, created_at`

func (r *automationRepository) Create(ctx context.Context, automation *models.Automation) error {
	if automation.ID == "" {
		automation.ID = uuid.NewString()
	}
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(`INSERT INTO automations (` + automationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		automation.ID, automation.UserID, automation.Title, automation.Keyword, automation.Scope,
		automation.ResponseType, automation.ResponseContent, automation.PublicReply, automation.HRNEnforced,
		automation.IsActive, utcPtr(automation.ExpiresAt), automation.CreatedAt.UTC())
	return err
}

func (r *automationRepository) ListByUser(ctx context.Context, userID string) ([]*models.Automation, error) {
	var automations []*models.Automation
	query := r.db.Rebind(`SELECT ` + automationColumns + ` FROM automations WHERE user_id = ? ORDER BY created_at, id`)
	if err := r.db.SelectContext(ctx, &automations, query, userID); err != nil {
		return nil, err
	}
	return automations, nil
}

func (r *automationRepository) AppendActionLog(ctx context.Context, entry *models.AutomationActionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(`INSERT INTO automation_action_logs (id, user_id, automation_id, thread_key, trigger_text, action, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.AutomationID, entry.ThreadKey, entry.Trigger, entry.Action, entry.CreatedAt.UTC())
	return err
}

func (r *automationRepository) ListActionLogs(ctx context.Context, userID string) ([]*models.AutomationActionLog, error) {
	var entries []*models.AutomationActionLog
	query := r.db.Rebind(`SELECT id, user_id, automation_id, thread_key, trigger_text, action, created_at
		FROM automation_action_logs WHERE user_id = ? ORDER BY created_at, id`)
	if err := r.db.SelectContext(ctx, &entries, query, userID); err != nil {
		return nil, err
	}
	return entries, nil
}
