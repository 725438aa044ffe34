package repository

import (
	"context"
	"time"

	"replydesk/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ActionLogRepository is the append-only send log and the inbound dedup store.
type ActionLogRepository interface {
	// Append inserts a log row. A second row carrying the same inbound message
	// id for the user returns ErrDuplicate.
	Append(ctx context.Context, entry *models.ActionLog) error
	// AppendWithDeadLetter writes a failed send and its outbox row atomically.
	AppendWithDeadLetter(ctx context.Context, entry *models.ActionLog, letter *models.DeadLetter) error
	HasInboundMessage(ctx context.Context, userID, messageID string) (bool, error)
	HasRecentForThread(ctx context.Context, userID, threadKey string, since time.Time) (bool, error)
	// ClaimInbound atomically records that messageID is being handled. It
	// reports false when another delivery already claimed it.
	ClaimInbound(ctx context.Context, userID, messageID string, at time.Time) (bool, error)
	ListByThread(ctx context.Context, userID, threadKey string) ([]*models.ActionLog, error)
}

type actionLogRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewActionLogRepository(db *sqlx.DB, logger *zap.Logger) ActionLogRepository {
	return &actionLogRepository{db: db, logger: logger}
}

const actionLogColumns = `id, user_id, platform, thread_key, recipient_id, kind, text, result,
	provider_message_id, inbound_message_id, dead_letter_id, created_at`

func prepareActionLog(entry *models.ActionLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Platform == "" {
		entry.Platform = "instagram"
	}
}

func insertActionLog(ctx context.Context, exec sqlx.ExtContext, entry *models.ActionLog) error {
	prepareActionLog(entry)
	query := exec.Rebind(`INSERT INTO action_logs (` + actionLogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, inbound_message_id) DO NOTHING`)
	res, err := exec.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Platform, entry.ThreadKey, entry.RecipientID, entry.Kind, entry.Text,
		entry.Result, entry.ProviderMessageID, entry.InboundMessageID, entry.DeadLetterID, entry.CreatedAt.UTC())
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *actionLogRepository) Append(ctx context.Context, entry *models.ActionLog) error {
	return insertActionLog(ctx, r.db, entry)
}

func (r *actionLogRepository) AppendWithDeadLetter(ctx context.Context, entry *models.ActionLog, letter *models.DeadLetter) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := insertDeadLetter(ctx, tx, letter); err != nil {
			return err
		}
		return insertActionLog(ctx, tx, entry)
	})
}

func (r *actionLogRepository) HasInboundMessage(ctx context.Context, userID, messageID string) (bool, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM action_logs WHERE user_id = ? AND inbound_message_id = ?`)
	if err := r.db.GetContext(ctx, &n, query, userID, messageID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *actionLogRepository) HasRecentForThread(ctx context.Context, userID, threadKey string, since time.Time) (bool, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM action_logs WHERE user_id = ? AND thread_key = ? AND created_at >= ?`)
	if err := r.db.GetContext(ctx, &n, query, userID, threadKey, since.UTC()); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *actionLogRepository) ClaimInbound(ctx context.Context, userID, messageID string, at time.Time) (bool, error) {
	query := r.db.Rebind(`INSERT INTO inbound_receipts (user_id, message_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id, message_id) DO NOTHING`)
	res, err := r.db.ExecContext(ctx, query, userID, messageID, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *actionLogRepository) ListByThread(ctx context.Context, userID, threadKey string) ([]*models.ActionLog, error) {
	var entries []*models.ActionLog
	query := r.db.Rebind(`SELECT ` + actionLogColumns + ` FROM action_logs
		WHERE user_id = ? AND thread_key = ? ORDER BY created_at, id`)
	if err := r.db.SelectContext(ctx, &entries, query, userID, threadKey); err != nil {
		return nil, err
	}
	return entries, nil
}
