package repository

import (
	"context"
	"time"

	"replydesk/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DeadLetterRepository is the durable outbox of failed deliveries.
type DeadLetterRepository interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.DeadLetter, error)
	// MarkDelivered closes the letter and appends the successful send in one transaction.
	MarkDelivered(ctx context.Context, id string, attempts int, entry *models.ActionLog) error
	Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	Abandon(ctx context.Context, id string, attempts int, lastErr string) error
}

type deadLetterRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewDeadLetterRepository(db *sqlx.DB, logger *zap.Logger) DeadLetterRepository {
	return &deadLetterRepository{db: db, logger: logger}
}

const deadLetterColumns = `id, user_id, thread_key, recipient_id, kind, text, template, attempts, status,
	next_attempt_at, last_error, created_at, updated_at`

func insertDeadLetter(ctx context.Context, exec sqlx.ExtContext, letter *models.DeadLetter) error {
	now := time.Now().UTC()
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.Status == "" {
		letter.Status = models.DeadLetterPending
	}
	if letter.NextAttemptAt.IsZero() {
		letter.NextAttemptAt = now
	}
	letter.CreatedAt, letter.UpdatedAt = now, now

	query := exec.Rebind(`INSERT INTO dead_letters (` + deadLetterColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := exec.ExecContext(ctx, query,
		letter.ID, letter.UserID, letter.ThreadKey, letter.RecipientID, letter.Kind, letter.Text, letter.Template,
		letter.Attempts, letter.Status, letter.NextAttemptAt.UTC(), letter.LastError, now, now)
	return err
}

func (r *deadLetterRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.DeadLetter, error) {
	var letters []*models.DeadLetter
	query := r.db.Rebind(`SELECT ` + deadLetterColumns + ` FROM dead_letters
		WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`)
	if err := r.db.SelectContext(ctx, &letters, query, models.DeadLetterPending, now.UTC(), limit); err != nil {
		return nil, err
	}
	return letters, nil
}

func (r *deadLetterRepository) MarkDelivered(ctx context.Context, id string, attempts int, entry *models.ActionLog) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`UPDATE dead_letters SET status = ?, attempts = ?, last_error = '', updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, query, models.DeadLetterDelivered, attempts, time.Now().UTC(), id); err != nil {
			return err
		}
		entry.DeadLetterID = &id
		return insertActionLog(ctx, tx, entry)
	})
}

func (r *deadLetterRepository) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	query := r.db.Rebind(`UPDATE dead_letters SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query, attempts, next.UTC(), lastErr, time.Now().UTC(), id)
	return err
}

func (r *deadLetterRepository) Abandon(ctx context.Context, id string, attempts int, lastErr string) error {
	query := r.db.Rebind(`UPDATE dead_letters SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query, models.DeadLetterAbandoned, attempts, lastErr, time.Now().UTC(), id)
	return err
}
