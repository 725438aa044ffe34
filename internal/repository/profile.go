package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"replydesk/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ProfileRepository reads the reply voice and owns user rows.
type ProfileRepository interface {
	CreateUser(ctx context.Context, userID string) error
	SaveReplyProfile(ctx context.Context, profile *models.ReplyProfile) error
	// GetReplyProfile returns an empty profile when the user never configured one.
	GetReplyProfile(ctx context.Context, userID string) (*models.ReplyProfile, error)
}

type profileRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewProfileRepository(db *sqlx.DB, logger *zap.Logger) ProfileRepository {
	return &profileRepository{db: db, logger: logger}
}

func (r *profileRepository) CreateUser(ctx context.Context, userID string) error {
	query := r.db.Rebind(`INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`)
	_, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC())
	return err
}

func (r *profileRepository) SaveReplyProfile(ctx context.Context, profile *models.ReplyProfile) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO reply_profiles (user_id, tone, persona, signature) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET tone = excluded.tone, persona = excluded.persona, signature = excluded.signature`)
		if _, err := tx.ExecContext(ctx, query, profile.UserID, profile.Tone, profile.Persona, profile.Signature); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM reply_offers WHERE user_id = ?`), profile.UserID); err != nil {
			return err
		}
		for i, offer := range profile.Offers {
			_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO reply_offers (id, user_id, description, position) VALUES (?, ?, ?, ?)`),
				uuid.NewString(), profile.UserID, offer, i)
			if err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM reply_faqs WHERE user_id = ?`), profile.UserID); err != nil {
			return err
		}
		for i, faq := range profile.FAQs {
			_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO reply_faqs (id, user_id, question, answer, position) VALUES (?, ?, ?, ?, ?)`),
				uuid.NewString(), profile.UserID, faq.Question, faq.Answer, i)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *profileRepository) GetReplyProfile(ctx context.Context, userID string) (*models.ReplyProfile, error) {
	profile := models.ReplyProfile{UserID: userID}

	query := r.db.Rebind(`SELECT user_id, tone, persona, signature FROM reply_profiles WHERE user_id = ?`)
	if err := r.db.GetContext(ctx, &profile, query, userID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	query = r.db.Rebind(`SELECT description FROM reply_offers WHERE user_id = ? ORDER BY position`)
	if err := r.db.SelectContext(ctx, &profile.Offers, query, userID); err != nil {
		return nil, err
	}

	query = r.db.Rebind(`SELECT question, answer FROM reply_faqs WHERE user_id = ? ORDER BY position`)
	if err := r.db.SelectContext(ctx, &profile.FAQs, query, userID); err != nil {
		return nil, err
	}

	return &profile, nil
}
