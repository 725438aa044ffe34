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

// ContactRepository writes contacts only through single-statement upserts
// keyed by (user_id, remote_id).
type ContactRepository interface {
	GetByRemoteID(ctx context.Context, userID, remoteID string) (*models.Contact, error)
	// UpsertInbound records an inbound message. The HRN flag can only be raised here.
	UpsertInbound(ctx context.Context, in models.InboundContact) (*models.Contact, error)
	// UpsertSynced writes a sync result. Full syncs overwrite analysis fields;
	// incremental syncs keep them and refresh only the last-message fields.
	UpsertSynced(ctx context.Context, in models.SyncedContact, full bool) (*models.Contact, error)
	ListRemoteIDs(ctx context.Context, userID string) (map[string]struct{}, error)
	// ClearHumanResponse is the explicit human action that lowers the HRN flag.
	ClearHumanResponse(ctx context.Context, userID, remoteID string) (bool, error)
}

type contactRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewContactRepository(db *sqlx.DB, logger *zap.Logger) ContactRepository {
	return &contactRepository{db: db, logger: logger}
}

const contactColumns = `id, user_id, remote_id, display_name, last_message, last_message_at, stage, sentiment,
	lead_score, lead_value, next_action, notes, requires_human_response, human_response_set_at,
	followup_needed, trigger_matched, created_at, updated_at`

const contactInsert = `INSERT INTO contacts (` + contactColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Newer-or-equal timestamps win so redelivered or out-of-order events don't
// roll the last message back.
const lastMessageUpdate = `
	last_message = CASE WHEN contacts.last_message_at IS NULL OR excluded.last_message_at >= contacts.last_message_at
		THEN excluded.last_message ELSE contacts.last_message END,
	last_message_at = CASE WHEN contacts.last_message_at IS NULL OR excluded.last_message_at >= contacts.last_message_at
		THEN excluded.last_message_at ELSE contacts.last_message_at END,`

func (r *contactRepository) GetByRemoteID(ctx context.Context, userID, remoteID string) (*models.Contact, error) {
	var contact models.Contact
	query := r.db.Rebind(`SELECT ` + contactColumns + ` FROM contacts WHERE user_id = ? AND remote_id = ?`)
	if err := r.db.GetContext(ctx, &contact, query, userID, remoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &contact, nil
}

func (r *contactRepository) UpsertInbound(ctx context.Context, in models.InboundContact) (*models.Contact, error) {
	now := time.Now().UTC()

	var setAt *time.Time
	if in.MarkHRN {
		setAt = &now
	}
	var trigger *string
	if in.TriggerMatched != "" {
		trigger = &in.TriggerMatched
	}

	query := r.db.Rebind(contactInsert + `
		ON CONFLICT (user_id, remote_id) DO UPDATE SET` + lastMessageUpdate + `
			requires_human_response = contacts.requires_human_response OR excluded.requires_human_response,
			human_response_set_at = COALESCE(contacts.human_response_set_at, excluded.human_response_set_at),
			trigger_matched = COALESCE(excluded.trigger_matched, contacts.trigger_matched),
			followup_needed = excluded.followup_needed,
			updated_at = excluded.updated_at
		RETURNING ` + contactColumns)

	var contact models.Contact
	err := r.db.GetContext(ctx, &contact, query,
		uuid.NewString(), in.UserID, in.RemoteID, "", in.LastMessage, in.LastMessageAt.UTC(),
		models.StageNew, models.SentimentNeutral, 0, 0.0, "", "",
		in.MarkHRN, setAt, false, trigger, now, now)
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func (r *contactRepository) UpsertSynced(ctx context.Context, in models.SyncedContact, full bool) (*models.Contact, error) {
	now := time.Now().UTC()
	a := in.Analysis
	followup := in.Stale && a.Stage != models.StageGhosted

	args := []any{
		uuid.NewString(), in.UserID, in.RemoteID, in.DisplayName, in.LastMessage, in.LastMessageAt.UTC(),
		a.Stage, a.Sentiment, a.LeadScore, a.LeadValue, a.NextAction, "",
		false, nil, followup, nil, now, now,
	}

	var update string
	if full {
		update = `
			stage = excluded.stage,
			sentiment = excluded.sentiment,
			lead_score = excluded.lead_score,
			lead_value = excluded.lead_value,
			next_action = excluded.next_action,
			followup_needed = excluded.followup_needed,`
	} else {
		// The existing stage decides follow-up eligibility.
		update = `
			followup_needed = (? AND contacts.stage <> 'ghosted'),`
		args = append(args, in.Stale)
	}

	query := r.db.Rebind(contactInsert + `
		ON CONFLICT (user_id, remote_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE contacts.display_name END,` +
		lastMessageUpdate + update + `
			updated_at = excluded.updated_at
		RETURNING ` + contactColumns)

	var contact models.Contact
	if err := r.db.GetContext(ctx, &contact, query, args...); err != nil {
		return nil, err
	}
	return &contact, nil
}

func (r *contactRepository) ListRemoteIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	var ids []string
	query := r.db.Rebind(`SELECT remote_id FROM contacts WHERE user_id = ?`)
	if err := r.db.SelectContext(ctx, &ids, query, userID); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r *contactRepository) ClearHumanResponse(ctx context.Context, userID, remoteID string) (bool, error) {
	query := r.db.Rebind(`UPDATE contacts
		SET requires_human_response = ?, human_response_set_at = NULL, updated_at = ?
		WHERE user_id = ? AND remote_id = ?`)
	res, err := r.db.ExecContext(ctx, query, false, time.Now().UTC(), userID, remoteID)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
