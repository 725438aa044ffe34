package models

import (
	"fmt"
	"time"
)

const (
	MinSyncIntervalHours     = 5
	MaxSyncIntervalHours     = 24
	DefaultSyncIntervalHours = 12
)

// Integration is a connected platform account owned by a user.
type Integration struct {
	ID                string     `db:"id" json:"id"`
	UserID            string     `db:"user_id" json:"user_id"`
	AccountID         string     `db:"account_id" json:"account_id"`
	Username          string     `db:"username" json:"username"`
	AccessToken       string     `db:"access_token" json:"-"`
	ExpiresAt         *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	LastSyncedAt      *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	SyncIntervalHours int        `db:"sync_interval_hours" json:"sync_interval_hours"`
	ReconnectRequired bool       `db:"reconnect_required" json:"reconnect_required"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// SyncInterval returns the configured interval clamped to the allowed range.
// Unset intervals fall back to the default.
func (i *Integration) SyncInterval() time.Duration {
	h := i.SyncIntervalHours
	switch {
	case h == 0:
		h = DefaultSyncIntervalHours
	case h < MinSyncIntervalHours:
		h = MinSyncIntervalHours
	case h > MaxSyncIntervalHours:
		h = MaxSyncIntervalHours
	}
	return time.Duration(h) * time.Hour
}

// TokenExpired reports whether the stored token is past its expiry at now.
func (i *Integration) TokenExpired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// DueForSync reports whether the integration has never synced or its interval
// has elapsed at now.
func (i *Integration) DueForSync(now time.Time) bool {
	if i.LastSyncedAt == nil {
		return true
	}
	return !now.Before(i.LastSyncedAt.Add(i.SyncInterval()))
}

// ThreadKey derives the log key for a DM thread with participantID.
func ThreadKey(accountID, participantID string) string {
	return fmt.Sprintf("%s:%s", accountID, participantID)
}

// CommentThreadKey derives the log key for a comment thread.
func CommentThreadKey(accountID, commentID string) string {
	return fmt.Sprintf("%s:comment:%s", accountID, commentID)
}
