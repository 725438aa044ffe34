package models

import (
	"strings"
	"time"
)

// Stage is a contact's pipeline position.
type Stage string

const (
	StageNew      Stage = "new"
	StageLead     Stage = "lead"
	StageFollowUp Stage = "follow-up"
	StageGhosted  Stage = "ghosted"
)

// ParseStage normalizes analyzer output, falling back to StageNew.
func ParseStage(s string) Stage {
	switch v := Stage(strings.ToLower(strings.TrimSpace(s))); v {
	case StageNew, StageLead, StageFollowUp, StageGhosted:
		return v
	case "followup", "follow_up":
		return StageFollowUp
	}
	return StageNew
}

// Sentiment is the analyzer's read of the conversation temperature.
type Sentiment string

const (
	SentimentHot     Sentiment = "hot"
	SentimentWarm    Sentiment = "warm"
	SentimentCold    Sentiment = "cold"
	SentimentNeutral Sentiment = "neutral"
	SentimentGhosted Sentiment = "ghosted"
)

// ParseSentiment normalizes analyzer output, falling back to neutral.
func ParseSentiment(s string) Sentiment {
	switch v := Sentiment(strings.ToLower(strings.TrimSpace(s))); v {
	case SentimentHot, SentimentWarm, SentimentCold, SentimentNeutral, SentimentGhosted:
		return v
	}
	return SentimentNeutral
}

// FollowupAge is how old a last message must be before a follow-up is due.
const FollowupAge = 24 * time.Hour

// NeedsFollowup reports whether a thread whose last message is at lastAt is
// stale at now for a contact in stage.
func NeedsFollowup(stage Stage, lastAt, now time.Time) bool {
	return stage != StageGhosted && now.Sub(lastAt) > FollowupAge
}

// Contact is one remote participant known to a user.
type Contact struct {
	ID                    string     `db:"id" json:"id"`
	UserID                string     `db:"user_id" json:"user_id"`
	RemoteID              string     `db:"remote_id" json:"remote_id"`
	DisplayName           string     `db:"display_name" json:"display_name"`
	LastMessage           string     `db:"last_message" json:"last_message"`
	LastMessageAt         *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	Stage                 Stage      `db:"stage" json:"stage"`
	Sentiment             Sentiment  `db:"sentiment" json:"sentiment"`
	LeadScore             int        `db:"lead_score" json:"lead_score"`
	LeadValue             float64    `db:"lead_value" json:"lead_value"`
	NextAction            string     `db:"next_action" json:"next_action"`
	Notes                 string     `db:"notes" json:"notes"`
	RequiresHumanResponse bool       `db:"requires_human_response" json:"requires_human_response"`
	HumanResponseSetAt    *time.Time `db:"human_response_set_at" json:"human_response_set_at,omitempty"`
	FollowupNeeded        bool       `db:"followup_needed" json:"followup_needed"`
	TriggerMatched        *string    `db:"trigger_matched" json:"trigger_matched,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// InboundContact is the webhook path's contact write.
type InboundContact struct {
	UserID         string
	RemoteID       string
	LastMessage    string
	LastMessageAt  time.Time
	MarkHRN        bool
	TriggerMatched string
}

// Analysis is the structured result of a conversation analysis.
type Analysis struct {
	Stage      Stage     `json:"stage"`
	Sentiment  Sentiment `json:"sentiment"`
	LeadScore  int       `json:"leadScore"`
	NextAction string    `json:"nextAction"`
	LeadValue  float64   `json:"leadValue"`
}

// SyncedContact is the sync pipeline's contact write.
type SyncedContact struct {
	UserID        string
	RemoteID      string
	DisplayName   string
	LastMessage   string
	LastMessageAt time.Time
	Analysis      Analysis
	Stale         bool
}
