package models

import "time"

// ActionKind names the kind of outbound send.
type ActionKind string

const (
	KindDMReply             ActionKind = "dm_reply"
	KindDMTemplate          ActionKind = "dm_template"
	KindCommentPrivateReply ActionKind = "comment_private_reply"
	KindCommentTemplate     ActionKind = "comment_template"
	KindCommentPublicReply  ActionKind = "comment_public_reply"
)

// Surface returns the inbound surface that produces this kind of send.
func (k ActionKind) Surface() Surface {
	switch k {
	case KindDMReply, KindDMTemplate:
		return SurfaceDM
	case KindCommentPrivateReply, KindCommentTemplate, KindCommentPublicReply:
		return SurfaceComment
	}
	return SurfaceDM
}

// DeliveryResult is the outcome of a send attempt.
type DeliveryResult string

const (
	ResultSent   DeliveryResult = "sent"
	ResultFailed DeliveryResult = "failed"
)

// ActionLog is an append-only audit row for one outbound send attempt.
type ActionLog struct {
	ID                string         `db:"id" json:"id"`
	UserID            string         `db:"user_id" json:"user_id"`
	Platform          string         `db:"platform" json:"platform"`
	ThreadKey         string         `db:"thread_key" json:"thread_key"`
	RecipientID       string         `db:"recipient_id" json:"recipient_id"`
	Kind              ActionKind     `db:"kind" json:"kind"`
	Text              string         `db:"text" json:"text"`
	Result            DeliveryResult `db:"result" json:"result"`
	ProviderMessageID *string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	InboundMessageID  *string        `db:"inbound_message_id" json:"inbound_message_id,omitempty"`
	DeadLetterID      *string        `db:"dead_letter_id" json:"dead_letter_id,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// DeadLetterStatus tracks an outbox row through retries.
type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterDelivered DeadLetterStatus = "delivered"
	DeadLetterAbandoned DeadLetterStatus = "abandoned"
)

// DeadLetter is a failed delivery parked for out-of-band retry.
type DeadLetter struct {
	ID            string           `db:"id" json:"id"`
	UserID        string           `db:"user_id" json:"user_id"`
	ThreadKey     string           `db:"thread_key" json:"thread_key"`
	RecipientID   string           `db:"recipient_id" json:"recipient_id"`
	Kind          ActionKind       `db:"kind" json:"kind"`
	Text          string           `db:"text" json:"text"`
	Template      string           `db:"template" json:"template,omitempty"`
	Attempts      int              `db:"attempts" json:"attempts"`
	Status        DeadLetterStatus `db:"status" json:"status"`
	NextAttemptAt time.Time        `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     string           `db:"last_error" json:"last_error"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// ReplyProfile is the dashboard-authored voice the generator writes in.
type ReplyProfile struct {
	UserID    string   `db:"user_id" json:"user_id"`
	Tone      string   `db:"tone" json:"tone"`
	Persona   string   `db:"persona" json:"persona"`
	Signature string   `db:"signature" json:"signature"`
	Offers    []string `db:"-" json:"offers"`
	FAQs      []FAQ    `db:"-" json:"faqs"`
}

// FAQ is one canned question and answer.
type FAQ struct {
	Question string `db:"question" json:"question"`
	Answer   string `db:"answer" json:"answer"`
}
