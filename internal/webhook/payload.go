package webhook

import "time"

// Payload is the body of one webhook delivery.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the events for one account. Entries with changes carry
// comment events; the rest carry messaging events.
type Entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
	Changes   []Change         `json:"changes"`
}

type Party struct {
	ID string `json:"id"`
}

// MessagingEvent is one DM event.
type MessagingEvent struct {
	Sender    Party           `json:"sender"`
	Recipient Party           `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *InboundMessage `json:"message"`
}

type InboundMessage struct {
	MID    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo"`
}

// SentAt converts the millisecond timestamp, falling back to fallback when unset.
func (e MessagingEvent) SentAt(fallback time.Time) time.Time {
	if e.Timestamp <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(e.Timestamp).UTC()
}

const fieldComments = "comments"

// Change is one subscribed-field change; only comments are handled.
type Change struct {
	Field string       `json:"field"`
	Value CommentValue `json:"value"`
}

type CommentValue struct {
	ID   string `json:"id"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Text  string `json:"text"`
	Media *struct {
		ID string `json:"id"`
	} `json:"media"`
}
