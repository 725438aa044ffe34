package graphapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// maxConversationPages bounds cursor pagination.
const maxConversationPages = 50

// Time parses graph timestamps, which omit the colon in the zone offset.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

// Participant is one side of a conversation.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Conversation is a DM thread as listed by the platform.
type Conversation struct {
	ID           string
	UpdatedTime  time.Time
	Participants []Participant
}

// Counterpart returns the participant that is not accountID.
func (c Conversation) Counterpart(accountID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != accountID {
			return p, true
		}
	}
	return Participant{}, false
}

// Message is one message inside a conversation.
type Message struct {
	ID           string
	Text         string
	FromID       string
	FromUsername string
	CreatedTime  time.Time
}

type conversationPage struct {
	Data []struct {
		ID           string `json:"id"`
		UpdatedTime  Time   `json:"updated_time"`
		Participants struct {
			Data []Participant `json:"data"`
		} `json:"participants"`
	} `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// ListConversations returns every conversation of the token's account,
// following paging cursors.
func (c *Client) ListConversations(ctx context.Context, token string) ([]Conversation, error) {
	var out []Conversation
	after := ""

	for page := 0; page < maxConversationPages; page++ {
		params := tokenParams(token)
		params.Set("platform", "instagram")
		params.Set("fields", "participants,updated_time")
		params.Set("limit", "50")
		if after != "" {
			params.Set("after", after)
		}

		resp, err := c.Request(ctx, http.MethodGet, "me/conversations", params, nil)
		if err != nil {
			return nil, err
		}

		var body conversationPage
		if err := decode(resp, &body); err != nil {
			return nil, err
		}

		for _, d := range body.Data {
			out = append(out, Conversation{
				ID:           d.ID,
				UpdatedTime:  d.UpdatedTime.Time,
				Participants: d.Participants.Data,
			})
		}

		after = nextCursor(body.Paging.Next, body.Paging.Cursors.After)
		if after == "" || len(body.Data) == 0 {
			break
		}
	}
	return out, nil
}

// nextCursor returns the cursor for the following page, or "" on the last page.
func nextCursor(next, after string) string {
	if next == "" {
		return ""
	}
	if u, err := url.Parse(next); err == nil {
		if v := u.Query().Get("after"); v != "" {
			return v
		}
	}
	return after
}

type messagesBody struct {
	Messages struct {
		Data []struct {
			ID          string `json:"id"`
			Message     string `json:"message"`
			CreatedTime Time   `json:"created_time"`
			From        struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"from"`
		} `json:"data"`
	} `json:"messages"`
}

// ListMessages returns up to limit of the most recent messages in a
// conversation, newest first.
func (c *Client) ListMessages(ctx context.Context, token, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	params := tokenParams(token)
	params.Set("fields", fmt.Sprintf("messages.limit(%d){id,message,from,created_time}", limit))

	resp, err := c.Request(ctx, http.MethodGet, conversationID, params, nil)
	if err != nil {
		return nil, err
	}

	var body messagesBody
	if err := decode(resp, &body); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(body.Messages.Data))
	for _, d := range body.Messages.Data {
		out = append(out, Message{
			ID:           d.ID,
			Text:         strings.TrimSpace(d.Message),
			FromID:       d.From.ID,
			FromUsername: d.From.Username,
			CreatedTime:  d.CreatedTime.Time,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedTime.After(out[j].CreatedTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindConversationWith returns the id of the conversation with participantID,
// or "" when there is none.
func (c *Client) FindConversationWith(ctx context.Context, token, participantID string) (string, error) {
	params := tokenParams(token)
	params.Set("platform", "instagram")
	params.Set("user_id", participantID)

	resp, err := c.Request(ctx, http.MethodGet, "me/conversations", params, nil)
	if err != nil {
		return "", err
	}

	var body conversationPage
	if err := decode(resp, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	return body.Data[0].ID, nil
}
