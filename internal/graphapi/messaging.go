package graphapi

import (
	"context"
	"net/http"
)

// Recipient addresses a send either to a user or, for private replies, to a comment.
type Recipient struct {
	ID        string `json:"id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
}

// Button is a web_url template button.
type Button struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// DefaultAction is the tap target of a template element.
type DefaultAction struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// TemplateElement is one card of a generic template.
type TemplateElement struct {
	Title         string         `json:"title"`
	Subtitle      string         `json:"subtitle,omitempty"`
	ImageURL      string         `json:"image_url,omitempty"`
	DefaultAction *DefaultAction `json:"default_action,omitempty"`
	Buttons       []Button       `json:"buttons,omitempty"`
}

type sendRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	Recipient        Recipient   `json:"recipient"`
	Message          sendMessage `json:"message"`
}

type sendMessage struct {
	Text       string      `json:"text,omitempty"`
	Attachment *attachment `json:"attachment,omitempty"`
}

type attachment struct {
	Type    string          `json:"type"`
	Payload templatePayload `json:"payload"`
}

type templatePayload struct {
	TemplateType string            `json:"template_type"`
	Elements     []TemplateElement `json:"elements"`
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

// SendResult carries the provider's id for the delivered message.
type SendResult struct {
	MessageID string
}

// SendText sends a plain text message from accountID.
func (c *Client) SendText(ctx context.Context, token, accountID string, to Recipient, text string) (*SendResult, error) {
	return c.send(ctx, token, accountID, sendRequest{
		MessagingProduct: "instagram",
		Recipient:        to,
		Message:          sendMessage{Text: text},
	})
}

// SendTemplate sends a generic template message from accountID.
func (c *Client) SendTemplate(ctx context.Context, token, accountID string, to Recipient, elements []TemplateElement) (*SendResult, error) {
	return c.send(ctx, token, accountID, sendRequest{
		MessagingProduct: "instagram",
		Recipient:        to,
		Message: sendMessage{Attachment: &attachment{
			Type: "template",
			Payload: templatePayload{
				TemplateType: "generic",
				Elements:     elements,
			},
		}},
	})
}

func (c *Client) send(ctx context.Context, token, accountID string, req sendRequest) (*SendResult, error) {
	resp, err := c.Request(ctx, http.MethodPost, accountID+"/messages", tokenParams(token), req)
	if err != nil {
		return nil, err
	}
	return parseSendResult(resp)
}

// ReplyToComment posts a public reply under commentID.
func (c *Client) ReplyToComment(ctx context.Context, token, commentID, text string) (*SendResult, error) {
	resp, err := c.Request(ctx, http.MethodPost, commentID+"/replies", tokenParams(token), map[string]string{"message": text})
	if err != nil {
		return nil, err
	}
	return parseSendResult(resp)
}

// parseSendResult normalizes {id} and {message_id} responses.
func parseSendResult(resp *Response) (*SendResult, error) {
	var out sendResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	id := out.MessageID
	if id == "" {
		id = out.ID
	}
	return &SendResult{MessageID: id}, nil
}
