package graphapi

import (
	"context"
	"net/http"
	"time"
)

// RefreshedToken is a long-lived token returned by the refresh endpoint.
type RefreshedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExpiresAt converts ExpiresIn to an absolute time relative to now.
func (t *RefreshedToken) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// RefreshToken exchanges a still-valid long-lived token for a new one.
func (c *Client) RefreshToken(ctx context.Context, token string) (*RefreshedToken, error) {
	params := tokenParams(token)
	params.Set("grant_type", "ig_refresh_token")

	resp, err := c.Request(ctx, http.MethodGet, "refresh_access_token", params, nil)
	if err != nil {
		return nil, err
	}

	var out RefreshedToken
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, &APIError{Kind: KindParseError, Status: resp.Status, Message: "refresh response carried no access_token"}
	}
	if out.ExpiresIn <= 0 {
		return nil, &APIError{Kind: KindParseError, Status: resp.Status, Message: "refresh response carried no expires_in"}
	}
	return &out, nil
}
