package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Shortlist is a saved profile
type Shortlist struct {
	ID      string         `json:"id"`
	Profile ProfileSummary `json:"profile"`
}

// Shortlists returns the signed-in user's shortlist
func (c *Client) Shortlists(ctx context.Context) ([]Shortlist, error) {
	var out []Shortlist
	if err := c.do(ctx, http.MethodGet, "/shortlists", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch shortlists: %w", err)
	}
	return out, nil
}

// RemoveShortlist removes userID from the shortlist
func (c *Client) RemoveShortlist(ctx context.Context, userID string) error {
	if err := c.do(ctx, http.MethodDelete, "/shortlists/"+url.PathEscape(userID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to remove shortlist: %w", err)
	}
	return nil
}
