package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Interest statuses
const (
	InterestPending  = "PENDING"
	InterestAccepted = "ACCEPTED"
	InterestDeclined = "DECLINED"
)

// Interest is an incoming expression of interest
type Interest struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Sender ProfileSummary `json:"sender"`
}

// Interests returns the interests received by the signed-in user
func (c *Client) Interests(ctx context.Context) ([]Interest, error) {
	var out []Interest
	if err := c.do(ctx, http.MethodGet, "/interests", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch interests: %w", err)
	}
	return out, nil
}

// RespondToInterest accepts or declines an interest
func (c *Client) RespondToInterest(ctx context.Context, id, status string) error {
	if status != InterestAccepted && status != InterestDeclined {
		return fmt.Errorf("invalid interest status %q", status)
	}
	body := map[string]string{"status": status}
	if err := c.do(ctx, http.MethodPut, "/interests/"+url.PathEscape(id)+"/respond", nil, body, nil); err != nil {
		return fmt.Errorf("failed to respond to interest: %w", err)
	}
	return nil
}
