package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"ShadiChat/internal/session"
)

// Messages returns the history of a conversation, oldest first. id may be a
// conversation id or the peer's user id; the backend resolves either.
func (c *Client) Messages(ctx context.Context, id string) ([]session.Message, error) {
	var msgs []session.Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), nil, nil, &msgs); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}
