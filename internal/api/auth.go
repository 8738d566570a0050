package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ShadiChat/internal/session"
)

// LoginResult is returned by a successful Google sign-in
type LoginResult struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         session.User `json:"user"`
	IsNewUser    bool         `json:"isNewUser"`
}

// Tokens is the payload of /auth/refresh
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LoginWithGoogle exchanges a Google ID token for a backend session.
// The caller stores the result with session.Store.SetAuth.
func (c *Client) LoginWithGoogle(ctx context.Context, idToken string) (*LoginResult, error) {
	var res LoginResult
	if err := c.unauthenticated(ctx, "/auth/google", map[string]string{"idToken": idToken}, &res); err != nil {
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	return &res, nil
}

// Refresh exchanges refreshToken for a new access token. It never triggers
// another refresh.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	var tokens Tokens
	if err := c.unauthenticated(ctx, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// RevokeRefreshToken invalidates refreshToken on the server
func (c *Client) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return c.unauthenticated(ctx, "/auth/logout", map[string]string{"refreshToken": refreshToken}, nil)
}

// unauthenticated posts in without a bearer token and without the refresh path
func (c *Client) unauthenticated(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, http.MethodPost+" "+path)
	defer span.End()

	status, resp, err := c.send(ctx, &request{method: http.MethodPost, path: path, body: body, retried: true}, "")
	if err != nil {
		span.RecordError(err)
		return err
	}
	return decode(status, resp, out)
}
