package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized matches any *Error with status 401
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionExpired is returned when the refresh token could not be exchanged;
	// the session has been cleared by the time the caller sees it.
	ErrSessionExpired = errors.New("session expired")
)

// Error is a non-2xx response from the backend, passed through unmodified
type Error struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

func newError(status int, body []byte) *Error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	if msg == "" && !json.Valid(body) {
		msg = strings.TrimSpace(string(body))
	}
	return &Error{StatusCode: status, Message: msg, Body: body}
}
