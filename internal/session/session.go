package session

import (
	"encoding/json"
	"time"
)

// User roles as reported by the backend
const (
	RoleUser        = "USER"
	RoleAdmin       = "ADMIN"
	RoleAgent       = "AGENT"
	RolePremiumUser = "PREMIUM_USER"
)

// User represents the authenticated account returned by the backend
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email,omitempty"`
	Name         string          `json:"name,omitempty"`
	ProfilePhoto string          `json:"profilePhoto,omitempty"`
	Role         string          `json:"role,omitempty"`
	IsActive     bool            `json:"isActive"`
	IsBanned     bool            `json:"isBanned"`
	Profile      json.RawMessage `json:"profile,omitempty"`
}

// Session represents the authenticated client state
type Session struct {
	AccessToken     string `json:"accessToken"`
	RefreshToken    string `json:"refreshToken"`
	User            *User  `json:"user"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// UserID returns the id of the session user, or "" when logged out
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// clone returns a copy that shares no pointers with s
func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		if s.User.Profile != nil {
			u.Profile = append(json.RawMessage(nil), s.User.Profile...)
		}
		s.User = &u
	}
	return s
}

// Message represents a single chat message
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	// ClientID is the correlation id chosen by the sending client and echoed by the server.
	ClientID string `json:"clientId,omitempty"`
}

// Conversation represents a thread between participants
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
}
