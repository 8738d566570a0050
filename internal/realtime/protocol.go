package realtime

import (
	"encoding/json"
	"errors"

	"ShadiChat/internal/session"
)

// Event names carried in Frame.Event
const (
	EventReady       = "ready"
	EventNewMessage  = "newMessage"
	EventSendMessage = "sendMessage"
	EventAck         = "ack"
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrAlreadyConnected = errors.New("realtime: connection already open")
	// ErrDisconnected rejects a send whose connection closed before the ack arrived
	ErrDisconnected = errors.New("realtime: disconnected")
	// ErrRejected is returned when the server acknowledged a send with success=false
	ErrRejected = errors.New("realtime: message rejected")
)

// Frame is a single JSON text frame on the socket
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutgoingMessage is the payload of a sendMessage frame
type OutgoingMessage struct {
	ConversationID string `json:"conversationId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Content        string `json:"content"`
	SenderID       string `json:"senderId"`
	ClientID       string `json:"clientId"`
}

// Ack is the server's answer to a sendMessage frame
type Ack struct {
	Success bool             `json:"success"`
	Message *session.Message `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// State is the lifecycle state of the Manager
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}
