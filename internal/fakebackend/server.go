// Package fakebackend is an in-memory stand-in for the ShadiChat backend:
// the REST API under /api/v1 and the realtime socket at /ws. For tests and
// local development only.
package fakebackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ShadiChat/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	SenderID       string `json:"senderId"`
	ClientID       string `json:"clientId"`
}

type document struct {
	ID           string `json:"id"`
	DocumentType string `json:"documentType"`
	Status       string `json:"status"`
	URL          string `json:"url"`
}

type conversation struct {
	participants []string
	messages     []session.Message
}

type socket struct {
	conn    *websocket.Conn
	userID  string
	writeMu sync.Mutex
}

func (s *socket) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

// Server is a running fake backend
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	googleUsers   map[string]session.User
	users         map[string]session.User
	access        map[string]string
	refresh       map[string]string
	conversations map[string]*conversation
	sockets       map[*socket]struct{}
	held          []func()
	profiles      map[string]map[string]any
	documents     map[string][]document
	interests     map[string]string

	accessSeq   int
	refreshSeq  int
	messageSeq  int
	documentSeq int

	refreshCalls int
	logoutCalls  int

	rejectRefresh  bool
	withholdReady  bool
	rejectSends    string
	holdAcks       bool
	broadcastFirst bool

	now func() time.Time
}

// New starts a fake backend
func New() *Server {
	s := &Server{
		googleUsers:   make(map[string]session.User),
		users:         make(map[string]session.User),
		access:        make(map[string]string),
		refresh:       make(map[string]string),
		conversations: make(map[string]*conversation),
		sockets:       make(map[*socket]struct{}),
		profiles:      make(map[string]map[string]any),
		documents:     make(map[string][]document),
		interests:     map[string]string{"i1": "PENDING"},
		now:           func() time.Time { return time.Now().UTC() },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/google", s.handleGoogle)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/v1/messages/{id}", s.authed(s.handleMessages))
	mux.HandleFunc("GET /api/v1/profiles/me", s.authed(s.handleMyProfile))
	mux.HandleFunc("POST /api/v1/profiles", s.authed(s.handleSaveProfile))
	mux.HandleFunc("PUT /api/v1/profiles/me", s.authed(s.handleSaveProfile))
	mux.HandleFunc("PUT /api/v1/profiles/me/{section}", s.authed(s.handleSaveProfile))
	mux.HandleFunc("GET /api/v1/interests", s.authed(s.handleInterests))
	mux.HandleFunc("PUT /api/v1/interests/{id}/respond", s.authed(s.handleRespond))
	mux.HandleFunc("GET /api/v1/documents", s.authed(s.handleDocuments))
	mux.HandleFunc("POST /api/v1/documents", s.authed(s.handleUploadDocument))
	mux.HandleFunc("DELETE /api/v1/documents/{id}", s.authed(s.handleDeleteDocument))
	mux.HandleFunc("GET /api/v1/shortlists", s.authed(s.handleShortlists))
	mux.HandleFunc("GET /api/v1/payments/plans", s.authed(s.handlePlans))
	mux.HandleFunc("GET /ws", s.handleSocket)

	s.srv = httptest.NewServer(mux)
	return s
}

// Close stops the server and drops every socket
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// APIURL is the REST base URL
func (s *Server) APIURL() string {
	return s.srv.URL + "/api/v1"
}

// SocketURL is the realtime endpoint
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// SetClock replaces the clock used to stamp messages
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddGoogleUser makes idToken sign in as u
func (s *Server) AddGoogleUser(idToken string, u session.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.googleUsers[idToken] = u
	s.users[u.ID] = u
}

// IssueTokens creates a session for userID without going through sign-in
func (s *Server) IssueTokens(userID string) (accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueAccessLocked(userID), s.issueRefreshLocked(userID)
}

// ExpireAccessToken makes token fail authentication from now on
func (s *Server) ExpireAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, token)
}

// RejectRefresh makes /auth/refresh answer 401
func (s *Server) RejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// WithholdReady stops new sockets from receiving the ready event
func (s *Server) WithholdReady(withhold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withholdReady = withhold
}

// RejectSends makes every sendMessage ack with success=false and reason
func (s *Server) RejectSends(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSends = reason
}

// HoldAcks queues sends instead of answering them until ReleaseAcks
func (s *Server) HoldAcks(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdAcks = hold
}

// ReleaseAcks answers every held send
func (s *Server) ReleaseAcks() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()

	for _, fn := range held {
		fn()
	}
}

// BroadcastBeforeAck delivers the newMessage broadcast ahead of the ack
func (s *Server) BroadcastBeforeAck(first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastFirst = first
}

// AddConversation registers a conversation between participants
func (s *Server) AddConversation(id string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.participants = participants
		return
	}
	s.conversations[id] = &conversation{participants: participants}
}

// AddMessage appends msg to its conversation's history without broadcasting
func (s *Server) AddMessage(msg session.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversationLocked(msg.ConversationID)
	c.messages = append(c.messages, msg)
}

// Push stores msg and broadcasts it to the conversation's connected participants
func (s *Server) Push(msg session.Message) error {
	s.mu.Lock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	c := s.conversationLocked(msg.ConversationID)
	c.messages = append(c.messages, msg)
	targets := s.socketsForLocked(c.participants)
	s.mu.Unlock()

	return broadcast(targets, msg)
}

// DropConnections closes every socket without a close handshake
func (s *Server) DropConnections() {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.sockets = make(map[*socket]struct{})
	s.mu.Unlock()

	for _, sock := range socks {
		sock.conn.Close()
	}
}

// Connections returns the number of open sockets
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// RefreshCalls returns how many times /auth/refresh was hit
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// LogoutCalls returns how many times /auth/logout was hit
func (s *Server) LogoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

// Messages returns the stored history of a conversation
func (s *Server) Messages(conversationID string) []session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]session.Message(nil), c.messages...)
}

func (s *Server) issueAccessLocked(userID string) string {
	s.accessSeq++
	token := fmt.Sprintf("A%d", s.accessSeq)
	s.access[token] = userID
	return token
}

func (s *Server) issueRefreshLocked(userID string) string {
	s.refreshSeq++
	token := fmt.Sprintf("R%d", s.refreshSeq)
	s.refresh[token] = userID
	return token
}

func (s *Server) conversationLocked(id string) *conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &conversation{}
		s.conversations[id] = c
	}
	return c
}

// socketsForLocked returns the sockets of participants, or every socket when
// the conversation has no registered participants
func (s *Server) socketsForLocked(participants []string) []*socket {
	var out []*socket
	for sock := range s.sockets {
		if len(participants) == 0 || contains(participants, sock.userID) {
			out = append(out, sock)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func broadcast(targets []*socket, msg session.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	for _, sock := range targets {
		if err := sock.write(frame{Event: "newMessage", Data: data}); err != nil {
			return fmt.Errorf("failed to push to %s: %w", sock.userID, err)
		}
	}
	return nil
}
