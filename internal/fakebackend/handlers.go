package fakebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"ShadiChat/internal/session"
)

type userKey struct{}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 300, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		userID, ok := s.access[bearer(r)]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	}
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"idToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	u, ok := s.googleUsers[req.IDToken]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid Google token")
		return
	}
	access := s.issueAccessLocked(u.ID)
	refresh := s.issueRefreshLocked(u.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"user":         u,
		"isNewUser":    false,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.refreshCalls++
	userID, ok := s.refresh[req.RefreshToken]
	if !ok || s.rejectRefresh {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	access := s.issueAccessLocked(userID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.logoutCalls++
	delete(s.refresh, req.RefreshToken)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.Messages(r.PathValue("id"))
	if msgs == nil {
		msgs = []session.Message{}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMyProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userKey{}).(string)

	s.mu.Lock()
	u := s.users[userID]
	s.mu.Unlock()

	firstName, _, _ := strings.Cut(u.Name, " ")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        userID,
		"firstName": firstName,
		"city":      "Raipur",
	})
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userKey{}).(string)
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	p := s.profiles[userID]
	if p == nil {
		p = map[string]any{"id": "p-" + userID}
		s.profiles[userID] = p
	}
	target := p
	if section := r.PathValue("section"); section != "" {
		sub, _ := p[section].(map[string]any)
		if sub == nil {
			sub = map[string]any{}
			p[section] = sub
		}
		target = sub
	}
	for k, v := range fields {
		target[k] = v
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInterests(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.interests["i1"]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, []map[string]any{
		{"id": "i1", "status": status, "sender": map[string]any{"id": "p1", "firstName": "Meera", "age": 27, "city": "Bilaspur"}},
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Status != "ACCEPTED" && req.Status != "DECLINED") {
		writeError(w, http.StatusBadRequest, "status must be ACCEPTED or DECLINED")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interests[r.PathValue("id")]; !ok {
		writeError(w, http.StatusNotFound, "interest not found")
		return
	}
	s.interests[r.PathValue("id")] = req.Status
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userKey{}).(string)
	s.mu.Lock()
	docs := append([]document{}, s.documents[userID]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userKey{}).(string)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	f.Close()

	s.mu.Lock()
	s.documentSeq++
	doc := document{
		ID:           fmt.Sprintf("d%d", s.documentSeq),
		DocumentType: r.FormValue("documentType"),
		Status:       "PENDING",
		URL:          "/files/" + hdr.Filename,
	}
	s.documents[userID] = append(s.documents[userID], doc)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userKey{}).(string)
	id := r.PathValue("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.documents[userID]
	for i, d := range docs {
		if d.ID == id {
			s.documents[userID] = append(docs[:i:i], docs[i+1:]...)
			writeJSON(w, http.StatusOK, nil)
			return
		}
	}
	writeError(w, http.StatusNotFound, "document not found")
}

func (s *Server) handleShortlists(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{
		{"id": "s1", "profile": map[string]any{"id": "p2", "firstName": "Kavya", "age": 29, "city": "Durg"}},
	})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{
		{"id": "gold", "name": "Gold", "price": 499, "durationDays": 30, "description": "Unlimited chat"},
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r)
	}

	s.mu.Lock()
	userID, ok := s.access[token]
	withhold := s.withholdReady
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sock := &socket{conn: conn, userID: userID}
	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
		conn.Close()
	}()

	if !withhold {
		if err := sock.write(frame{Event: "ready"}); err != nil {
			return
		}
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event != "sendMessage" {
			continue
		}
		var out outgoing
		if err := json.Unmarshal(f.Data, &out); err != nil {
			continue
		}
		s.handleSend(sock, f.ID, out)
	}
}

func (s *Server) handleSend(sock *socket, id string, out outgoing) {
	s.mu.Lock()
	if s.rejectSends != "" {
		reason := s.rejectSends
		s.mu.Unlock()
		_ = ack(sock, id, map[string]any{"success": false, "error": reason})
		return
	}

	convID := out.ConversationID
	if convID == "" {
		convID = s.conversationWithLocked(sock.userID, out.ReceiverID)
	}
	s.messageSeq++
	msg := session.Message{
		ID:             fmt.Sprintf("m%d", s.messageSeq),
		ConversationID: convID,
		SenderID:       sock.userID,
		ReceiverID:     out.ReceiverID,
		Content:        out.Content,
		CreatedAt:      s.now(),
		ClientID:       out.ClientID,
	}
	c := s.conversationLocked(convID)
	c.messages = append(c.messages, msg)
	targets := s.socketsForLocked(c.participants)
	first := s.broadcastFirst

	reply := func() {
		if first {
			_ = broadcast(targets, msg)
		}
		_ = ack(sock, id, map[string]any{"success": true, "message": msg})
		if !first {
			_ = broadcast(targets, msg)
		}
	}
	if s.holdAcks {
		s.held = append(s.held, reply)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	reply()
}

// conversationWithLocked finds the conversation holding both users, or
// creates one keyed by the pair
func (s *Server) conversationWithLocked(a, b string) string {
	for id, c := range s.conversations {
		if contains(c.participants, a) && contains(c.participants, b) {
			return id
		}
	}
	pair := []string{a, b}
	sort.Strings(pair)
	id := pair[0] + "_" + pair[1]
	s.conversations[id] = &conversation{participants: pair}
	return id
}

func ack(sock *socket, id string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sock.write(frame{Event: "ack", ID: id, Data: data})
}
