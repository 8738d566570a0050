package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Persister saves the session to durable client storage
type Persister interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// Revoker invalidates a refresh token on the server
type Revoker interface {
	RevokeRefreshToken(ctx context.Context, refreshToken string) error
}

// Store owns the single Session of the process. Writes go through SetAuth,
// SetAccessToken and Logout; readers take a Snapshot at the point of use.
// Listeners run while the write that triggered them is still held, so they
// must not write to the store.
type Store struct {
	// writeMu orders each write with its persist and notify
	writeMu sync.Mutex

	mu        sync.RWMutex
	sess      Session
	persister Persister
	revoker   Revoker
	logger    *slog.Logger

	listenersMu sync.Mutex
	listeners   map[int]func(Session)
	nextID      int
}

// NewStore creates an empty, unauthenticated store. persister may be nil.
func NewStore(persister Persister, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Store{
		persister: persister,
		logger:    logger,
		listeners: make(map[int]func(Session)),
	}, nil
}

// SetRevoker sets the server-side invalidation used by Logout
func (s *Store) SetRevoker(r Revoker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoker = r
}

// Restore loads the persisted session, if any
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	loaded, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	if loaded == nil || loaded.AccessToken == "" {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.sess = loaded.clone()
	s.sess.IsAuthenticated = true
	snap := s.sess.clone()
	s.mu.Unlock()

	s.logger.Info("restored session", "user_id", snap.UserID())
	s.notify(snap)
	return nil
}

// Snapshot returns a copy of the current session
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.clone()
}

// SetAuth replaces the session after a successful login
func (s *Store) SetAuth(ctx context.Context, accessToken, refreshToken string, user User) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	u := user
	s.sess = Session{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		User:            &u,
		IsAuthenticated: true,
	}
	s.sess = s.sess.clone()
	snap := s.sess.clone()
	s.mu.Unlock()

	s.logger.Info("session authenticated", "user_id", user.ID, "access_expires_at", expiryAttr(accessToken))
	s.persist(ctx, snap)
	s.notify(snap)
}

// SetAccessToken replaces only the access token. It reports false, and
// changes nothing, when no session is authenticated: a refresh finishing
// after logout must not resurrect the old user.
func (s *Store) SetAccessToken(ctx context.Context, token string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if !s.sess.IsAuthenticated {
		s.mu.Unlock()
		return false
	}
	s.sess.AccessToken = token
	snap := s.sess.clone()
	s.mu.Unlock()

	s.logger.Info("access token refreshed", "user_id", snap.UserID(), "access_expires_at", expiryAttr(token))
	s.persist(ctx, snap)
	s.notify(snap)
	return true
}

// Logout invalidates the refresh token on the server (best effort) and
// clears the session locally regardless of the outcome.
func (s *Store) Logout(ctx context.Context) {
	s.mu.RLock()
	refreshToken := s.sess.RefreshToken
	revoker := s.revoker
	s.mu.RUnlock()

	if revoker != nil && refreshToken != "" {
		if err := revoker.RevokeRefreshToken(ctx, refreshToken); err != nil {
			s.logger.Warn("failed to revoke refresh token", "error", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	userID := s.sess.UserID()
	s.sess = Session{}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Clear(ctx); err != nil {
			s.logger.Error("failed to clear persisted session", "error", err)
		}
	}

	s.logger.Info("session cleared", "user_id", userID)
	s.notify(Session{})
}

// Subscribe registers fn to be called with a snapshot after every change.
// It returns a function that removes the listener.
func (s *Store) Subscribe(fn func(Session)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(snap Session) {
	s.listenersMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snap.clone())
	}
}

func (s *Store) persist(ctx context.Context, snap Session) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(ctx, snap); err != nil {
		s.logger.Error("failed to persist session", "error", err)
	}
}

// TokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. Verification is the server's job; the client only uses
// the value for display and logging.
func TokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

func expiryAttr(token string) string {
	exp, err := TokenExpiry(token)
	if err != nil {
		return "unknown"
	}
	return exp.UTC().Format(time.RFC3339)
}
