package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ShadiChat/internal/session"
)

// TempIDPrefix marks ids assigned to optimistic entries
const TempIDPrefix = "tmp-"

// DefaultReconcileWindow bounds content matching of live messages against
// pending entries that carry no correlation id
const DefaultReconcileWindow = 30 * time.Second

// ErrUnknownEntry is returned when a temporary id is not in the cache
var ErrUnknownEntry = errors.New("cache: unknown entry")

// Status of a cached entry
type Status int

const (
	StatusSent Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message in a conversation view
type Entry struct {
	Message session.Message
	Status  Status
	Err     error

	seq uint64
}

// HistoryFetcher loads a conversation's history
type HistoryFetcher interface {
	Messages(ctx context.Context, id string) ([]session.Message, error)
}

// Options tunes the Cache. Zero values pick the defaults.
type Options struct {
	ReconcileWindow time.Duration
	Now             func() time.Time
}

type thread struct {
	entries      []Entry
	participants []string
	last         *session.Message
}

// Cache holds the ordered message list of every conversation seen so far.
// Entries are kept non-decreasing by CreatedAt; equal timestamps keep
// arrival order.
type Cache struct {
	fetcher HistoryFetcher
	logger  *slog.Logger
	window  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	threads map[string]*thread
	temps   map[string]string
	seq     uint64
}

// Fingerprint identifies a message by sender and content
func Fingerprint(senderID, content string) string {
	h := sha256.New()
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(content)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// New creates an empty cache backed by fetcher
func New(fetcher HistoryFetcher, logger *slog.Logger, opts Options) (*Cache, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("history fetcher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache{
		fetcher: fetcher,
		logger:  logger,
		window:  opts.ReconcileWindow,
		now:     opts.Now,
		threads: make(map[string]*thread),
		temps:   make(map[string]string),
	}, nil
}

// LoadHistory fetches the conversation and replaces its cached list.
// Unacknowledged local entries, and live messages that arrived while the
// fetch was in flight, are kept.
func (c *Cache) LoadHistory(ctx context.Context, conversationID string) ([]Entry, error) {
	c.mu.Lock()
	started := c.seq
	c.mu.Unlock()

	history, err := c.fetcher.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", conversationID, err)
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make(map[string]bool, len(history))
	clientIDs := make(map[string]bool)
	t := &thread{}
	for _, msg := range history {
		if ids[msg.ID] {
			c.logger.Debug("dropping duplicate history message", "conversation_id", conversationID, "message_id", msg.ID)
			continue
		}
		ids[msg.ID] = true
		if msg.ClientID != "" {
			clientIDs[msg.ClientID] = true
		}
		c.seq++
		t.entries = append(t.entries, Entry{Message: msg, Status: StatusSent, seq: c.seq})
		t.addParticipants(msg)
	}
	if n := len(t.entries); n > 0 {
		last := t.entries[n-1].Message
		t.last = &last
	}

	if old, ok := c.threads[conversationID]; ok {
		for _, e := range old.entries {
			switch {
			case ids[e.Message.ID]:
				continue
			case e.Status != StatusSent && e.Message.ClientID != "" && clientIDs[e.Message.ClientID]:
				delete(c.temps, e.Message.ID)
				continue
			case e.Status == StatusSent && e.seq <= started:
				continue
			}
			t.insert(e)
			if e.Status == StatusSent {
				msg := e.Message
				t.last = &msg
			}
		}
		for _, p := range old.participants {
			t.addParticipant(p)
		}
	}

	c.threads[conversationID] = t
	c.logger.Debug("loaded history", "conversation_id", conversationID, "count", len(history), "entries", len(t.entries))
	return t.snapshot(), nil
}

// AppendLive adds a server-confirmed message. It reports false when the
// message was already cached. A pending entry with the same correlation id,
// or with the same sender and content inside the reconcile window when the
// message carries no correlation id, is replaced.
func (c *Cache) AppendLive(msg session.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLiveLocked(msg)
}

func (c *Cache) appendLiveLocked(msg session.Message) bool {
	t := c.threadLocked(msg.ConversationID)
	if t.indexByID(msg.ID) >= 0 {
		return false
	}

	if i := c.matchPendingLocked(t, msg); i >= 0 {
		delete(c.temps, t.entries[i].Message.ID)
		c.logger.Debug("replacing optimistic entry", "conversation_id", msg.ConversationID,
			"temp_id", t.entries[i].Message.ID, "message_id", msg.ID)
		t.remove(i)
	}

	c.seq++
	t.insert(Entry{Message: msg, Status: StatusSent, seq: c.seq})
	t.addParticipants(msg)
	last := msg
	t.last = &last
	return true
}

func (c *Cache) matchPendingLocked(t *thread, msg session.Message) int {
	if msg.ClientID != "" {
		for i, e := range t.entries {
			if e.Status != StatusSent && e.Message.ClientID == msg.ClientID {
				return i
			}
		}
		return -1
	}

	fp := Fingerprint(msg.SenderID, msg.Content)
	for i, e := range t.entries {
		if e.Status != StatusPending || e.Message.SenderID != msg.SenderID {
			continue
		}
		if Fingerprint(e.Message.SenderID, e.Message.Content) != fp {
			continue
		}
		if d := msg.CreatedAt.Sub(e.Message.CreatedAt); d <= c.window && d >= -c.window {
			return i
		}
	}
	return -1
}

// AppendOptimistic adds draft as a pending entry with a temporary id.
// A missing ClientID or CreatedAt is filled in.
func (c *Cache) AppendOptimistic(draft session.Message) Entry {
	draft.ID = TempIDPrefix + uuid.NewString()
	if draft.ClientID == "" {
		draft.ClientID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = c.now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.threadLocked(draft.ConversationID)
	c.seq++
	e := Entry{Message: draft, Status: StatusPending, seq: c.seq}
	t.insert(e)
	t.addParticipants(draft)
	c.temps[draft.ID] = draft.ConversationID
	return e
}

// Reconcile replaces the optimistic entry tempID with the acknowledged
// message, or drops it when ack is already cached.
func (c *Cache) Reconcile(tempID string, ack session.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	convID, ok := c.temps[tempID]
	if !ok {
		// already replaced by a live broadcast or a reload
		c.appendLiveLocked(ack)
		return nil
	}
	delete(c.temps, tempID)

	t := c.threadLocked(convID)
	if i := t.indexByID(tempID); i >= 0 {
		t.remove(i)
	}
	if ack.ConversationID == "" {
		ack.ConversationID = convID
	}
	c.appendLiveLocked(ack)
	return nil
}

// MarkFailed flags the optimistic entry tempID as failed with err
func (c *Cache) MarkFailed(tempID string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	convID, ok := c.temps[tempID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, tempID)
	}
	t := c.threadLocked(convID)
	i := t.indexByID(tempID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, tempID)
	}
	t.entries[i].Status = StatusFailed
	t.entries[i].Err = err
	return nil
}

// Messages returns a copy of the conversation's entries
func (c *Cache) Messages(conversationID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.threads[conversationID]
	if !ok {
		return nil
	}
	return t.snapshot()
}

// Conversation returns the participants and last message of a cached conversation
func (c *Cache) Conversation(conversationID string) (session.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.threads[conversationID]
	if !ok {
		return session.Conversation{}, false
	}
	conv := session.Conversation{
		ID:           conversationID,
		Participants: append([]string(nil), t.participants...),
	}
	if t.last != nil {
		last := *t.last
		conv.LastMessage = &last
	}
	return conv, true
}

// Forget drops a conversation
func (c *Cache) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.threads[conversationID]; ok {
		for _, e := range t.entries {
			delete(c.temps, e.Message.ID)
		}
	}
	delete(c.threads, conversationID)
}

// Reset drops everything
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = make(map[string]*thread)
	c.temps = make(map[string]string)
}

func (c *Cache) threadLocked(conversationID string) *thread {
	t, ok := c.threads[conversationID]
	if !ok {
		t = &thread{}
		c.threads[conversationID] = t
	}
	return t
}

func (t *thread) indexByID(id string) int {
	for i, e := range t.entries {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}

// insert places e after the last entry with CreatedAt <= e's
func (t *thread) insert(e Entry) {
	at := e.Message.CreatedAt
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Message.CreatedAt.After(at)
	})
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

func (t *thread) remove(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

func (t *thread) addParticipants(msg session.Message) {
	t.addParticipant(msg.SenderID)
	t.addParticipant(msg.ReceiverID)
}

func (t *thread) addParticipant(id string) {
	if id == "" {
		return
	}
	for _, p := range t.participants {
		if p == id {
			return
		}
	}
	t.participants = append(t.participants, id)
}

func (t *thread) snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
