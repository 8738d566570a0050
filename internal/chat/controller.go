package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"ShadiChat/internal/cache"
	"ShadiChat/internal/realtime"
	"ShadiChat/internal/session"
)

var (
	ErrNoConversation   = errors.New("chat: no conversation selected")
	ErrNotAuthenticated = errors.New("chat: not authenticated")
	ErrEmptyMessage     = errors.New("chat: message is empty")
)

// Messenger is the realtime surface the controller needs
type Messenger interface {
	Subscribe(conversationID string, h realtime.Handler) func()
	Send(ctx context.Context, out realtime.OutgoingMessage) (*session.Message, error)
}

// Identity supplies the current session
type Identity interface {
	Snapshot() session.Session
}

// Controller binds one selected conversation to the cache and the socket
type Controller struct {
	cache     *cache.Cache
	messenger Messenger
	identity  Identity
	logger    *slog.Logger

	mu          sync.Mutex
	active      string
	gen         uint64
	unsubscribe func()
}

// NewController creates a controller with no conversation selected
func NewController(c *cache.Cache, messenger Messenger, identity Identity, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if c == nil || messenger == nil || identity == nil {
		return nil, fmt.Errorf("cache, messenger and identity are required")
	}

	return &Controller{
		cache:     c,
		messenger: messenger,
		identity:  identity,
		logger:    logger,
	}, nil
}

// Select makes conversationID the active conversation: the previous
// subscription is dropped, inbound messages start flowing into the cache and
// the history is loaded. If the load fails nothing stays selected.
func (c *Controller) Select(ctx context.Context, conversationID string) ([]cache.Entry, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	c.mu.Lock()
	prev := c.unsubscribe
	c.gen++
	gen := c.gen
	c.active = conversationID
	c.unsubscribe = nil
	c.mu.Unlock()

	if prev != nil {
		prev()
	}

	// subscribe before loading so nothing broadcast during the fetch is lost
	unsubscribe := c.messenger.Subscribe(conversationID, func(msg session.Message) {
		if !c.current(gen) || msg.ConversationID != conversationID {
			return
		}
		if c.cache.AppendLive(msg) {
			c.logger.Debug("received message", "conversation_id", conversationID, "message_id", msg.ID)
		}
	})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		unsubscribe()
		return nil, fmt.Errorf("selection of %s superseded", conversationID)
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	entries, err := c.cache.LoadHistory(ctx, conversationID)
	if err != nil {
		// a failed load leaves nothing selected
		c.mu.Lock()
		var stop func()
		if c.gen == gen {
			stop = c.unsubscribe
			c.unsubscribe = nil
			c.active = ""
			c.gen++
		}
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		return nil, err
	}

	c.logger.Info("conversation selected", "conversation_id", conversationID, "entries", len(entries))
	return entries, nil
}

// Deselect stops following the active conversation. The socket stays open.
func (c *Controller) Deselect() {
	c.mu.Lock()
	prev := c.unsubscribe
	c.unsubscribe = nil
	c.active = ""
	c.gen++
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Active returns the selected conversation id, or ""
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// Messages returns the entries of the active conversation
func (c *Controller) Messages() []cache.Entry {
	active := c.Active()
	if active == "" {
		return nil
	}
	return c.cache.Messages(active)
}

// Submit sends content to the active conversation. An optimistic entry is
// shown until the server acknowledges; on failure it is marked failed and
// the error returned. Sends are never retried.
func (c *Controller) Submit(ctx context.Context, content string) (*session.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	sess := c.identity.Snapshot()
	if !sess.IsAuthenticated || sess.User == nil {
		return nil, ErrNotAuthenticated
	}

	active := c.Active()
	if active == "" {
		return nil, ErrNoConversation
	}

	draft := session.Message{
		ConversationID: active,
		SenderID:       sess.User.ID,
		ReceiverID:     c.peer(active, sess.User.ID),
		Content:        content,
	}
	entry := c.cache.AppendOptimistic(draft)

	ack, err := c.messenger.Send(ctx, realtime.OutgoingMessage{
		ConversationID: active,
		ReceiverID:     draft.ReceiverID,
		Content:        content,
		SenderID:       draft.SenderID,
		ClientID:       entry.Message.ClientID,
	})
	if err != nil {
		if markErr := c.cache.MarkFailed(entry.Message.ID, err); markErr != nil {
			c.logger.Debug("optimistic entry already gone", "temp_id", entry.Message.ID, "error", markErr)
		}
		c.logger.Warn("message send failed", "conversation_id", active, "error", err)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if err := c.cache.Reconcile(entry.Message.ID, *ack); err != nil {
		return nil, fmt.Errorf("failed to reconcile message: %w", err)
	}
	return ack, nil
}

// peer returns the first participant other than self, or ""
func (c *Controller) peer(conversationID, self string) string {
	conv, ok := c.cache.Conversation(conversationID)
	if !ok {
		return ""
	}
	for _, p := range conv.Participants {
		if p != self {
			return p
		}
	}
	return ""
}
