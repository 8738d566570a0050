package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// StorageKey is the namespace key the session is persisted under
const StorageKey = "auth-storage"

// KV is a durable string key/value store
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// KVPersister stores the session as JSON under a single key
type KVPersister struct {
	kv  KV
	key string
}

// NewKVPersister creates a persister writing to kv under key
func NewKVPersister(kv KV, key string) *KVPersister {
	if key == "" {
		key = StorageKey
	}
	return &KVPersister{kv: kv, key: key}
}

// Load returns the persisted session, or nil when nothing is stored
func (p *KVPersister) Load(ctx context.Context) (*Session, error) {
	raw, ok, err := p.kv.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.key, err)
	}
	if !ok {
		return nil, nil
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", p.key, err)
	}
	return &s, nil
}

// Save writes the session
func (p *KVPersister) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return p.kv.Put(ctx, p.key, string(data))
}

// Clear removes the stored session
func (p *KVPersister) Clear(ctx context.Context) error {
	return p.kv.Delete(ctx, p.key)
}
