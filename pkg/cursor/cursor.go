// Package cursor persists how far each watcher has scanned. Cursors are hints for
// resuming and bounding backfill, never a source of truth.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/web3ekko/ekko-settler/pkg/cache"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Cursor is the high-water mark of one pipeline's watcher.
type Cursor struct {
	Pipeline              settlement.Pipeline `json:"pipeline"`
	LastProcessedBlock    uint64              `json:"lastProcessedBlock"`
	LastProcessedSequence uint                `json:"lastProcessedSequence"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

// After reports whether c is strictly ahead of other.
func (c Cursor) After(other Cursor) bool {
	if c.LastProcessedBlock != other.LastProcessedBlock {
		return c.LastProcessedBlock > other.LastProcessedBlock
	}
	return c.LastProcessedSequence > other.LastProcessedSequence
}

// Store loads and saves cursors.
type Store interface {
	// Load returns the saved cursor and whether one existed.
	Load(ctx context.Context, p settlement.Pipeline) (Cursor, bool, error)
	// Save persists c unless a later cursor is already stored.
	Save(ctx context.Context, c Cursor) error
}

// MemoryStore keeps cursors for the life of the process.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[settlement.Pipeline]Cursor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[settlement.Pipeline]Cursor)}
}

func (m *MemoryStore) Load(_ context.Context, p settlement.Pipeline) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[p]
	return c, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[c.Pipeline]; ok && !c.After(cur) {
		return nil
	}
	m.cursors[c.Pipeline] = c
	return nil
}

// RedisStore keeps cursors in Redis so a restarted process resumes where it left off.
type RedisStore struct {
	client cache.RedisClient
	prefix string
	mu     sync.Mutex
}

// NewRedisStore stores cursors under prefix + "cursor:" + pipeline.
func NewRedisStore(client cache.RedisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(p settlement.Pipeline) string {
	return fmt.Sprintf("%scursor:%s", r.prefix, p)
}

func (r *RedisStore) Load(ctx context.Context, p settlement.Pipeline) (Cursor, bool, error) {
	raw, err := r.client.Get(ctx, r.key(p)).Result()
	if errors.Is(err, redis.Nil) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("load cursor %s: %w", p, err)
	}
	var c Cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Cursor{}, false, fmt.Errorf("decode cursor %s: %w", p, err)
	}
	return c, true, nil
}

// Save only advances the stored cursor. Saves from one process are serialised.
func (r *RedisStore) Save(ctx context.Context, c Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok, err := r.Load(ctx, c.Pipeline)
	if err != nil {
		return err
	}
	if ok && !c.After(cur) {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(c.Pipeline), string(raw), 0).Err(); err != nil {
		return fmt.Errorf("save cursor %s: %w", c.Pipeline, err)
	}
	return nil
}
