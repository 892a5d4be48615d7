// Package toolcache remembers the tool lists servers reported so they can be
// offered before a server is started.
package toolcache

import (
	"context"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/mcphost"
)

// Entry is one cached tool list.
type Entry struct {
	// Fingerprint of the server definition the tools were listed from.
	Fingerprint string
	Tools       []*mcp.Tool
	UpdatedAt   time.Time
}

// Store persists entries by key.
type Store interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
}

// Key returns the cache key of a server.
func Key(k mcphost.ServerKey) string { return k.String() }

// StateFor derives the cache state of a server from its stored entry.
func StateFor(e Entry, found bool, fingerprint string) mcphost.CacheState {
	switch {
	case !found:
		return mcphost.CacheUnknown
	case e.Fingerprint != fingerprint:
		return mcphost.CacheOutdated
	default:
		return mcphost.CacheFromCache
	}
}

// MemoryStore keeps entries for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
