package store

import (
	"context"
	"sync"
)

// MemoryStore keeps connections and tokens in process memory. It is meant for
// development and tests; Open refuses it in production.
type MemoryStore struct {
	mu          sync.Mutex
	connections map[int64]*ConnectionRecord
	tokens      map[int64]*TokenRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: make(map[int64]*ConnectionRecord),
		tokens:      make(map[int64]*TokenRecord),
	}
}

func (m *MemoryStore) GetConnection(_ context.Context, userID int64) (*ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConnection(c), nil
}

func (m *MemoryStore) UpsertConnection(_ context.Context, c *ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[c.UserID] = applyUpsert(m.connections[c.UserID], c)
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, change StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[change.UserID]
	if !ok {
		return ErrNotFound
	}
	applyStatus(c, change)
	return nil
}

func (m *MemoryStore) MarkSyncState(_ context.Context, userID int64, s SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[userID]
	if !ok {
		return ErrNotFound
	}
	applySyncState(c, s)
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, userID int64) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) PutToken(_ context.Context, t *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tokens[t.UserID] = &cp
	return nil
}

func (m *MemoryStore) DeleteToken(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, userID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneConnection(c *ConnectionRecord) *ConnectionRecord {
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	cp.Error = cloneError(c.Error)
	return &cp
}
