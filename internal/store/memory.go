package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store. Documents are stored
// in their JSON encoding so callers never share maps with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Name][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Name][]byte),
	}
}

func (m *MemoryStore) Read(_ context.Context, name Name) (Document, error) {
	if !knownName(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocument, name)
	}

	m.mu.RLock()
	raw, ok := m.data[name]
	m.mu.RUnlock()
	if !ok {
		return Document{}, nil
	}

	doc, err := decode(raw)
	if err != nil {
		return Document{}, nil
	}
	return doc, nil
}

func (m *MemoryStore) Write(ctx context.Context, name Name, doc Document, mode Mode) (Document, error) {
	if !knownName(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocument, name)
	}

	result, err := compose(ctx, m, name, doc, mode)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}

	m.mu.Lock()
	m.data[name] = raw
	m.mu.Unlock()

	return result, nil
}

func (m *MemoryStore) Save(ctx context.Context, name Name, doc Document) error {
	_, err := m.Write(ctx, name, doc, ModeReplace)
	return err
}
