package instance

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. State is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key.String()]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(entry), true, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix Key) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p := prefix.Prefix()
	var encoded []string
	for k := range s.entries {
		if strings.HasPrefix(k, p) {
			encoded = append(encoded, k)
		}
	}
	sort.Strings(encoded)

	out := make([]Entry, 0, len(encoded))
	for _, k := range encoded {
		out = append(out, copyEntry(s.entries[k]))
	}
	return out, nil
}

func (s *MemoryStore) Commit(ctx context.Context, mutations ...Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range mutations {
		if m.ExpectVersion == nil {
			continue
		}
		current := s.entries[m.Key.String()].Version
		if current != *m.ExpectVersion {
			return ErrVersionMismatch
		}
	}

	for _, m := range mutations {
		k := m.Key.String()
		switch m.Op {
		case OpSet:
			value := make([]byte, len(m.Value))
			copy(value, m.Value)
			s.entries[k] = Entry{Key: m.Key, Value: value, Version: s.entries[k].Version + 1}
		case OpDelete:
			delete(s.entries, k)
		case OpCheck:
		}
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyEntry(e Entry) Entry {
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	key := make(Key, len(e.Key))
	copy(key, e.Key)
	return Entry{Key: key, Value: value, Version: e.Version}
}
