package resend

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/getmockd/lime/pkg/envelope"
)

// Storage keeps pending and dead messages, grouped by channel key.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Add stores m under messageKey, replacing any previous entry.
	Add(ctx context.Context, channelKey, messageKey string, m *envelope.Message, deadline time.Time) error
	// Remove deletes the entry and returns its message, or nil when there
	// was none.
	Remove(ctx context.Context, channelKey, messageKey string) (*envelope.Message, error)
	// GetExpiredKeys returns the keys whose deadline is not after
	// reference, earliest first.
	GetExpiredKeys(ctx context.Context, channelKey string, reference time.Time) ([]string, error)
	// AddDead records a message that will not be re-sent again.
	AddDead(ctx context.Context, channelKey, messageKey string, m *envelope.Message) error
}

type memoryEntry struct {
	message  *envelope.Message
	deadline time.Time
}

// MemoryStorage is an in-process Storage. Messages are copied on the way
// in, so callers may keep modifying the ones they passed.
type MemoryStorage struct {
	mu      sync.Mutex
	pending map[string]map[string]memoryEntry
	dead    map[string]map[string]*envelope.Message
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pending: make(map[string]map[string]memoryEntry),
		dead:    make(map[string]map[string]*envelope.Message),
	}
}

// Add implements Storage.
func (s *MemoryStorage) Add(_ context.Context, channelKey, messageKey string, m *envelope.Message, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.pending[channelKey]
	if !ok {
		entries = make(map[string]memoryEntry)
		s.pending[channelKey] = entries
	}
	entries[messageKey] = memoryEntry{message: m.Clone(), deadline: deadline}
	return nil
}

// Remove implements Storage.
func (s *MemoryStorage) Remove(_ context.Context, channelKey, messageKey string) (*envelope.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.pending[channelKey]
	e, ok := entries[messageKey]
	if !ok {
		return nil, nil
	}
	delete(entries, messageKey)
	if len(entries) == 0 {
		delete(s.pending, channelKey)
	}
	return e.message, nil
}

// GetExpiredKeys implements Storage.
func (s *MemoryStorage) GetExpiredKeys(_ context.Context, channelKey string, reference time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type expired struct {
		key      string
		deadline time.Time
	}
	var found []expired
	for key, e := range s.pending[channelKey] {
		if !e.deadline.After(reference) {
			found = append(found, expired{key: key, deadline: e.deadline})
		}
	}
	slices.SortFunc(found, func(a, b expired) int {
		if c := a.deadline.Compare(b.deadline); c != 0 {
			return c
		}
		if a.key < b.key {
			return -1
		}
		return 1
	})

	keys := make([]string, len(found))
	for i, e := range found {
		keys[i] = e.key
	}
	return keys, nil
}

// AddDead implements Storage.
func (s *MemoryStorage) AddDead(_ context.Context, channelKey, messageKey string, m *envelope.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead, ok := s.dead[channelKey]
	if !ok {
		dead = make(map[string]*envelope.Message)
		s.dead[channelKey] = dead
	}
	dead[messageKey] = m.Clone()
	return nil
}

// Len returns the number of pending messages for channelKey.
func (s *MemoryStorage) Len(channelKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[channelKey])
}

// Dead returns copies of the dead messages recorded for channelKey.
func (s *MemoryStorage) Dead(channelKey string) []*envelope.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*envelope.Message, 0, len(s.dead[channelKey]))
	for _, m := range s.dead[channelKey] {
		out = append(out, m.Clone())
	}
	return out
}
