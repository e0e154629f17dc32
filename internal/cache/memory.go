package cache

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
)

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// memoryStore keeps snapshots for the life of the process.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func newMemoryStore(ttl time.Duration, now func() time.Time) *memoryStore {
	return &memoryStore{entries: make(map[string]memoryEntry), ttl: ttl, now: now}
}

// Load implements Store.
func (s *memoryStore) Load(ctx context.Context, businessID, userID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key(businessID, userID)]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	out := e.snap
	out.Conversations = append([]conversation.Conversation(nil), e.snap.Conversations...)
	return &out, nil
}

// Save implements Store.
func (s *memoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.BusinessID == "" || snap.UserID == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap.SavedAt = now
	stored := *snap
	stored.Conversations = append([]conversation.Conversation(nil), snap.Conversations...)
	s.entries[key(snap.BusinessID, snap.UserID)] = memoryEntry{snap: stored, expiresAt: now.Add(s.ttl)}
	return nil
}

// Delete implements Store.
func (s *memoryStore) Delete(ctx context.Context, businessID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key(businessID, userID))
	return nil
}

// Close implements Store.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]memoryEntry)
	return nil
}
