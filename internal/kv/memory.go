package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryStore is a single-process Store used when no Redis address is configured
// and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	sets    map[string]memorySet
	clock   func() time.Time
}

// NewMemoryStore constructs an empty store. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		sets:    make(map[string]memorySet),
		clock:   clock,
	}
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if _, ok := s.liveLocked(key, now); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key, s.clock())
	return entry.value, ok, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	entry, ok := s.liveLocked(key, now)
	if !ok {
		return false, nil
	}
	entry.expiresAt = now.Add(ttl)
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key, s.clock())
	if !ok || entry.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, mutate Mutator) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	entry, exists := s.liveLocked(key, now)
	next, write := mutate(entry.value, exists)
	if !write {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: next, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	set, ok := s.liveSetLocked(key, now)
	if !ok {
		set = memorySet{members: make(map[string]struct{})}
	}
	set.members[member] = struct{}{}
	set.expiresAt = now.Add(ttl)
	s.sets[key] = set
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.liveSetLocked(key, s.clock())
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set.members, member)
	}
	if len(set.members) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.liveSetLocked(key, s.clock())
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for member := range set.members {
		members = append(members, member)
	}
	return members, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// liveLocked returns the entry for key, evicting it when expired. Callers hold s.mu.
func (s *MemoryStore) liveLocked(key string, now time.Time) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !now.Before(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) liveSetLocked(key string, now time.Time) (memorySet, bool) {
	set, ok := s.sets[key]
	if !ok {
		return memorySet{}, false
	}
	if !now.Before(set.expiresAt) {
		delete(s.sets, key)
		return memorySet{}, false
	}
	return set, true
}
