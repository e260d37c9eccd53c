package store

import (
	"context"
	"sort"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

var _ Store = (*memoryStore)(nil)

type memberSet map[string]struct{}

// memoryStore keeps sets in process. Sets are immutable once stored so Replace is a
// single item swap.
type memoryStore struct {
	// Do not embed or use type directly to reduce the store's API surface
	c    *cache.Cache
	lock sync.Mutex
}

// NewMemory returns an in process store, suitable for a single translator.
func NewMemory() Store {
	return &memoryStore{
		// every item carries its own expiration
		c: cache.New(cache.NoExpiration, time.Minute),
	}
}

func (s *memoryStore) Replace(_ context.Context, key string, members []string, ttl time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ttl <= 0 {
		s.c.Delete(key)
		return nil
	}
	set := make(memberSet, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	s.c.Set(key, set, ttl)
	return nil
}

func (s *memoryStore) get(key string) memberSet {
	v, found := s.c.Get(key)
	if !found {
		return nil
	}
	return v.(memberSet)
}

func (s *memoryStore) IsMember(_ context.Context, key string, member string) (bool, error) {
	_, ok := s.get(key)[member]
	return ok, nil
}

func (s *memoryStore) Members(_ context.Context, key string) ([]string, error) {
	set := s.get(key)
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *memoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	_, expiration, found := s.c.GetWithExpiration(key)
	if !found {
		return -2, nil
	}
	if expiration.IsZero() {
		return -1, nil
	}
	return time.Until(expiration), nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ttl <= 0 {
		s.c.Delete(key)
		return nil
	}
	if set := s.get(key); set != nil {
		s.c.Set(key, set, ttl)
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.c.Flush()
	return nil
}
