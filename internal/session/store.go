package session

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Store keeps sessions in memory. Idle sessions expire after the TTL; every
// Get refreshes it.
type Store struct {
	cache *cache.Cache
	Now   func() time.Time
}

func NewStore(ttl, cleanupInterval time.Duration) *Store {
	return &Store{cache: cache.New(ttl, cleanupInterval)}
}

// Create registers a fresh idle session.
func (s *Store) Create() *Session {
	sess := New("", s.Now)
	s.cache.Set(sess.ID(), sess, cache.DefaultExpiration)
	return sess
}

func (s *Store) Get(id string) (*Session, error) {
	x, found := s.cache.Get(id)
	if !found {
		return nil, ErrNotFound
	}
	sess := x.(*Session)
	s.cache.Set(id, sess, cache.DefaultExpiration)
	return sess, nil
}

// Reset replaces the session wholly, keeping its id. A session with a run in
// flight cannot be reset; the replaced one is retired so callers still
// holding it cannot start a run on it.
func (s *Store) Reset(id string) (*Session, error) {
	old, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := old.Retire(); err != nil {
		return nil, err
	}
	sess := New(id, s.Now)
	s.cache.Set(id, sess, cache.DefaultExpiration)
	return sess, nil
}

func (s *Store) Delete(id string) error {
	if _, found := s.cache.Get(id); !found {
		return ErrNotFound
	}
	s.cache.Delete(id)
	return nil
}

func (s *Store) Count() int {
	return s.cache.ItemCount()
}
