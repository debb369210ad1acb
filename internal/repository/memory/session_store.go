// Package memory is the in-process session store. Sessions are spread over
// shards picked by a murmur3 hash of the handle, and every session carries its
// own lock so a slow decision on one handle never blocks another.
package memory

import (
	"context"
	"sync"
	"time"

	"kyc-service/internal/bucketing"
	"kyc-service/internal/models"
	"kyc-service/internal/repository"
	"kyc-service/internal/util"
)

type entry struct {
	mu      sync.Mutex
	sess    *models.VerificationSession
	purgeAt time.Time
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type SessionStore struct {
	shards  []*shard
	buckets *bucketing.BucketingManager
	now     func() time.Time
}

type Option func(*SessionStore)

// WithClock overrides time.Now; purge deadlines are evaluated against it.
func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) { s.now = now }
}

func NewSessionStore(buckets *bucketing.BucketingManager, opts ...Option) *SessionStore {
	s := &SessionStore{
		buckets: buckets,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.shards = make([]*shard, buckets.SessionBuckets())
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *SessionStore) shardFor(handle string) *shard {
	return s.shards[s.buckets.GetSessionBucket(handle)]
}

// Create stores sess until ttl elapses. ttl should cover the validity window
// plus however long an expired session must remain observable.
func (s *SessionStore) Create(ctx context.Context, sess *models.VerificationSession, ttl time.Duration) error {
	sh := s.shardFor(sess.Handle)
	e := &entry{sess: sess.Clone(), purgeAt: s.now().Add(ttl)}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.entries[sess.Handle]; ok && s.live(existing) {
		return repository.ErrSessionExists
	}
	sh.entries[sess.Handle] = e
	return nil
}

func (s *SessionStore) Get(ctx context.Context, handle string) (*models.VerificationSession, error) {
	e := s.lookup(handle)
	if e == nil {
		return nil, repository.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || s.purged(e) {
		return nil, repository.ErrSessionNotFound
	}
	return e.sess.Clone(), nil
}

func (s *SessionStore) Delete(ctx context.Context, handle string) error {
	e := s.lookup(handle)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.remove(handle, e)
	return nil
}

func (s *SessionStore) Consume(ctx context.Context, handle string, decide repository.DecideFunc) (*models.VerificationSession, error) {
	e := s.lookup(handle)
	if e == nil {
		return nil, repository.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return nil, repository.ErrSessionNotFound
	}
	if s.purged(e) {
		s.remove(handle, e)
		return nil, repository.ErrSessionNotFound
	}

	working := e.sess.Clone()
	outcome, err := decide(working)
	switch outcome {
	case repository.Update:
		e.sess = working.Clone()
	case repository.Remove:
		s.remove(handle, e)
	}
	return working, err
}

func (s *SessionStore) Count(ctx context.Context) (int, error) {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if !s.purged(e) {
				total++
			}
		}
		sh.mu.RUnlock()
	}
	return total, nil
}

func (s *SessionStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Sweep drops sessions whose purge deadline has passed and reports how many went.
func (s *SessionStore) Sweep() int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for handle, e := range sh.entries {
			if s.purged(e) {
				delete(sh.entries, handle)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *SessionStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					util.Debug("Swept expired verification sessions", util.Int("removed", n))
				}
			}
		}
	}()
}

func (s *SessionStore) lookup(handle string) *entry {
	sh := s.shardFor(handle)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[handle]
}

// remove must be called with e.mu held.
func (s *SessionStore) remove(handle string, e *entry) {
	e.removed = true
	sh := s.shardFor(handle)
	sh.mu.Lock()
	if sh.entries[handle] == e {
		delete(sh.entries, handle)
	}
	sh.mu.Unlock()
}

func (s *SessionStore) purged(e *entry) bool {
	return s.now().After(e.purgeAt)
}

// live is called with the shard lock held; removed entries are already gone from the map.
func (s *SessionStore) live(e *entry) bool {
	return !s.purged(e)
}

var _ repository.SessionStore = (*SessionStore)(nil)
