package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kyc-service/internal/bucketing"
	"kyc-service/internal/config"
	"kyc-service/internal/models"
	"kyc-service/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*SessionStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	bm := bucketing.NewBucketingManager(config.BucketingConfig{UserBuckets: 4, EventBuckets: 4})
	return NewSessionStore(bm, WithClock(clock.Now)), clock
}

func testSession(handle string) *models.VerificationSession {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return &models.VerificationSession{
		Handle:       handle,
		DocumentType: models.DocumentAadhaar,
		Identifier:   "1234 5678 9012",
		Name:         "JOHN DOE",
		Phone:        "+919999999999",
		OTPHash:      "hash",
		CreatedAt:    now,
		ExpiresAt:    now.Add(5 * time.Minute),
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.Create(ctx, testSession("h1"), 10*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, err := store.Get(ctx, "h1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Identifier != "1234 5678 9012" {
		t.Fatalf("unexpected identifier %q", got.Identifier)
	}

	got.Name = "MUTATED"
	again, _ := store.Get(ctx, "h1")
	if again.Name != "JOHN DOE" {
		t.Fatalf("Get must return a copy")
	}

	if err := store.Create(ctx, testSession("h1"), time.Minute); !errors.Is(err, repository.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestGetUnknownHandle(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConsumeOutcomes(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_ = store.Create(ctx, testSession("h1"), 10*time.Minute)

	// Keep leaves the stored copy alone even if decide mutates its argument.
	_, _ = store.Consume(ctx, "h1", func(s *models.VerificationSession) (repository.Outcome, error) {
		s.Attempts = 99
		return repository.Keep, nil
	})
	got, _ := store.Get(ctx, "h1")
	if got.Attempts != 0 {
		t.Fatalf("Keep must not persist mutation, attempts=%d", got.Attempts)
	}

	wantErr := errors.New("mismatch")
	_, err := store.Consume(ctx, "h1", func(s *models.VerificationSession) (repository.Outcome, error) {
		s.Attempts++
		return repository.Update, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("decide error should be returned, got %v", err)
	}
	got, _ = store.Get(ctx, "h1")
	if got.Attempts != 1 {
		t.Fatalf("Update should persist attempts, got %d", got.Attempts)
	}

	sess, err := store.Consume(ctx, "h1", func(s *models.VerificationSession) (repository.Outcome, error) {
		return repository.Remove, nil
	})
	if err != nil || sess == nil || sess.Handle != "h1" {
		t.Fatalf("Remove should return the consumed session, got %v %v", sess, err)
	}
	if _, err := store.Get(ctx, "h1"); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("removed session still visible: %v", err)
	}
	if _, err := store.Consume(ctx, "h1", func(*models.VerificationSession) (repository.Outcome, error) {
		t.Fatalf("decide must not run for a removed session")
		return repository.Keep, nil
	}); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConcurrentConsumeHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_ = store.Create(ctx, testSession("race"), 10*time.Minute)

	var winners int32
	var notFound int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, "race", func(*models.VerificationSession) (repository.Outcome, error) {
				atomic.AddInt32(&winners, 1)
				return repository.Remove, nil
			})
			if errors.Is(err, repository.ErrSessionNotFound) {
				atomic.AddInt32(&notFound, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if notFound != 31 {
		t.Fatalf("expected 31 losers to see not found, got %d", notFound)
	}
}

func TestPurgeDeadlineAndSweep(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	_ = store.Create(ctx, testSession("old"), 2*time.Minute)
	_ = store.Create(ctx, testSession("new"), 20*time.Minute)

	clock.Advance(3 * time.Minute)

	if _, err := store.Get(ctx, "old"); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("purged session should not be returned, got %v", err)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Fatalf("expected 1 live session, got %d", n)
	}
	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("expected sweep to remove 1, got %d", removed)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Fatalf("fresh session swept: %v", err)
	}

	// A purged handle may be created again.
	if err := store.Create(ctx, testSession("old"), time.Minute); err != nil {
		t.Fatalf("re-create after purge failed: %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_ = store.Create(ctx, testSession("h1"), time.Minute)

	if err := store.Delete(ctx, "h1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "h1"); err != nil {
		t.Fatalf("Delete of missing handle should be a no-op: %v", err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}
