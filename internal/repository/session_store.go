package repository

import (
	"context"
	"errors"
	"time"

	"kyc-service/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("verification session not found")
	ErrSessionExists     = errors.New("verification session already exists")
	ErrStoreUnavailable  = errors.New("session store unavailable")
	ErrConcurrentConsume = errors.New("verification session modified concurrently")
)

// Outcome tells Consume what to do with the session after a decision.
type Outcome int

const (
	// Keep leaves the stored session untouched.
	Keep Outcome = iota
	// Update writes back the mutated session (same expiry).
	Update
	// Remove deletes the session; later lookups see ErrSessionNotFound.
	Remove
)

// DecideFunc inspects (and may mutate) a session under the store's per-handle
// serialization. Its error is returned from Consume after the outcome is applied.
type DecideFunc func(sess *models.VerificationSession) (Outcome, error)

// SessionStore holds pending verification sessions keyed by handle.
//
// Consume is the only way to transition a session: two concurrent Consume
// calls on one handle are serialized, and the loser observes the winner's outcome.
type SessionStore interface {
	Create(ctx context.Context, sess *models.VerificationSession, ttl time.Duration) error
	Get(ctx context.Context, handle string) (*models.VerificationSession, error)
	Delete(ctx context.Context, handle string) error
	Consume(ctx context.Context, handle string, decide DecideFunc) (*models.VerificationSession, error)
	Count(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}
