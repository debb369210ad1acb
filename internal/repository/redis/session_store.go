package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"kyc-service/internal/client"
	"kyc-service/internal/encryption"
	"kyc-service/internal/models"
	"kyc-service/internal/repository"
	"kyc-service/internal/util"
)

const (
	sessionPrefix     = "kyc:session:"
	maxConsumeRetries = 5
	opTimeout         = 5 * time.Second
)

// storedSession is the Redis representation. Identity fields are sealed with
// the encryption manager so a dump of the keyspace yields no PII.
type storedSession struct {
	Handle        string              `json:"handle"`
	DocumentType  models.DocumentType `json:"document_type"`
	Identifier    string              `json:"identifier_enc"`
	Name          string              `json:"name_enc"`
	Phone         string              `json:"phone_enc"`
	OTPHash       string              `json:"otp_hash"`
	OTPSalt       string              `json:"otp_salt"`
	HashAlgorithm string              `json:"hash_algorithm"`
	PepperVersion int                 `json:"pepper_version"`
	Attempts      int                 `json:"attempts"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
}

// SessionStore keeps verification sessions in Redis so every replica sees the
// same state. Transitions use WATCH/MULTI, so a handle is consumed at most once
// even across processes.
type SessionStore struct {
	client *client.RedisClient
	crypto *encryption.EncryptionManager
}

func NewSessionStore(client *client.RedisClient, crypto *encryption.EncryptionManager) *SessionStore {
	return &SessionStore{client: client, crypto: crypto}
}

func sessionKey(handle string) string {
	return sessionPrefix + handle
}

func (s *SessionStore) Create(ctx context.Context, sess *models.VerificationSession, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := s.encode(ctx, sess)
	if err != nil {
		return err
	}

	ok, err := s.client.Client.SetNX(ctx, sessionKey(sess.Handle), payload, ttl).Result()
	if err != nil {
		util.Error("Failed to store verification session", util.ErrorField(err))
		return fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}
	if !ok {
		return repository.ErrSessionExists
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, handle string) (*models.VerificationSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Client.Get(ctx, sessionKey(handle)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, repository.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}
	return s.decode(ctx, raw)
}

func (s *SessionStore) Delete(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Client.Del(ctx, sessionKey(handle)).Err(); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}
	return nil
}

// Consume runs decide inside a WATCH on the session key. When another client
// changes the key first, the transaction is retried against the fresh value;
// decide may therefore run more than once but only one outcome is applied.
func (s *SessionStore) Consume(ctx context.Context, handle string, decide repository.DecideFunc) (*models.VerificationSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := sessionKey(handle)
	for i := 0; i < maxConsumeRetries; i++ {
		var (
			result    *models.VerificationSession
			decideErr error
		)

		err := s.client.Client.Watch(ctx, func(tx *goredis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if errors.Is(err, goredis.Nil) {
				return repository.ErrSessionNotFound
			}
			if err != nil {
				return err
			}

			sess, err := s.decode(ctx, raw)
			if err != nil {
				return err
			}

			outcome, derr := decide(sess)
			result, decideErr = sess, derr

			switch outcome {
			case repository.Update:
				payload, err := s.encode(ctx, sess)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.SetArgs(ctx, key, payload, goredis.SetArgs{KeepTTL: true})
					return nil
				})
				return err
			case repository.Remove:
				_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			default:
				return nil
			}
		}, key)

		switch {
		case errors.Is(err, goredis.TxFailedErr):
			util.Debug("Verification session changed during consume, retrying", util.Int("attempt", i+1))
			continue
		case errors.Is(err, repository.ErrSessionNotFound):
			return nil, err
		case errors.Is(err, encryption.ErrDecryptionFailed), errors.Is(err, encryption.ErrEncryptionFailed):
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
		}
		return result, decideErr
	}
	return nil, repository.ErrConcurrentConsume
}

func (s *SessionStore) Count(ctx context.Context) (int, error) {
	keys, err := s.client.Scan(ctx, sessionPrefix+"*", 500)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}
	return len(keys), nil
}

func (s *SessionStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *SessionStore) encode(ctx context.Context, sess *models.VerificationSession) (string, error) {
	identifier, err := s.crypto.EncryptString(ctx, sess.Identifier)
	if err != nil {
		return "", err
	}
	name, err := s.crypto.EncryptString(ctx, sess.Name)
	if err != nil {
		return "", err
	}
	phone, err := s.crypto.EncryptString(ctx, sess.Phone)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(storedSession{
		Handle:        sess.Handle,
		DocumentType:  sess.DocumentType,
		Identifier:    identifier,
		Name:          name,
		Phone:         phone,
		OTPHash:       sess.OTPHash,
		OTPSalt:       sess.OTPSalt,
		HashAlgorithm: sess.HashAlgorithm,
		PepperVersion: sess.PepperVersion,
		Attempts:      sess.Attempts,
		CreatedAt:     sess.CreatedAt,
		ExpiresAt:     sess.ExpiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	return string(raw), nil
}

func (s *SessionStore) decode(ctx context.Context, raw string) (*models.VerificationSession, error) {
	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	identifier, err := s.crypto.DecryptString(ctx, stored.Identifier)
	if err != nil {
		return nil, err
	}
	name, err := s.crypto.DecryptString(ctx, stored.Name)
	if err != nil {
		return nil, err
	}
	phone, err := s.crypto.DecryptString(ctx, stored.Phone)
	if err != nil {
		return nil, err
	}

	return &models.VerificationSession{
		Handle:        stored.Handle,
		DocumentType:  stored.DocumentType,
		Identifier:    identifier,
		Name:          name,
		Phone:         phone,
		OTPHash:       stored.OTPHash,
		OTPSalt:       stored.OTPSalt,
		HashAlgorithm: stored.HashAlgorithm,
		PepperVersion: stored.PepperVersion,
		Attempts:      stored.Attempts,
		CreatedAt:     stored.CreatedAt,
		ExpiresAt:     stored.ExpiresAt,
	}, nil
}

var _ repository.SessionStore = (*SessionStore)(nil)
