package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"kyc-service/internal/audit"
	"kyc-service/internal/bucketing"
	"kyc-service/internal/client"
	"kyc-service/internal/config"
	"kyc-service/internal/hashing"
	"kyc-service/internal/models"
	"kyc-service/internal/repository"
	"kyc-service/internal/util"
)

var (
	ErrMissingInput    = errors.New("missing input")
	ErrInvalidSession  = errors.New("invalid session")
	ErrExpired         = errors.New("otp expired")
	ErrInvalidOTP      = errors.New("invalid otp")
	ErrTooManyAttempts = errors.New("too many incorrect attempts")
	ErrDeliveryFailed  = errors.New("otp delivery failed")
	ErrUploadTooLarge  = errors.New("upload too large")
	ErrInternal        = errors.New("internal error")
)

const (
	otpDigits       = 6
	handleBytes     = 16
	maxHandleTries  = 3
	smsSendTimeout  = 15 * time.Second
	smsBodyTemplate = "Your OTP for %s verification is: %s"
)

// IssueRequest is an extracted identity claim waiting for a challenge.
type IssueRequest struct {
	Descriptor models.DocumentDescriptor
	Identifier string
	Name       string
	Phone      string
}

// Challenge is the outcome of issuing an OTP. FallbackOTP is only set when
// delivery failed and fallback disclosure is enabled.
type Challenge struct {
	Handle         string
	ExpiresAt      time.Time
	DeliveryFailed bool
	FallbackOTP    string
}

// VerifiedIdentity is released only after a successful confirmation.
type VerifiedIdentity struct {
	DocumentType models.DocumentType
	Identifier   string
	Name         string
}

// VerificationService owns the session state machine: a session is created
// pending, and Confirm moves it to consumed, expired or exhausted exactly once.
type VerificationService struct {
	store     repository.SessionStore
	hasher    *hashing.Hasher
	sms       client.SMSSender
	audit     *audit.Dispatcher
	buckets   *bucketing.BucketingManager
	otp       config.OTPConfig
	retention time.Duration
	now       func() time.Time
}

type VerificationOption func(*VerificationService)

func WithClock(now func() time.Time) VerificationOption {
	return func(s *VerificationService) { s.now = now }
}

func NewVerificationService(
	store repository.SessionStore,
	hasher *hashing.Hasher,
	sms client.SMSSender,
	dispatcher *audit.Dispatcher,
	buckets *bucketing.BucketingManager,
	otp config.OTPConfig,
	retention time.Duration,
	opts ...VerificationOption,
) *VerificationService {
	s := &VerificationService{
		store:     store,
		hasher:    hasher,
		sms:       sms,
		audit:     dispatcher,
		buckets:   buckets,
		otp:       otp,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueChallenge stores a new pending session and tries to text the code.
// The session exists before delivery is attempted, so a slow SMS provider
// never loses a code the user has already received.
func (s *VerificationService) IssueChallenge(ctx context.Context, req IssueRequest) (*Challenge, error) {
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: phone number is required", ErrMissingInput)
	}
	if normalized := util.NormalizePhone(phone); normalized != "" {
		phone = normalized
	}

	code, err := generateOTP()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	now := s.now()
	sess := &models.VerificationSession{
		DocumentType:  req.Descriptor.Type,
		Identifier:    req.Identifier,
		Name:          req.Name,
		Phone:         phone,
		OTPHash:       hashed.Hash,
		OTPSalt:       hashed.Salt,
		HashAlgorithm: hashed.Algorithm,
		PepperVersion: hashed.PepperVersion,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.otp.Validity),
	}

	if err := s.createSession(ctx, sess); err != nil {
		return nil, err
	}

	challenge := &Challenge{Handle: sess.Handle, ExpiresAt: sess.ExpiresAt}
	s.emit(ctx, models.EventChallengeIssued, sess, true, "")

	if err := s.deliver(ctx, phone, fmt.Sprintf(smsBodyTemplate, req.Descriptor.Label, code)); err != nil {
		challenge.DeliveryFailed = true
		if s.otp.FallbackDisclosure {
			challenge.FallbackOTP = code
		}
		util.Warn("OTP delivery failed",
			util.String("document_type", string(sess.DocumentType)),
			util.Phone("phone", phone),
			util.Bool("fallback_disclosed", s.otp.FallbackDisclosure),
			util.ErrorField(err))
		s.emit(ctx, models.EventDeliveryFailed, sess, false, err.Error())
	}

	util.Info("Verification challenge issued",
		util.String("document_type", string(sess.DocumentType)),
		util.String("session_ref", audit.SessionRef(sess.Handle)),
		util.Time("expires_at", sess.ExpiresAt))

	return challenge, nil
}

func (s *VerificationService) createSession(ctx context.Context, sess *models.VerificationSession) error {
	ttl := s.otp.Validity + s.retention
	for i := 0; i < maxHandleTries; i++ {
		handle, err := newHandle()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
		sess.Handle = handle

		err = s.store.Create(ctx, sess, ttl)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrSessionExists) {
			util.Error("Failed to create verification session", util.ErrorField(err))
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	return fmt.Errorf("%w: could not allocate a unique session handle", ErrInternal)
}

func (s *VerificationService) deliver(ctx context.Context, phone, body string) error {
	ctx, cancel := context.WithTimeout(ctx, smsSendTimeout)
	defer cancel()
	if err := s.sms.Send(ctx, phone, body); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Confirm checks otp against the session behind handle. Checks run in a fixed
// order under the store's per-handle serialization: unknown or foreign handle,
// expiry, code mismatch. Every outcome except a foreign handle or a retained
// mismatch removes the session.
func (s *VerificationService) Confirm(ctx context.Context, docType models.DocumentType, handle, otp string) (*VerifiedIdentity, error) {
	handle = strings.TrimSpace(handle)
	otp = strings.TrimSpace(otp)
	if handle == "" || otp == "" {
		return nil, fmt.Errorf("%w: sessionId and otp are required", ErrMissingInput)
	}

	sess, err := s.store.Consume(ctx, handle, func(sess *models.VerificationSession) (repository.Outcome, error) {
		if sess.DocumentType != docType {
			return repository.Keep, ErrInvalidSession
		}
		if sess.ExpiredAt(s.now()) {
			return repository.Remove, ErrExpired
		}

		ok, err := s.hasher.VerifyOTP(otp, &hashing.HashResult{
			Hash:          sess.OTPHash,
			Salt:          sess.OTPSalt,
			PepperVersion: sess.PepperVersion,
			Algorithm:     sess.HashAlgorithm,
		})
		if err != nil {
			return repository.Keep, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if !ok {
			sess.Attempts++
			if s.otp.MaxAttempts > 0 && sess.Attempts >= s.otp.MaxAttempts {
				return repository.Remove, ErrTooManyAttempts
			}
			return repository.Update, ErrInvalidOTP
		}
		return repository.Remove, nil
	})

	switch {
	case err == nil:
		s.emit(ctx, models.EventConfirmed, sess, true, "")
		util.Info("Verification confirmed",
			util.String("document_type", string(docType)),
			util.String("session_ref", audit.SessionRef(handle)))
		return &VerifiedIdentity{DocumentType: sess.DocumentType, Identifier: sess.Identifier, Name: sess.Name}, nil
	case errors.Is(err, repository.ErrSessionNotFound), errors.Is(err, ErrInvalidSession):
		return nil, ErrInvalidSession
	case errors.Is(err, ErrExpired):
		s.emit(ctx, models.EventExpired, sess, false, "")
		return nil, ErrExpired
	case errors.Is(err, ErrInvalidOTP):
		s.emit(ctx, models.EventOTPMismatch, sess, false, "")
		return nil, ErrInvalidOTP
	case errors.Is(err, ErrTooManyAttempts):
		s.emit(ctx, models.EventAttemptsExhausted, sess, false, "")
		return nil, ErrTooManyAttempts
	case errors.Is(err, ErrInternal):
		util.Error("OTP verification failed", util.ErrorField(err))
		return nil, err
	default:
		util.Error("Session store failure during confirmation", util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
}

// Pending reports how many sessions the store currently holds.
func (s *VerificationService) Pending(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func (s *VerificationService) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

func (s *VerificationService) emit(ctx context.Context, eventType models.VerificationEventType, sess *models.VerificationSession, success bool, details string) {
	if s.audit == nil || sess == nil {
		return
	}
	s.audit.Emit(ctx, audit.NewEvent(s.buckets, eventType, sess, success, details, s.now()))
}

// generateOTP returns a uniformly random six digit code in [100000, 999999].
func generateOTP() (string, error) {
	span := big.NewInt(900000)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()+100000), nil
}

func newHandle() (string, error) {
	b := make([]byte, handleBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session handle: %w", err)
	}
	return hex.EncodeToString(b), nil
}
