package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kyc-service/internal/audit"
	"kyc-service/internal/bucketing"
	"kyc-service/internal/config"
	"kyc-service/internal/hashing"
	"kyc-service/internal/models"
	"kyc-service/internal/repository/memory"
)

var codePattern = regexp.MustCompile(`\d{6}$`)

type fakeSMS struct {
	mu     sync.Mutex
	bodies []string
	to     []string
	err    error
}

func (f *fakeSMS) Send(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to)
	f.bodies = append(f.bodies, body)
	return f.err
}

func (f *fakeSMS) lastCode(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		t.Fatalf("no SMS was sent")
	}
	code := codePattern.FindString(f.bodies[len(f.bodies)-1])
	if code == "" {
		t.Fatalf("no code in body %q", f.bodies[len(f.bodies)-1])
	}
	return code
}

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

type eventSink struct {
	mu     sync.Mutex
	events []models.VerificationEvent
}

func (s *eventSink) Name() string { return "test" }

func (s *eventSink) Write(ctx context.Context, events []models.VerificationEvent) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

type verificationFixture struct {
	svc   *VerificationService
	store *memory.SessionStore
	sms   *fakeSMS
	clock *fakeClock
	audit *audit.Dispatcher
	sink  *eventSink
}

func newVerificationFixture(t *testing.T, otp config.OTPConfig) *verificationFixture {
	t.Helper()
	if otp.Validity == 0 {
		otp.Validity = 5 * time.Minute
	}
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	bm := bucketing.NewBucketingManager(config.BucketingConfig{UserBuckets: 8, EventBuckets: 4})
	store := memory.NewSessionStore(bm, memory.WithClock(clock.Now))
	hasher := hashing.NewHasher(config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1})
	sink := &eventSink{}
	dispatcher := audit.NewDispatcher(config.AuditConfig{Enabled: true, BufferSize: 64, BatchSize: 64, FlushInterval: time.Hour}, sink)
	sms := &fakeSMS{}

	svc := NewVerificationService(store, hasher, sms, dispatcher, bm, otp, 10*time.Minute, WithClock(clock.Now))
	t.Cleanup(dispatcher.Close)
	return &verificationFixture{svc: svc, store: store, sms: sms, clock: clock, audit: dispatcher, sink: sink}
}

func aadhaarRequest() IssueRequest {
	d, _ := models.LookupDescriptor(models.DocumentAadhaar)
	return IssueRequest{Descriptor: d, Identifier: "1234 5678 9012", Name: "JOHN DOE", Phone: " +91 99999-99999 "}
}

func TestIssueChallengeSendsCodeAndStoresHash(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()

	ch, err := f.svc.IssueChallenge(ctx, aadhaarRequest())
	if err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	if len(ch.Handle) != 32 || ch.DeliveryFailed || ch.FallbackOTP != "" {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if f.sms.to[0] != "+919999999999" {
		t.Fatalf("phone not normalized: %q", f.sms.to[0])
	}
	if want := "Your OTP for Aadhaar verification is: "; f.sms.bodies[0][:len(want)] != want {
		t.Fatalf("unexpected body %q", f.sms.bodies[0])
	}

	sess, err := f.store.Get(ctx, ch.Handle)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	code := f.sms.lastCode(t)
	if sess.OTPHash == "" || sess.OTPHash == code {
		t.Fatalf("otp must be stored hashed")
	}
	if !sess.ExpiresAt.Equal(f.clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", sess.ExpiresAt)
	}
}

func TestIssueChallengeRequiresPhone(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	req := aadhaarRequest()
	req.Phone = "   "
	if _, err := f.svc.IssueChallenge(context.Background(), req); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if n, _ := f.store.Count(context.Background()); n != 0 {
		t.Fatalf("no session should be created")
	}
}

func TestConfirmSucceedsExactlyOnce(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)

	identity, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if identity.Identifier != "1234 5678 9012" || identity.Name != "JOHN DOE" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("second confirm should be ErrInvalidSession, got %v", err)
	}
}

func TestConfirmUnknownHandle(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	if _, err := f.svc.Confirm(context.Background(), models.DocumentPAN, "never-issued", "123456"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestConfirmMissingInput(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	if _, err := f.svc.Confirm(context.Background(), models.DocumentPAN, "", "123456"); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
}

func TestConfirmAfterExpiryDeletesSession(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)

	f.clock.Advance(5*time.Minute + time.Second)

	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired even with the right code, got %v", err)
	}
	if _, err := f.store.Get(ctx, ch.Handle); err == nil {
		t.Fatalf("expired session should be deleted")
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession after expiry removal, got %v", err)
	}
}

func TestConfirmAtExactExpiryStillValid(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)

	f.clock.Advance(5 * time.Minute)
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); err != nil {
		t.Fatalf("confirm at expiresAt should succeed, got %v", err)
	}
}

func TestWrongOTPRetainsSession(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, wrong); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected ErrInvalidOTP, got %v", err)
	}
	sess, err := f.store.Get(ctx, ch.Handle)
	if err != nil || sess.Attempts != 1 {
		t.Fatalf("session should be retained with one attempt: %+v %v", sess, err)
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); err != nil {
		t.Fatalf("correct code after a miss should succeed: %v", err)
	}
}

func TestAttemptLimitRemovesSession(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{MaxAttempts: 3})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, wrong); !errors.Is(err, ErrInvalidOTP) {
			t.Fatalf("attempt %d: expected ErrInvalidOTP, got %v", i+1, err)
		}
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, wrong); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("exhausted session must be gone, got %v", err)
	}
}

func TestUnlimitedAttemptsWhenZero(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{MaxAttempts: 0})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 10; i++ {
		if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, wrong); !errors.Is(err, ErrInvalidOTP) {
			t.Fatalf("attempt %d: expected ErrInvalidOTP, got %v", i+1, err)
		}
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestForeignDocumentTypeDoesNotConsume(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)

	if _, err := f.svc.Confirm(ctx, models.DocumentPAN, ch.Handle, code); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for a PAN route, got %v", err)
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code); err != nil {
		t.Fatalf("session should survive a foreign-type attempt: %v", err)
	}
}

func TestDeliveryFailureDisclosesFallback(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{FallbackDisclosure: true})
	f.sms.err = errors.New("provider down")
	ctx := context.Background()

	ch, err := f.svc.IssueChallenge(ctx, aadhaarRequest())
	if err != nil {
		t.Fatalf("delivery failure must not abort issuance: %v", err)
	}
	if !ch.DeliveryFailed || ch.FallbackOTP != f.sms.lastCode(t) {
		t.Fatalf("expected fallback code, got %+v", ch)
	}
	if _, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, ch.FallbackOTP); err != nil {
		t.Fatalf("fallback code should confirm: %v", err)
	}
}

func TestDeliveryFailureWithoutDisclosure(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{FallbackDisclosure: false})
	f.sms.err = errors.New("provider down")

	ch, err := f.svc.IssueChallenge(context.Background(), aadhaarRequest())
	if err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	if !ch.DeliveryFailed || ch.FallbackOTP != "" {
		t.Fatalf("code must not be disclosed, got %+v", ch)
	}
}

func TestConcurrentConfirmSingleSuccess(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)

	var ok, invalid int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInvalidSession):
				atomic.AddInt32(&invalid, 1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || invalid != 15 {
		t.Fatalf("expected 1 success and 15 invalid, got %d and %d", ok, invalid)
	}
}

func TestHandlesAreUnique(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ch, err := f.svc.IssueChallenge(context.Background(), aadhaarRequest())
		if err != nil {
			t.Fatalf("IssueChallenge failed: %v", err)
		}
		if seen[ch.Handle] {
			t.Fatalf("duplicate handle %s", ch.Handle)
		}
		seen[ch.Handle] = true
	}
}

func TestGenerateOTPRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := generateOTP()
		if err != nil {
			t.Fatalf("generateOTP failed: %v", err)
		}
		if !regexp.MustCompile(`^[1-9]\d{5}$`).MatchString(code) {
			t.Fatalf("code %q outside [100000, 999999]", code)
		}
	}
}

func TestAuditEventsNeverCarryOTP(t *testing.T) {
	f := newVerificationFixture(t, config.OTPConfig{})
	ctx := context.Background()
	ch, _ := f.svc.IssueChallenge(ctx, aadhaarRequest())
	code := f.sms.lastCode(t)
	_, _ = f.svc.Confirm(ctx, models.DocumentAadhaar, ch.Handle, code)
	f.audit.Close()

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.events) != 2 {
		t.Fatalf("expected issued and confirmed events, got %d", len(f.sink.events))
	}
	for _, ev := range f.sink.events {
		if ev.Details == code || ev.SessionRef == ch.Handle {
			t.Fatalf("event leaks secrets: %+v", ev)
		}
	}
	if f.sink.events[1].EventType != models.EventConfirmed {
		t.Fatalf("unexpected event order %+v", f.sink.events)
	}
}
