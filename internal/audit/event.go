package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"kyc-service/internal/bucketing"
	"kyc-service/internal/models"
	"kyc-service/internal/util"
)

// SessionRef derives a stable reference for a handle. Audit records carry the
// reference so a leaked event cannot be replayed against confirm-otp.
func SessionRef(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:16])
}

// NewEvent builds an audit record for sess. Identifier and phone are masked;
// the OTP and its hash are never copied.
func NewEvent(bm *bucketing.BucketingManager, eventType models.VerificationEventType, sess *models.VerificationSession, success bool, details string, now time.Time) models.VerificationEvent {
	ref := SessionRef(sess.Handle)
	now = now.UTC()
	return models.VerificationEvent{
		EventID:          uuid.NewString(),
		EventBucket:      bm.GetEventBucket(ref),
		EventDate:        bm.GetDateBucket(now),
		EventTime:        now,
		EventType:        eventType,
		SessionRef:       ref,
		DocumentType:     sess.DocumentType,
		MaskedIdentifier: util.MaskTail(sess.Identifier, 4),
		MaskedPhone:      util.MaskTail(sess.Phone, 4),
		Success:          success,
		Attempts:         sess.Attempts,
		Details:          details,
	}
}

func logEvent(ev models.VerificationEvent) {
	util.Info("Verification event",
		util.String("event_id", ev.EventID),
		util.String("event_type", string(ev.EventType)),
		util.String("session_ref", ev.SessionRef),
		util.String("document_type", string(ev.DocumentType)),
		util.String("identifier", ev.MaskedIdentifier),
		util.String("phone", ev.MaskedPhone),
		util.Bool("success", ev.Success),
		util.Int("attempts", ev.Attempts),
		util.String("details", ev.Details))
}
