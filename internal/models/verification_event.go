package models

import "time"

type VerificationEventType string

const (
	EventChallengeIssued   VerificationEventType = "verification.issued"
	EventConfirmed         VerificationEventType = "verification.confirmed"
	EventExpired           VerificationEventType = "verification.expired"
	EventOTPMismatch       VerificationEventType = "verification.otp_mismatch"
	EventAttemptsExhausted VerificationEventType = "verification.attempts_exhausted"
	EventDeliveryFailed    VerificationEventType = "verification.delivery_failed"
)

// VerificationEvent is the audit record written to every sink.
// It never carries the OTP; identifier and phone are masked before they get here.
type VerificationEvent struct {
	EventID          string                `json:"event_id" db:"event_id"`
	EventBucket      int                   `json:"event_bucket" db:"event_bucket"`
	EventDate        string                `json:"event_date" db:"event_date"`
	EventTime        time.Time             `json:"event_time" db:"event_time"`
	EventType        VerificationEventType `json:"event_type" db:"event_type"`
	SessionRef       string                `json:"session_ref" db:"session_ref"`
	DocumentType     DocumentType          `json:"document_type" db:"document_type"`
	MaskedIdentifier string                `json:"masked_identifier,omitempty" db:"masked_identifier"`
	MaskedPhone      string                `json:"masked_phone,omitempty" db:"masked_phone"`
	Success          bool                  `json:"success" db:"success"`
	Attempts         int                   `json:"attempts" db:"attempts"`
	Details          string                `json:"details,omitempty" db:"details"`
}
