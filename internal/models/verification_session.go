package models

import "time"

// VerificationSession binds an extracted identity claim to a pending OTP challenge.
// Only the argon2 hash of the code is kept; the plain code never reaches a store.
type VerificationSession struct {
	Handle        string       `json:"handle"`
	DocumentType  DocumentType `json:"document_type"`
	Identifier    string       `json:"identifier"`
	Name          string       `json:"name"`
	Phone         string       `json:"phone"`
	OTPHash       string       `json:"otp_hash"`
	OTPSalt       string       `json:"otp_salt"`
	HashAlgorithm string       `json:"hash_algorithm"`
	PepperVersion int          `json:"pepper_version"`
	Attempts      int          `json:"attempts"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

func (s *VerificationSession) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *VerificationSession) Clone() *VerificationSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
