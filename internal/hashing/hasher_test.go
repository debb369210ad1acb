package hashing

import (
	"errors"
	"testing"

	"kyc-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
}

func TestHashAndVerifyOTP(t *testing.T) {
	h := testHasher()

	result, err := h.HashOTP("123456")
	if err != nil {
		t.Fatalf("HashOTP failed: %v", err)
	}
	if result.Hash == "" || result.Salt == "" {
		t.Fatalf("empty hash result %+v", result)
	}

	ok, err := h.VerifyOTP("123456", result)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}

	ok, err = h.VerifyOTP("123457", result)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestSameCodeHashesDiffer(t *testing.T) {
	h := testHasher()
	a, _ := h.HashOTP("000000")
	b, _ := h.HashOTP("000000")
	if a.Hash == b.Hash {
		t.Fatalf("salted hashes should differ")
	}
}

func TestVerifyAfterRotationUsesOldPepper(t *testing.T) {
	h := testHasher()
	result, _ := h.HashOTP("654321")

	h.rotatePepper()

	ok, err := h.VerifyOTP("654321", result)
	if err != nil || !ok {
		t.Fatalf("old pepper should still verify, ok=%v err=%v", ok, err)
	}

	h.rotatePepper()
	h.rotatePepper()
	if _, err := h.VerifyOTP("654321", result); !errors.Is(err, ErrPepperNotFound) {
		t.Fatalf("expected ErrPepperNotFound after pepper aged out, got %v", err)
	}
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	h := testHasher()
	if _, err := h.VerifyOTP("1", nil); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	bad := &HashResult{Hash: "!!", Salt: "AA", PepperVersion: 1, Algorithm: algorithmArgon2ID}
	if _, err := h.VerifyOTP("1", bad); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	if _, err := h.VerifyOTP("1", &HashResult{Algorithm: "md5"}); !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion, got %v", err)
	}
}
