package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodePasswordResetPayload(t *testing.T) {
	in := PasswordResetEmailPayload{
		UserID:      "3f9b9a60-0a62-4cfb-9e7b-1a2b3c4d5e6f",
		Email:       "shopper@example.com",
		ResetURL:    "http://localhost:8080/password/new/abc123",
		DedupeKey:   "digest-abc",
		RequestedAt: time.Now().UTC().Truncate(time.Second),
	}

	raw, err := EncodePayload(JobSendPasswordResetEmail, in)
	if err != nil {
		t.Fatalf("EncodePayload returned error: %v", err)
	}

	out, err := DecodePayload(JobSendPasswordResetEmail, raw)
	if err != nil {
		t.Fatalf("DecodePayload returned error: %v", err)
	}

	got, ok := out.(PasswordResetEmailPayload)
	if !ok {
		t.Fatalf("decoded payload has type %T", out)
	}

	if got.Email != in.Email || got.ResetURL != in.ResetURL || got.DedupeKey != in.DedupeKey {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, in)
	}
}

func TestEncodePayloadRejectsMismatchedType(t *testing.T) {
	_, err := EncodePayload(JobSendPasswordResetEmail, WelcomeEmailPayload{
		UserID: "u1",
		Email:  "shopper@example.com",
	})

	if !errors.Is(err, ErrPayloadTypeMismatch) {
		t.Fatalf("got %v, want ErrPayloadTypeMismatch", err)
	}
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	_, err := DecodePayload(JobType("send_carrier_pigeon"), []byte(`{}`))

	if !errors.Is(err, ErrInvalidJobType) {
		t.Fatalf("got %v, want ErrInvalidJobType", err)
	}
}

func TestDecodePayloadValidatesRequiredFields(t *testing.T) {
	// missing email and reset url
	_, err := DecodePayload(JobSendPasswordResetEmail, []byte(`{"userId":"u1"}`))

	if !errors.Is(err, ErrInvalidJobPayload) {
		t.Fatalf("got %v, want ErrInvalidJobPayload", err)
	}
}

func TestJobTypeIsValid(t *testing.T) {
	if !JobSendPasswordResetEmail.IsValid() || !JobSendWelcomeEmail.IsValid() {
		t.Fatalf("known job types reported invalid")
	}

	if JobType("nope").IsValid() {
		t.Fatalf("unknown job type reported valid")
	}
}
