package utils

import (
	"testing"
	"time"
)

func TestJobCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	id := "7a1e8a2e-6a5d-4f57-a1be-111111111111"

	enc, err := EncodeJobCursor(at, id)
	if err != nil {
		t.Fatalf("EncodeJobCursor returned error: %v", err)
	}

	cur, err := DecodeJobCursor(enc)
	if err != nil {
		t.Fatalf("DecodeJobCursor returned error: %v", err)
	}

	if !cur.UpdatedAt.Equal(at) || cur.ID != id {
		t.Fatalf("roundtrip mismatch: got %+v", cur)
	}
}

func TestDecodeJobCursorRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"not-base64!!", "aGVsbG8", ""} {
		if _, err := DecodeJobCursor(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
