package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// reset tokens and session ids are 32 bytes of entropy, hex encoded.
const tokenBytes = 32

// NewToken returns a fresh opaque credential string.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)

	_, err := rand.Read(b)

	if err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// HashToken is the at-rest form of a token. We never store the raw value;
// lookups hash the presented token first.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
