package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

func EncodePayload(t JobType, payload any) ([]byte, error) {
	if !t.IsValid() {
		return nil, ErrInvalidJobType
	}

	switch t {
	case JobSendPasswordResetEmail:
		_, ok := payload.(PasswordResetEmailPayload)

		if !ok {
			_, ok2 := payload.(*PasswordResetEmailPayload)

			if !ok2 {
				return nil, ErrPayloadTypeMismatch
			}
		}

	case JobSendWelcomeEmail:
		_, ok := payload.(WelcomeEmailPayload)

		if !ok {
			_, ok2 := payload.(*WelcomeEmailPayload)

			if !ok2 {
				return nil, ErrPayloadTypeMismatch
			}
		}
	}

	b, err := json.Marshal(payload)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobPayload, err)
	}

	return b, nil
}

// DecodePayload unmarshals a raw job payload into the typed struct for
// the given job type.
func DecodePayload(t JobType, raw []byte) (any, error) {
	if !t.IsValid() {
		return nil, ErrInvalidJobType
	}
	if len(raw) == 0 {
		return nil, ErrInvalidJobPayload
	}

	switch t {
	case JobSendPasswordResetEmail:
		var p PasswordResetEmailPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJobPayload, err)
		}
		if err := validateResetPayload(p); err != nil {
			return nil, err
		}
		return p, nil

	case JobSendWelcomeEmail:
		var p WelcomeEmailPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJobPayload, err)
		}
		if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.Email) == "" {
			return nil, ErrInvalidJobPayload
		}
		return p, nil

	default:
		return nil, ErrInvalidJobType
	}
}

func validateResetPayload(p PasswordResetEmailPayload) error {
	if strings.TrimSpace(p.UserID) == "" ||
		strings.TrimSpace(p.Email) == "" ||
		strings.TrimSpace(p.ResetURL) == "" ||
		strings.TrimSpace(p.DedupeKey) == "" {
		return ErrInvalidJobPayload
	}
	return nil
}
