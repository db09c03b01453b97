package jobs

import "time"

// PasswordResetEmailPayload carries everything the worker needs to build
// the reset email. ResetURL embeds the raw token; DedupeKey is the token
// digest so a retried job never produces a second email for the same token.
type PasswordResetEmailPayload struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	ResetURL    string    `json:"resetUrl"`
	DedupeKey   string    `json:"dedupeKey"`
	RequestedAt time.Time `json:"requestedAt"`
	RequestID   string    `json:"requestId,omitempty"`
}

// WelcomeEmailPayload is the signup greeting. One per user, ever.
type WelcomeEmailPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}
