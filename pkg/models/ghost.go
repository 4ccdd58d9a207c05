package models

import (
	"time"

	"github.com/google/uuid"
)

// WipeStrategy controls when an ephemeral session's transient data is wiped.
type WipeStrategy string

const (
	WipeImmediate WipeStrategy = "immediate"
	WipeDelayed   WipeStrategy = "delayed"
	WipeScheduled WipeStrategy = "scheduled"
)

// Wipable fields form a closed allow list; anything else in wipe_fields is
// rejected at config validation time.
const (
	WipeFieldInputContent         = "input_content"
	WipeFieldDeliberationMessages = "deliberation_messages"
	WipeFieldMetadata             = "metadata"
	WipeFieldInitialAssessment    = "initial_assessment"
	WipeFieldPayload              = "payload"
)

// ValidWipeField reports whether f is on the wipable allow list.
func ValidWipeField(f string) bool {
	switch f {
	case WipeFieldInputContent, WipeFieldDeliberationMessages,
		WipeFieldMetadata, WipeFieldInitialAssessment, WipeFieldPayload:
		return true
	}
	return false
}

// GhostProtocolConfig is the tenant-configured ephemeral mode for a
// workflow's sessions.
type GhostProtocolConfig struct {
	ID                        uuid.UUID    `json:"id"`
	WorkspaceID               uuid.UUID    `json:"-"`
	Enabled                   bool         `json:"enabled"`
	WipeStrategy              WipeStrategy `json:"wipe_strategy"`
	WipeFields                []string     `json:"wipe_fields"`
	WipeDelaySeconds          int          `json:"wipe_delay_seconds"`
	MaxSessionDurationSeconds int          `json:"max_session_duration_seconds"`
	AutoTerminateOnExpiry     bool         `json:"auto_terminate_on_expiry"`
	CryptoShred               bool         `json:"crypto_shred"`
	InsertedAt                time.Time    `json:"inserted_at"`
	UpdatedAt                 time.Time    `json:"updated_at"`
}
