package api

import "time"

// dataResponse wraps a successful payload.
type dataResponse struct {
	Data any `json:"data"`
}

// HealthResponse is the unauthenticated health payload. It never exposes
// runtime versions, database versions, node identity or internal
// addresses.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisteredAgentResponse is the admin projection of an agent. The raw key
// appears exactly once, on registration/regeneration.
type RegisteredAgentResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	RiskLevel    string     `json:"risk_level"`
	APIKeyPrefix string     `json:"api_key_prefix"`
	APIKey       string     `json:"api_key,omitempty"`
	EventCount   int64      `json:"event_count"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	InsertedAt   time.Time  `json:"inserted_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
