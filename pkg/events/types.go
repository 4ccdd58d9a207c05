// Package events provides the internal PubSub layer: PostgreSQL
// NOTIFY/LISTEN for cross-process distribution, in-process handlers for
// cache invalidation, and WebSocket fan-out for UI updates.
//
// Delivery is best-effort, in-order per channel per subscriber. Consumers
// must tolerate duplicate and out-of-order messages. Payloads never contain
// raw API keys, raw rule configs, detection patterns, or passwords.
package events

// Agent cache invalidation channels (transient — NOTIFY only).
const (
	ChannelAgentStatusChanged  = "agents:status_changed"
	ChannelAgentKeyRegenerated = "agents:key_regenerated"
	ChannelAgentDeleted        = "agents:deleted"
)

// Auth and LLM key invalidation channels (transient).
const (
	ChannelPermissionsChanged = "auth:permissions_changed"
	ChannelLLMKeyChanged      = "llm:key_changed"
)

// PolicyRulesChannel returns the per-workspace policy rule invalidation
// channel.
func PolicyRulesChannel(workspaceID string) string {
	return "policy_rules:" + workspaceID
}

// DetectionRulesChannel returns the per-workspace detection rule
// invalidation channel.
func DetectionRulesChannel(workspaceID string) string {
	return "detection_rules:" + workspaceID
}

// DeliberationChannel returns the per-session deliberation channel
// (persistent — events land in the events table for catchup).
func DeliberationChannel(sessionID string) string {
	return "deliberation:" + sessionID
}

// WorkspaceDeliberationsChannel returns the per-workspace deliberation
// channel (transient — feeds the workspace dashboard).
func WorkspaceDeliberationsChannel(workspaceID string) string {
	return "deliberations:" + workspaceID
}

// GhostSessionChannel returns the per-session ghost protocol channel.
func GhostSessionChannel(sessionID string) string {
	return "ghost_protocol:session:" + sessionID
}

// GhostWorkspaceChannel returns the per-workspace ghost protocol channel.
func GhostWorkspaceChannel(workspaceID string) string {
	return "ghost_protocol:" + workspaceID
}

// Deliberation event types.
const (
	EventTypeAnalysisComplete         = "analysis_complete"
	EventTypeDeliberationRoundComplete = "deliberation_round_complete"
	EventTypeVerdictReached            = "verdict_reached"
)

// Ghost protocol event types.
const (
	EventTypeWipeStarted   = "wipe_started"
	EventTypeWipeCompleted = "wipe_completed"
)

// AgentChangedPayload invalidates ApiKeyCache entries. OldKeyHash is set
// only on key regeneration; it is a SHA-256 digest, never the raw key.
type AgentChangedPayload struct {
	AgentID    string `json:"agent_id"`
	OldKeyHash string `json:"old_key_hash,omitempty"`
}

// PermissionsChangedPayload invalidates AuthCache entries. Scope is
// "invalidate_user" or "invalidate_workspace".
type PermissionsChangedPayload struct {
	Scope       string `json:"scope"`
	UserID      string `json:"user_id,omitempty"`
	WorkspaceID string `json:"workspace_id"`
}

// Permission invalidation scopes.
const (
	ScopeInvalidateUser      = "invalidate_user"
	ScopeInvalidateWorkspace = "invalidate_workspace"
)

// LLMKeyChangedPayload invalidates the LLMKeyStore entry for a workspace.
type LLMKeyChangedPayload struct {
	WorkspaceID string `json:"workspace_id"`
}

// DeliberationEventPayload is the envelope broadcast on deliberation and
// ghost protocol channels.
type DeliberationEventPayload struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // channel name
	LastEventID *int   `json:"last_event_id,omitempty"` // for catchup
}
