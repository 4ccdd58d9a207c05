package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
)

// negativeTTL bounds how long an unknown key hash stays negatively cached,
// limiting brute-force amplification against the store.
const negativeTTL = 60 * time.Second

// AgentEntry is the cached resolution of an API key hash. NotFound marks a
// negative entry.
type AgentEntry struct {
	AgentID     uuid.UUID
	WorkspaceID uuid.UUID
	Status      models.AgentStatus
	AgentName   string
	NotFound    bool

	insertedAt time.Time
}

// AgentLookupStore resolves key hashes against the relational store.
type AgentLookupStore interface {
	GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.RegisteredAgent, error)
	ListActiveAgents(ctx context.Context) ([]models.RegisteredAgent, error)
}

// ApiKeyCache caches API key hash → agent resolutions with write-through
// misses and 60 s negative caching. Invalidation arrives on the agents:*
// PubSub channels; RefreshAll reloads all active agents.
type ApiKeyCache struct {
	table *Table[AgentEntry]
	store AgentLookupStore
	now   func() time.Time
}

// NewApiKeyCache creates the cache over the given store.
func NewApiKeyCache(store AgentLookupStore) *ApiKeyCache {
	return &ApiKeyCache{
		table: NewTable[AgentEntry](),
		store: store,
		now:   time.Now,
	}
}

// Start registers invalidation handlers and subscribes the listener to the
// agent channels, then runs an initial bulk load. A failed initial load is
// logged, not fatal — the cache fills through on demand.
func (c *ApiKeyCache) Start(ctx context.Context, listener *events.Listener) error {
	listener.RegisterHandler(events.ChannelAgentStatusChanged, c.handleAgentChanged)
	listener.RegisterHandler(events.ChannelAgentKeyRegenerated, c.handleAgentChanged)
	listener.RegisterHandler(events.ChannelAgentDeleted, c.handleAgentChanged)

	for _, ch := range []string{
		events.ChannelAgentStatusChanged,
		events.ChannelAgentKeyRegenerated,
		events.ChannelAgentDeleted,
	} {
		if err := listener.Subscribe(ctx, ch); err != nil {
			return err
		}
	}

	if err := c.RefreshAll(ctx); err != nil {
		slog.Warn("Initial agent cache load failed, continuing with lazy fill", "error", err)
	}
	return nil
}

// Lookup resolves a key hash. Misses are written through; a store failure
// or unknown hash is negatively cached for 60 s.
func (c *ApiKeyCache) Lookup(ctx context.Context, keyHash string) AgentEntry {
	if entry, ok := c.table.Get(keyHash); ok {
		if !entry.NotFound {
			return entry
		}
		if c.now().Sub(entry.insertedAt) < negativeTTL {
			return entry
		}
		c.table.Delete(keyHash)
	}

	agent, err := c.store.GetAgentByKeyHash(ctx, keyHash)
	if err != nil || agent == nil {
		if err != nil {
			slog.Warn("Agent lookup failed, negatively caching", "error", err)
		}
		entry := AgentEntry{NotFound: true, insertedAt: c.now()}
		c.table.Put(keyHash, entry)
		return entry
	}

	entry := AgentEntry{
		AgentID:     agent.ID,
		WorkspaceID: agent.WorkspaceID,
		Status:      agent.Status,
		AgentName:   agent.Name,
		insertedAt:  c.now(),
	}
	c.table.Put(keyHash, entry)
	return entry
}

// RefreshAll reloads all active agents into the table, replacing its
// contents (manager is the single writer for bulk refresh).
func (c *ApiKeyCache) RefreshAll(ctx context.Context) error {
	agents, err := c.store.ListActiveAgents(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	fresh := make(map[string]AgentEntry, len(agents))
	for _, a := range agents {
		fresh[a.APIKeyHash] = AgentEntry{
			AgentID:     a.ID,
			WorkspaceID: a.WorkspaceID,
			Status:      a.Status,
			AgentName:   a.Name,
			insertedAt:  now,
		}
	}
	c.table.Replace(fresh)
	return nil
}

// handleAgentChanged drops every entry belonging to the named agent, plus
// the prior key hash on key regeneration.
func (c *ApiKeyCache) handleAgentChanged(payload []byte) {
	var msg events.AgentChangedPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("Invalid agent invalidation payload", "error", err)
		return
	}

	if msg.OldKeyHash != "" {
		c.table.Delete(msg.OldKeyHash)
	}

	agentID, err := uuid.Parse(msg.AgentID)
	if err != nil {
		return
	}
	c.table.DeleteFunc(func(_ string, v AgentEntry) bool {
		return v.AgentID == agentID
	})
}

// Len is exposed for health reporting and tests.
func (c *ApiKeyCache) Len() int {
	return c.table.Len()
}
