package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
)

// fakeAgentStore is an in-memory AgentLookupStore with a lookup counter.
type fakeAgentStore struct {
	mu      sync.Mutex
	agents  map[string]models.RegisteredAgent
	lookups atomic.Int64
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{agents: make(map[string]models.RegisteredAgent)}
}

func (s *fakeAgentStore) add(a models.RegisteredAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.APIKeyHash] = a
}

func (s *fakeAgentStore) GetAgentByKeyHash(_ context.Context, keyHash string) (*models.RegisteredAgent, error) {
	s.lookups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[keyHash]; ok {
		copied := a
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeAgentStore) ListActiveAgents(context.Context) ([]models.RegisteredAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RegisteredAgent
	for _, a := range s.agents {
		if a.Status == models.AgentActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func testAgent(hash string) models.RegisteredAgent {
	return models.RegisteredAgent{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		Name:        "probe",
		APIKeyHash:  hash,
		Status:      models.AgentActive,
	}
}

func TestApiKeyCacheWriteThrough(t *testing.T) {
	store := newFakeAgentStore()
	agent := testAgent("hash-1")
	store.add(agent)

	c := NewApiKeyCache(store)

	first := c.Lookup(context.Background(), "hash-1")
	assert.False(t, first.NotFound)
	assert.Equal(t, agent.ID, first.AgentID)
	assert.Equal(t, int64(1), store.lookups.Load())

	// Second read served from the table.
	second := c.Lookup(context.Background(), "hash-1")
	assert.Equal(t, agent.ID, second.AgentID)
	assert.Equal(t, int64(1), store.lookups.Load())
}

func TestApiKeyCacheNegativeEntryExpires(t *testing.T) {
	store := newFakeAgentStore()
	c := NewApiKeyCache(store)

	now := time.Now()
	c.now = func() time.Time { return now }

	miss := c.Lookup(context.Background(), "unknown")
	assert.True(t, miss.NotFound)
	assert.Equal(t, int64(1), store.lookups.Load())

	// Within the TTL the negative entry bounds store traffic.
	c.Lookup(context.Background(), "unknown")
	assert.Equal(t, int64(1), store.lookups.Load())

	// After 60s the entry expires and the store is consulted again.
	c.now = func() time.Time { return now.Add(61 * time.Second) }
	store.add(testAgent("unknown"))
	found := c.Lookup(context.Background(), "unknown")
	assert.False(t, found.NotFound)
	assert.Equal(t, int64(2), store.lookups.Load())
}

func TestApiKeyCacheInvalidationByAgentAndOldHash(t *testing.T) {
	store := newFakeAgentStore()
	agent := testAgent("old-hash")
	store.add(agent)

	c := NewApiKeyCache(store)
	c.Lookup(context.Background(), "old-hash")
	require.Equal(t, 1, c.Len())

	payload, _ := json.Marshal(events.AgentChangedPayload{
		AgentID:    agent.ID.String(),
		OldKeyHash: "old-hash",
	})
	c.handleAgentChanged(payload)
	assert.Zero(t, c.Len())
}

func TestApiKeyCacheRefreshAllReplacesTable(t *testing.T) {
	store := newFakeAgentStore()
	store.add(testAgent("h1"))
	store.add(testAgent("h2"))

	c := NewApiKeyCache(store)
	c.Lookup(context.Background(), "stale-negative")
	require.Equal(t, 1, c.Len())

	require.NoError(t, c.RefreshAll(context.Background()))
	assert.Equal(t, 2, c.Len())

	entry, ok := c.table.Get("h1")
	require.True(t, ok)
	assert.False(t, entry.NotFound)
}
