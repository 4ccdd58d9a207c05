package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/swarmshield/swarmshield/pkg/events"
)

type fakePermissionSource struct {
	perms   map[string][]string
	lookups atomic.Int64
}

func (s *fakePermissionSource) ListPermissions(_ context.Context, userID, workspaceID string) ([]string, error) {
	s.lookups.Add(1)
	return s.perms[userID+"|"+workspaceID], nil
}

func TestAuthCacheTTL(t *testing.T) {
	source := &fakePermissionSource{perms: map[string][]string{
		"u1|w1": {"events:read", "rules:write"},
	}}
	c := NewAuthCache(source, 300)

	now := time.Now()
	c.now = func() time.Time { return now }

	assert.True(t, c.HasPermission(context.Background(), "u1", "w1", "events:read"))
	assert.False(t, c.HasPermission(context.Background(), "u1", "w1", "events:delete"))
	assert.Equal(t, int64(1), source.lookups.Load())

	// Expired entries reload on read.
	c.now = func() time.Time { return now.Add(301 * time.Second) }
	assert.True(t, c.HasPermission(context.Background(), "u1", "w1", "rules:write"))
	assert.Equal(t, int64(2), source.lookups.Load())
}

func TestAuthCacheUserScopedInvalidation(t *testing.T) {
	source := &fakePermissionSource{perms: map[string][]string{"u1|w1": {"p"}}}
	c := NewAuthCache(source, 300)

	c.Permissions(context.Background(), "u1", "w1")
	assert.Equal(t, 1, c.Len())

	payload, _ := json.Marshal(events.PermissionsChangedPayload{
		Scope:       events.ScopeInvalidateUser,
		UserID:      "u1",
		WorkspaceID: "w1",
	})
	c.handleInvalidation(payload)
	assert.Zero(t, c.Len())
}

func TestAuthCacheWorkspaceScopedInvalidation(t *testing.T) {
	source := &fakePermissionSource{perms: map[string][]string{
		"u1|w1": {"p"}, "u2|w1": {"p"}, "u1|w2": {"p"},
	}}
	c := NewAuthCache(source, 300)

	c.Permissions(context.Background(), "u1", "w1")
	c.Permissions(context.Background(), "u2", "w1")
	c.Permissions(context.Background(), "u1", "w2")
	assert.Equal(t, 3, c.Len())

	payload, _ := json.Marshal(events.PermissionsChangedPayload{
		Scope:       events.ScopeInvalidateWorkspace,
		WorkspaceID: "w1",
	})
	c.handleInvalidation(payload)

	// Only w1 entries are selected-and-deleted.
	assert.Equal(t, 1, c.Len())
	_, ok := c.table.Get(permKey("u1", "w2"))
	assert.True(t, ok)
}
