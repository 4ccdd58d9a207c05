package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmshield/swarmshield/pkg/events"
)

// permissionEntry is one cached permission set with its insertion time.
type permissionEntry struct {
	perms      map[string]bool
	insertedAt time.Time
}

// PermissionSource loads a user's permission keys for a workspace.
type PermissionSource interface {
	ListPermissions(ctx context.Context, userID, workspaceID string) ([]string, error)
}

// AuthCache caches (user, workspace) → permission key sets with a read-time
// TTL. Invalidation arrives on auth:permissions_changed with either
// per-user or per-workspace scope; the latter selects-and-deletes by key
// suffix match.
type AuthCache struct {
	table  *Table[permissionEntry]
	source PermissionSource
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthCache creates the cache with the configured TTL (seconds).
func NewAuthCache(source PermissionSource, ttlSeconds int) *AuthCache {
	return &AuthCache{
		table:  NewTable[permissionEntry](),
		source: source,
		ttl:    time.Duration(ttlSeconds) * time.Second,
		now:    time.Now,
	}
}

// Start registers the invalidation handler and subscribes the channel.
func (c *AuthCache) Start(ctx context.Context, listener *events.Listener) error {
	listener.RegisterHandler(events.ChannelPermissionsChanged, c.handleInvalidation)
	return listener.Subscribe(ctx, events.ChannelPermissionsChanged)
}

func permKey(userID, workspaceID string) string {
	return userID + "|" + workspaceID
}

// HasPermission reports whether the user holds the permission in the
// workspace, loading through on a miss or expired entry.
func (c *AuthCache) HasPermission(ctx context.Context, userID, workspaceID, perm string) bool {
	perms := c.Permissions(ctx, userID, workspaceID)
	return perms[perm]
}

// Permissions returns the cached permission set, reloading when absent or
// older than the TTL. A load failure yields the empty set (deny).
func (c *AuthCache) Permissions(ctx context.Context, userID, workspaceID string) map[string]bool {
	key := permKey(userID, workspaceID)
	if entry, ok := c.table.Get(key); ok && c.now().Sub(entry.insertedAt) < c.ttl {
		return entry.perms
	}

	keys, err := c.source.ListPermissions(ctx, userID, workspaceID)
	if err != nil {
		slog.Warn("Permission load failed", "user_id", userID, "workspace_id", workspaceID, "error", err)
		return map[string]bool{}
	}

	perms := make(map[string]bool, len(keys))
	for _, k := range keys {
		perms[k] = true
	}
	c.table.Put(key, permissionEntry{perms: perms, insertedAt: c.now()})
	return perms
}

// handleInvalidation processes auth:permissions_changed payloads.
func (c *AuthCache) handleInvalidation(payload []byte) {
	var msg events.PermissionsChangedPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("Invalid permissions invalidation payload", "error", err)
		return
	}

	switch msg.Scope {
	case events.ScopeInvalidateUser:
		c.table.Delete(permKey(msg.UserID, msg.WorkspaceID))
	case events.ScopeInvalidateWorkspace:
		suffix := "|" + msg.WorkspaceID
		c.table.DeleteFunc(func(key string, _ permissionEntry) bool {
			return strings.HasSuffix(key, suffix)
		})
	default:
		slog.Warn("Unknown permissions invalidation scope", "scope", msg.Scope)
	}
}

// Len is exposed for health reporting and tests.
func (c *AuthCache) Len() int {
	return c.table.Len()
}
