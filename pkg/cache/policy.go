package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
)

// refreshDebounce is the per-workspace debounce applied to bulk rule
// updates so admin imports don't trigger a reload per row.
const refreshDebounce = 500 * time.Millisecond

// RuleSource loads a workspace's rule sets from the relational store.
// Policy rules are returned sorted by priority descending.
type RuleSource interface {
	ListEnabledPolicyRules(ctx context.Context, workspaceID uuid.UUID) ([]models.PolicyRule, error)
	ListEnabledDetectionRules(ctx context.Context, workspaceID uuid.UUID) ([]models.DetectionRule, error)
}

// PolicyCache holds the full ordered policy rule list and the detection
// rule list per workspace. Invalidation is strictly per-workspace — there
// is deliberately no global flush. Refreshes triggered by PubSub are
// debounced 500 ms per workspace.
type PolicyCache struct {
	rules      *Table[[]models.PolicyRule]
	detections *Table[[]models.DetectionRule]
	source     RuleSource

	listener *events.Listener

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	// subscribed tracks workspaces whose invalidation channels are active.
	subscribed map[string]bool
}

// NewPolicyCache creates the cache over the given source.
func NewPolicyCache(source RuleSource) *PolicyCache {
	return &PolicyCache{
		rules:      NewTable[[]models.PolicyRule](),
		detections: NewTable[[]models.DetectionRule](),
		source:     source,
		timers:     make(map[string]*time.Timer),
		subscribed: make(map[string]bool),
	}
}

// Start attaches the PubSub listener. Per-workspace channels are subscribed
// lazily the first time a workspace's rules are loaded.
func (c *PolicyCache) Start(listener *events.Listener) {
	c.listener = listener
}

// PolicyRules returns the workspace's enabled rules sorted by priority
// descending, loading through on a miss. A load failure yields an empty
// set so one bad reload never breaks ingestion.
func (c *PolicyCache) PolicyRules(ctx context.Context, workspaceID uuid.UUID) []models.PolicyRule {
	key := workspaceID.String()
	if rules, ok := c.rules.Get(key); ok {
		return rules
	}
	c.ensureSubscribed(ctx, key)

	rules, err := c.source.ListEnabledPolicyRules(ctx, workspaceID)
	if err != nil {
		slog.Warn("Policy rule load failed", "workspace_id", key, "error", err)
		return nil
	}
	c.rules.Put(key, rules)
	return rules
}

// DetectionRules returns the workspace's enabled detection rules, loading
// through on a miss.
func (c *PolicyCache) DetectionRules(ctx context.Context, workspaceID uuid.UUID) []models.DetectionRule {
	key := workspaceID.String()
	if dets, ok := c.detections.Get(key); ok {
		return dets
	}
	c.ensureSubscribed(ctx, key)

	dets, err := c.source.ListEnabledDetectionRules(ctx, workspaceID)
	if err != nil {
		slog.Warn("Detection rule load failed", "workspace_id", key, "error", err)
		return nil
	}
	c.detections.Put(key, dets)
	return dets
}

// ScheduleRefresh debounces a per-workspace reload: any prior pending timer
// for the workspace is cancelled and the DB reload happens only when the
// new timer fires.
func (c *PolicyCache) ScheduleRefresh(workspaceID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if t, ok := c.timers[workspaceID]; ok {
		t.Stop()
	}
	c.timers[workspaceID] = time.AfterFunc(refreshDebounce, func() {
		c.timersMu.Lock()
		delete(c.timers, workspaceID)
		c.timersMu.Unlock()
		c.refresh(workspaceID)
	})
}

// refresh reloads one workspace's rule sets from the store.
func (c *PolicyCache) refresh(workspaceID string) {
	id, err := uuid.Parse(workspaceID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rules, err := c.source.ListEnabledPolicyRules(ctx, id)
	if err != nil {
		slog.Warn("Policy rule refresh failed, dropping cached set", "workspace_id", workspaceID, "error", err)
		c.rules.Delete(workspaceID)
	} else {
		c.rules.Put(workspaceID, rules)
	}

	dets, err := c.source.ListEnabledDetectionRules(ctx, id)
	if err != nil {
		slog.Warn("Detection rule refresh failed, dropping cached set", "workspace_id", workspaceID, "error", err)
		c.detections.Delete(workspaceID)
	} else {
		c.detections.Put(workspaceID, dets)
	}
}

// ensureSubscribed registers invalidation handlers and LISTENs on the
// workspace's rule channels the first time the workspace is cached.
func (c *PolicyCache) ensureSubscribed(ctx context.Context, workspaceID string) {
	if c.listener == nil {
		return
	}

	c.timersMu.Lock()
	already := c.subscribed[workspaceID]
	if !already {
		c.subscribed[workspaceID] = true
	}
	c.timersMu.Unlock()
	if already {
		return
	}

	handler := func([]byte) { c.ScheduleRefresh(workspaceID) }
	for _, ch := range []string{
		events.PolicyRulesChannel(workspaceID),
		events.DetectionRulesChannel(workspaceID),
	} {
		c.listener.RegisterHandler(ch, handler)
		if err := c.listener.Subscribe(ctx, ch); err != nil {
			slog.Warn("Failed to subscribe rule invalidation channel", "channel", ch, "error", err)
		}
	}
}
