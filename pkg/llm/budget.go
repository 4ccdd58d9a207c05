package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// DefaultEstimatedCostCents is reserved per call when the caller doesn't
// supply an estimate.
const DefaultEstimatedCostCents int64 = 10

// limitTTL is how long a workspace's budget limit stays cached.
const limitTTL = 5 * time.Minute

// BudgetStore is the atomic spend counter behind the budget. AddSpend must
// be a single atomic increment-and-return (UPDATE … RETURNING); the client
// never reads-then-writes the counter.
type BudgetStore interface {
	AddSpend(ctx context.Context, workspaceID uuid.UUID, deltaCents int64) (int64, error)
	AddTokens(ctx context.Context, workspaceID uuid.UUID, tokens int64) error
}

// SettingsReader reads workspace settings for the budget limit.
type SettingsReader interface {
	GetWorkspaceSettings(ctx context.Context, workspaceID uuid.UUID) (map[string]any, error)
}

// Budget enforces the per-workspace spend cap with reserve/settle/release
// semantics. Reservation is a single increment-then-compare: if the
// post-increment total exceeds the limit, the inverse decrement rolls back
// and the call is rejected — concurrent reservations cannot overspend.
type Budget struct {
	store        BudgetStore
	settings     SettingsReader
	defaultLimit int64

	limitsMu sync.Mutex
	limits   map[uuid.UUID]cachedLimit
	now      func() time.Time
}

type cachedLimit struct {
	limit    int64
	cachedAt time.Time
}

// NewBudget creates the budget over the given store.
func NewBudget(store BudgetStore, settings SettingsReader, defaultLimitCents int64) *Budget {
	return &Budget{
		store:        store,
		settings:     settings,
		defaultLimit: defaultLimitCents,
		limits:       make(map[uuid.UUID]cachedLimit),
		now:          time.Now,
	}
}

// Reserve atomically reserves estimated cents against the workspace cap.
// Returns a budget_exceeded error when the cap would be crossed.
func (b *Budget) Reserve(ctx context.Context, workspaceID uuid.UUID, estimatedCents int64) error {
	limit := b.limit(ctx, workspaceID)

	total, err := b.store.AddSpend(ctx, workspaceID, estimatedCents)
	if err != nil {
		return &Error{Kind: KindTransportError, Err: err}
	}

	if total > limit {
		if _, err := b.store.AddSpend(ctx, workspaceID, -estimatedCents); err != nil {
			slog.Error("Failed to roll back budget reservation", "workspace_id", workspaceID, "error", err)
		}
		return &Error{Kind: KindBudgetExceeded}
	}
	return nil
}

// Settle adjusts the counter from the estimate to the actual cost and
// records token usage after a successful call.
func (b *Budget) Settle(ctx context.Context, workspaceID uuid.UUID, estimatedCents, actualCents, tokens int64) {
	if delta := actualCents - estimatedCents; delta != 0 {
		if _, err := b.store.AddSpend(ctx, workspaceID, delta); err != nil {
			slog.Error("Failed to settle budget", "workspace_id", workspaceID, "error", err)
		}
	}
	if tokens > 0 {
		if err := b.store.AddTokens(ctx, workspaceID, tokens); err != nil {
			slog.Error("Failed to record token usage", "workspace_id", workspaceID, "error", err)
		}
	}
}

// Release returns the full estimate after a failed call.
func (b *Budget) Release(ctx context.Context, workspaceID uuid.UUID, estimatedCents int64) {
	if _, err := b.store.AddSpend(ctx, workspaceID, -estimatedCents); err != nil {
		slog.Error("Failed to release budget reservation", "workspace_id", workspaceID, "error", err)
	}
}

// limit returns the workspace's budget cap from its settings, cached for
// limitTTL. Missing or invalid values fall back to the configured default.
func (b *Budget) limit(ctx context.Context, workspaceID uuid.UUID) int64 {
	b.limitsMu.Lock()
	if cached, ok := b.limits[workspaceID]; ok && b.now().Sub(cached.cachedAt) < limitTTL {
		b.limitsMu.Unlock()
		return cached.limit
	}
	b.limitsMu.Unlock()

	limit := b.defaultLimit
	settings, err := b.settings.GetWorkspaceSettings(ctx, workspaceID)
	if err != nil {
		slog.Warn("Failed to load workspace settings for budget limit, using default",
			"workspace_id", workspaceID, "error", err)
	} else if raw, ok := settings[models.SettingLLMBudgetLimitCents]; ok {
		if parsed, ok := settingInt(raw); ok && parsed > 0 {
			limit = parsed
		}
	}

	b.limitsMu.Lock()
	b.limits[workspaceID] = cachedLimit{limit: limit, cachedAt: b.now()}
	b.limitsMu.Unlock()
	return limit
}

func settingInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
