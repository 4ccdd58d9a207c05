package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/swarmshield/swarmshield/pkg/cache"
)

// sweepInterval is how often expired rate-limit windows are pruned.
const sweepInterval = 60 * time.Second

// WindowCounters is the in-memory rate-limit counter table. Counters are
// only ever touched through the atomic increment-and-return primitive; a
// background sweeper deletes windows older than the current one.
type WindowCounters struct {
	table *cache.CounterTable
	now   func() time.Time
}

// NewWindowCounters creates an empty counter table.
func NewWindowCounters() *WindowCounters {
	return &WindowCounters{
		table: cache.NewCounterTable(),
		now:   time.Now,
	}
}

// windowKey encodes everything the sweeper needs to age a counter:
// the window length and the window index are the trailing segments.
func windowKey(workspaceID, perKey, ruleID string, windowSeconds, windowIndex int64) string {
	return fmt.Sprintf("rl|%s|%s|%s|%d|%d", workspaceID, perKey, ruleID, windowSeconds, windowIndex)
}

// Hit atomically increments the counter for the current window and returns
// the post-increment count.
func (w *WindowCounters) Hit(workspaceID, perKey, ruleID string, windowSeconds int64) int64 {
	idx := w.now().Unix() / windowSeconds
	return w.table.Increment(windowKey(workspaceID, perKey, ruleID, windowSeconds, idx), 1)
}

// RunSweeper deletes expired windows every sweepInterval until ctx is done.
func (w *WindowCounters) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep removes counters whose window index is older than the current
// window for their window length.
func (w *WindowCounters) sweep() {
	nowUnix := w.now().Unix()
	w.table.DeleteFunc(func(key string) bool {
		parts := strings.Split(key, "|")
		if len(parts) < 6 {
			return true
		}
		windowSeconds, err1 := strconv.ParseInt(parts[len(parts)-2], 10, 64)
		windowIndex, err2 := strconv.ParseInt(parts[len(parts)-1], 10, 64)
		if err1 != nil || err2 != nil || windowSeconds <= 0 {
			return true
		}
		return windowIndex < nowUnix/windowSeconds
	})
}

// Len is exposed for tests.
func (w *WindowCounters) Len() int {
	return w.table.Len()
}
