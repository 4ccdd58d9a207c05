package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/swarmshield/swarmshield/pkg/cache"
)

// sweepInterval is how often expired IP windows are pruned.
const sweepInterval = 60 * time.Second

// IPRateLimiter is the per-IP sliding window admission limiter. Counters
// live in an in-memory table and are only ever touched via the atomic
// increment-and-return primitive.
type IPRateLimiter struct {
	counters      *cache.CounterTable
	maxRequests   int64
	windowSeconds int64
	now           func() time.Time
}

// NewIPRateLimiter creates the limiter.
func NewIPRateLimiter(maxRequests, windowSeconds int) *IPRateLimiter {
	return &IPRateLimiter{
		counters:      cache.NewCounterTable(),
		maxRequests:   int64(maxRequests),
		windowSeconds: int64(windowSeconds),
		now:           time.Now,
	}
}

// Allow counts one request from ip. Returns whether it is admitted, the
// remaining allowance, and the seconds until the window resets (for
// Retry-After).
func (l *IPRateLimiter) Allow(ip string) (allowed bool, remaining int64, retryAfter int64) {
	nowUnix := l.now().Unix()
	window := nowUnix / l.windowSeconds
	key := fmt.Sprintf("ip|%s|%d", ip, window)

	count := l.counters.Increment(key, 1)
	remaining = l.maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	retryAfter = (window+1)*l.windowSeconds - nowUnix
	if retryAfter < 1 {
		retryAfter = 1
	}
	return count <= l.maxRequests, remaining, retryAfter
}

// Limit returns the configured window cap.
func (l *IPRateLimiter) Limit() int64 {
	return l.maxRequests
}

// RunSweeper deletes windows older than the current one every minute.
func (l *IPRateLimiter) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *IPRateLimiter) sweep() {
	current := l.now().Unix() / l.windowSeconds
	l.counters.DeleteFunc(func(key string) bool {
		idx := strings.LastIndexByte(key, '|')
		if idx < 0 {
			return true
		}
		window, err := strconv.ParseInt(key[idx+1:], 10, 64)
		return err != nil || window < current
	})
}
