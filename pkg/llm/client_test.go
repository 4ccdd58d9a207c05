package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBudgetStore is an in-memory BudgetStore whose AddSpend is atomic.
type fakeBudgetStore struct {
	mu     sync.Mutex
	spend  map[uuid.UUID]int64
	tokens map[uuid.UUID]int64
}

func newFakeBudgetStore() *fakeBudgetStore {
	return &fakeBudgetStore{
		spend:  make(map[uuid.UUID]int64),
		tokens: make(map[uuid.UUID]int64),
	}
}

func (s *fakeBudgetStore) AddSpend(_ context.Context, workspaceID uuid.UUID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[workspaceID] += delta
	return s.spend[workspaceID], nil
}

func (s *fakeBudgetStore) AddTokens(_ context.Context, workspaceID uuid.UUID, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[workspaceID] += tokens
	return nil
}

func (s *fakeBudgetStore) total(workspaceID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[workspaceID]
}

// fakeSettings serves a fixed budget limit.
type fakeSettings struct {
	limit any
}

func (s *fakeSettings) GetWorkspaceSettings(context.Context, uuid.UUID) (map[string]any, error) {
	if s.limit == nil {
		return map[string]any{}, nil
	}
	return map[string]any{"llm_budget_limit_cents": s.limit}, nil
}

func newTestClient(store *fakeBudgetStore, limit any, defaultLimit int64) *Client {
	budget := NewBudget(store, &fakeSettings{limit: limit}, defaultLimit)
	c := NewClient("", nil, budget, 1000)
	c.sleep = func(time.Duration) {}
	return c
}

func okBackend(cost, tokens int64) Backend {
	return func(context.Context, Request) (*Response, error) {
		return &Response{Content: "VOTE: ALLOW", TokensUsed: tokens, CostCents: cost}, nil
	}
}

func TestCallRequiresAPIKeyOrBackend(t *testing.T) {
	c := newTestClient(newFakeBudgetStore(), nil, 50000)

	_, err := c.Call(context.Background(), Request{}, CallOptions{})
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindAPIKeyNotConfigured, lerr.Kind)

	// A custom backend is an accepted auth seam.
	_, err = c.Call(context.Background(), Request{}, CallOptions{Backend: okBackend(10, 100)})
	assert.NoError(t, err)
}

func TestBudgetConcurrentReservationsNeverOverspend(t *testing.T) {
	store := newFakeBudgetStore()
	c := newTestClient(store, 30, 50000)
	workspaceID := uuid.New()

	const calls = 5
	var okCount, exceededCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), Request{}, CallOptions{
				WorkspaceID:        &workspaceID,
				Backend:            okBackend(10, 1000),
				EstimatedCostCents: 10,
			})
			if err == nil {
				okCount.Add(1)
				return
			}
			var lerr *Error
			if assert.ErrorAs(t, err, &lerr) {
				assert.Equal(t, KindBudgetExceeded, lerr.Kind)
			}
			exceededCount.Add(1)
		}()
	}
	wg.Wait()

	// cap 30, cost 10 → at most 3 may succeed.
	assert.LessOrEqual(t, okCount.Load(), int64(3))
	assert.Equal(t, int64(calls), okCount.Load()+exceededCount.Load())

	// After settle, the counter equals the sum of actual costs of the
	// successes.
	assert.Equal(t, okCount.Load()*10, store.total(workspaceID))
	assert.LessOrEqual(t, store.total(workspaceID), int64(30))
}

func TestBudgetReleasedOnFailure(t *testing.T) {
	store := newFakeBudgetStore()
	c := newTestClient(store, 100, 50000)
	workspaceID := uuid.New()

	failing := func(context.Context, Request) (*Response, error) {
		return nil, &Error{Kind: KindAPIError, Status: 400}
	}
	_, err := c.Call(context.Background(), Request{}, CallOptions{
		WorkspaceID: &workspaceID,
		Backend:     failing,
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), store.total(workspaceID))
}

func TestBudgetSettlesToActualCost(t *testing.T) {
	store := newFakeBudgetStore()
	c := newTestClient(store, 1000, 50000)
	workspaceID := uuid.New()

	_, err := c.Call(context.Background(), Request{}, CallOptions{
		WorkspaceID:        &workspaceID,
		Backend:            okBackend(3, 2500),
		EstimatedCostCents: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), store.total(workspaceID))
	assert.Equal(t, int64(2500), store.tokens[workspaceID])
}

func TestBudgetLimitFallsBackToDefault(t *testing.T) {
	store := newFakeBudgetStore()
	// Invalid setting value → default limit 25 applies.
	c := newTestClient(store, "not-a-number", 25)
	workspaceID := uuid.New()

	var okCount int
	for i := 0; i < 4; i++ {
		_, err := c.Call(context.Background(), Request{}, CallOptions{
			WorkspaceID:        &workspaceID,
			Backend:            okBackend(10, 0),
			EstimatedCostCents: 10,
		})
		if err == nil {
			okCount++
		}
	}
	assert.Equal(t, 2, okCount)
}

func TestRetryOnRetryableStatusThenSuccess(t *testing.T) {
	var attempts atomic.Int64
	backend := func(context.Context, Request) (*Response, error) {
		if attempts.Add(1) < 3 {
			return nil, &Error{Kind: KindAPIError, Status: 503}
		}
		return &Response{Content: "ok"}, nil
	}

	var slept []time.Duration
	c := newTestClient(newFakeBudgetStore(), nil, 50000)
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	c.randInt63n = func(n int64) int64 { return 0 } // jitter floor → +1ms

	resp, err := c.Call(context.Background(), Request{}, CallOptions{Backend: backend})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int64(3), attempts.Load())

	// base 1000ms: attempt 0 → 1000+1, attempt 1 → 2000+1.
	require.Len(t, slept, 2)
	assert.Equal(t, 1001*time.Millisecond, slept[0])
	assert.Equal(t, 2001*time.Millisecond, slept[1])
}

func TestRetryExhaustionSurfacesAPIError(t *testing.T) {
	var attempts atomic.Int64
	backend := func(context.Context, Request) (*Response, error) {
		attempts.Add(1)
		return nil, &Error{Kind: KindAPIError, Status: 429}
	}

	c := newTestClient(newFakeBudgetStore(), nil, 50000)
	_, err := c.Call(context.Background(), Request{}, CallOptions{Backend: backend})

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindAPIError, lerr.Kind)
	assert.Equal(t, 429, lerr.Status)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestNonRetryableErrorsFailFast(t *testing.T) {
	for _, kind := range []ErrorKind{KindTimeout, KindConnectionRefused, KindInvalidResponse, KindTransportError} {
		var attempts atomic.Int64
		backend := func(context.Context, Request) (*Response, error) {
			attempts.Add(1)
			return nil, &Error{Kind: kind}
		}
		c := newTestClient(newFakeBudgetStore(), nil, 50000)
		_, err := c.Call(context.Background(), Request{}, CallOptions{Backend: backend})

		var lerr *Error
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, kind, lerr.Kind)
		assert.Equal(t, int64(1), attempts.Load(), "kind %s must not retry", kind)
	}
}

func TestNonRetryableStatusFailsFast(t *testing.T) {
	var attempts atomic.Int64
	backend := func(context.Context, Request) (*Response, error) {
		attempts.Add(1)
		return nil, &Error{Kind: KindAPIError, Status: 400}
	}
	c := newTestClient(newFakeBudgetStore(), nil, 50000)
	_, err := c.Call(context.Background(), Request{}, CallOptions{Backend: backend})
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load())
}

func TestBackoffJitterBounds(t *testing.T) {
	c := NewClient("", nil, NewBudget(newFakeBudgetStore(), &fakeSettings{}, 1), 1000)
	for a := 0; a < 3; a++ {
		base := int64(1000) << uint(a)
		for i := 0; i < 20; i++ {
			d := c.backoff(a)
			ms := d.Milliseconds()
			assert.GreaterOrEqual(t, ms, base+1)
			assert.LessOrEqual(t, ms, base+base/2)
		}
	}
}
