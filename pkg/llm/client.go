package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/telemetry"
)

// maxAttempts bounds retries per call.
const maxAttempts = 3

// Request is one chat-completion request. Caller-supplied event content is
// carried only in user-role messages — never concatenated into System.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message is one conversation turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Response is a completed chat completion.
type Response struct {
	Content    string
	TokensUsed int64
	CostCents  int64
}

// Backend is the opaque chat-completion function the client wraps. It
// returns *Error for classified failures.
type Backend func(ctx context.Context, req Request) (*Response, error)

// CallOptions configures one client call.
type CallOptions struct {
	// WorkspaceID enables budget enforcement when set.
	WorkspaceID *uuid.UUID
	// APIKey overrides the process-level key (per-workspace keys from the
	// LLMKeyStore land here).
	APIKey string
	// Backend overrides the default backend (test seam).
	Backend Backend
	// EstimatedCostCents is reserved before the call; defaults to
	// DefaultEstimatedCostCents.
	EstimatedCostCents int64
}

// Client wraps a backend factory with retry/backoff and budget
// enforcement.
type Client struct {
	processKey    string
	newBackend    func(apiKey string) Backend
	budget        *Budget
	baseBackoffMs int
	sleep         func(time.Duration)
	randInt63n    func(n int64) int64
}

// NewClient creates the client. processKey may be empty — calls then
// require a per-call key or a custom backend.
func NewClient(processKey string, newBackend func(apiKey string) Backend, budget *Budget, baseBackoffMs int) *Client {
	if baseBackoffMs <= 0 {
		baseBackoffMs = 1000
	}
	return &Client{
		processKey:    processKey,
		newBackend:    newBackend,
		budget:        budget,
		baseBackoffMs: baseBackoffMs,
		sleep:         time.Sleep,
		randInt63n:    rand.Int63n,
	}
}

// Call performs one chat completion with budget reservation and retry.
func (c *Client) Call(ctx context.Context, req Request, opts CallOptions) (*Response, error) {
	backend := opts.Backend
	if backend == nil {
		apiKey := opts.APIKey
		if apiKey == "" {
			apiKey = c.processKey
		}
		if apiKey == "" {
			telemetry.LLMCalls.WithLabelValues(string(KindAPIKeyNotConfigured)).Inc()
			return nil, &Error{Kind: KindAPIKeyNotConfigured}
		}
		backend = c.newBackend(apiKey)
	}

	estimated := opts.EstimatedCostCents
	if estimated <= 0 {
		estimated = DefaultEstimatedCostCents
	}

	if opts.WorkspaceID != nil {
		if err := c.budget.Reserve(ctx, *opts.WorkspaceID, estimated); err != nil {
			var lerr *Error
			if errors.As(err, &lerr) {
				telemetry.LLMCalls.WithLabelValues(string(lerr.Kind)).Inc()
			}
			return nil, err
		}
	}

	resp, err := c.attempt(ctx, backend, req)

	if opts.WorkspaceID != nil {
		if err != nil {
			c.budget.Release(ctx, *opts.WorkspaceID, estimated)
		} else {
			c.budget.Settle(ctx, *opts.WorkspaceID, estimated, resp.CostCents, resp.TokensUsed)
		}
	}

	if err != nil {
		var lerr *Error
		if errors.As(err, &lerr) {
			telemetry.LLMCalls.WithLabelValues(string(lerr.Kind)).Inc()
		}
		return nil, err
	}
	telemetry.LLMCalls.WithLabelValues("ok").Inc()
	return resp, nil
}

// attempt runs the backend with jittered exponential backoff. A retryable
// status on the final attempt surfaces as api_error.
func (c *Client) attempt(ctx context.Context, backend Backend, req Request) (*Response, error) {
	var lastErr *Error

	for a := 0; a < maxAttempts; a++ {
		resp, err := backend(ctx, req)
		if err == nil {
			return resp, nil
		}

		var lerr *Error
		if !errors.As(err, &lerr) {
			lerr = &Error{Kind: KindTransportError, Err: err}
		}
		lastErr = lerr

		if !retryable(lerr) || a == maxAttempts-1 {
			break
		}

		telemetry.LLMRetries.Inc()
		c.sleep(c.backoff(a))

		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
	}

	return nil, lastErr
}

// backoff computes the delay before retrying attempt a (0-indexed):
// base·2^a plus a uniform jitter in [1, max(base·2^a/2, 1)].
func (c *Client) backoff(a int) time.Duration {
	base := int64(c.baseBackoffMs) << uint(a)
	jitterSpan := base / 2
	if jitterSpan < 1 {
		jitterSpan = 1
	}
	jitter := 1 + c.randInt63n(jitterSpan)
	return time.Duration(base+jitter) * time.Millisecond
}
