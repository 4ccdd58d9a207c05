package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend returns a Backend over the Anthropic Messages API for
// the given key.
func AnthropicBackend(apiKey string) Backend {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return func(ctx context.Context, req Request) (*Response, error) {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model),
			MaxTokens: int64(req.MaxTokens),
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}
		if req.Temperature > 0 {
			params.Temperature = anthropic.Float(req.Temperature)
		}

		for _, m := range req.Messages {
			block := anthropic.NewTextBlock(m.Content)
			if m.Role == "assistant" {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
			} else {
				params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
			}
		}

		msg, err := client.Messages.New(ctx, params)
		if err != nil {
			return nil, classifyBackendError(err)
		}

		var sb strings.Builder
		for _, block := range msg.Content {
			sb.WriteString(block.Text)
		}

		tokens := msg.Usage.InputTokens + msg.Usage.OutputTokens
		return &Response{
			Content:    sb.String(),
			TokensUsed: tokens,
			CostCents:  estimateCostCents(tokens),
		}, nil
	}
}

// estimateCostCents converts token usage into minor currency units.
func estimateCostCents(tokens int64) int64 {
	return 1 + tokens/1000
}

// classifyBackendError maps transport and API failures onto the client's
// error taxonomy.
func classifyBackendError(err error) *Error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &Error{Kind: KindAPIError, Status: apierr.StatusCode, Err: err}
	}

	var jsonSyntaxErr *json.SyntaxError
	var jsonTypeErr *json.UnmarshalTypeError
	if errors.As(err, &jsonSyntaxErr) || errors.As(err, &jsonTypeErr) {
		return &Error{Kind: KindInvalidResponse, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: KindConnectionRefused, Err: err}
	}

	return &Error{Kind: KindTransportError, Err: err}
}
