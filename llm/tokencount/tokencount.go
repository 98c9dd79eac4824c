// Package tokencount estimates token usage for a ChatRequest before it is
// dispatched, for the orchestrator's fast-path compression-threshold check
// and the prompt-cache strategist's block sizing.
package tokencount

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corerun/corerun"
)

// Counter estimates the input token count a ChatRequest would consume.
type Counter interface {
	Count(ctx context.Context, req corerun.ChatRequest) (int, error)
}

// Heuristic approximates token count as chars/4, the same rough estimate
// Orchestrator uses internally. Used for model families with no exact
// counting endpoint, and as AnthropicCounter's fallback when the count-tokens
// call itself fails.
type Heuristic struct{}

func (Heuristic) Count(_ context.Context, req corerun.ChatRequest) (int, error) {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += len(tc.Args) / 4
		}
	}
	for _, t := range req.Tools {
		total += len(t.Parameters) / 4
	}
	return total, nil
}

// AnthropicCounter calls the Messages.CountTokens endpoint for an exact
// count against the same request shape that would be dispatched, falling
// back to Heuristic on any API error (counting is an optimization input,
// never a requirement for forward progress).
type AnthropicCounter struct {
	client   *sdk.Client
	fallback Counter
}

// NewAnthropicCounter builds a counter backed by apiKey's Anthropic account.
func NewAnthropicCounter(apiKey string) *AnthropicCounter {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicCounter{client: &c, fallback: Heuristic{}}
}

func (a *AnthropicCounter) Count(ctx context.Context, req corerun.ChatRequest) (int, error) {
	messages, system, err := encodeForCount(req.Messages)
	if err != nil {
		return a.fallback.Count(ctx, req)
	}
	params := sdk.MessageCountTokensParams{
		Model:    sdk.Model(req.Model),
		Messages: messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	result, err := a.client.Messages.CountTokens(ctx, params)
	if err != nil {
		return a.fallback.Count(ctx, req)
	}
	return int(result.InputTokens), nil
}

func encodeForCount(msgs []corerun.ChatMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0)
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, sdk.TextBlockParam{Text: m.Content})
			continue
		}
		if m.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		default:
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
	}
	return conversation, system, nil
}
