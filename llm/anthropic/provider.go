// Package anthropic implements corerun.Provider on top of the Anthropic
// Messages API, translating ChatRequest/ChatResponse to and from the
// anthropic-sdk-go request/response types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corerun/corerun"
)

// Options configures the provider.
type Options struct {
	MaxTokens   int     // default completion cap when ChatRequest carries none
	Temperature float64 // default sampling temperature
}

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	return o
}

// Provider implements corerun.Provider via the Anthropic Messages API.
type Provider struct {
	client *sdk.Client
	opts   Options
}

// NewProvider builds a Provider from an API key.
func NewProvider(apiKey string, opts Options) *Provider {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: &c, opts: opts.withDefaults()}
}

func (p *Provider) Name() string { return "anthropic" }

// Chat sends req as a single non-streaming Messages.New call.
func (p *Provider) Chat(ctx context.Context, req corerun.ChatRequest) (corerun.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return corerun.ChatResponse{}, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return corerun.ChatResponse{}, classify(err)
	}
	return translateMessage(msg), nil
}

// ChatStream streams text deltas onto ch, returning the accumulated final
// response once the stream completes.
func (p *Provider) ChatStream(ctx context.Context, req corerun.ChatRequest, ch chan<- string) (corerun.ChatResponse, error) {
	defer close(ch)
	params, err := p.buildParams(req)
	if err != nil {
		return corerun.ChatResponse{}, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	var out corerun.ChatResponse
	var textBuf strings.Builder
	toolArgs := make(map[int]*strings.Builder)
	toolMeta := make(map[int]corerun.ToolCall)

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				idx := int(ev.Index)
				toolArgs[idx] = &strings.Builder{}
				toolMeta[idx] = corerun.ToolCall{ID: tu.ID, Name: tu.Name, Index: idx}
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch d := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if d.Text != "" {
					textBuf.WriteString(d.Text)
					select {
					case ch <- d.Text:
					case <-ctx.Done():
						return out, ctx.Err()
					}
				}
			case sdk.InputJSONDelta:
				if b, ok := toolArgs[idx]; ok {
					b.WriteString(d.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if b, ok := toolArgs[idx]; ok {
				tc := toolMeta[idx]
				raw := strings.TrimSpace(b.String())
				if raw == "" {
					raw = "{}"
				}
				tc.Args = json.RawMessage(raw)
				out.ToolCalls = append(out.ToolCalls, tc)
				delete(toolArgs, idx)
			}
		case sdk.MessageDeltaEvent:
			out.FinishReason = mapStopReason(string(ev.Delta.StopReason))
			out.Usage.InputTokens += int(ev.Usage.InputTokens)
			out.Usage.OutputTokens += int(ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return out, classify(err)
	}
	out.Content = textBuf.String()
	return out, nil
}

func (p *Provider) buildParams(req corerun.ChatRequest) (sdk.MessageNewParams, error) {
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := p.opts.MaxTokens
	temp := p.opts.Temperature
	if gp := req.GenerationParams; gp != nil {
		if gp.MaxTokens > 0 {
			maxTokens = gp.MaxTokens
		}
		if gp.Temperature != nil {
			temp = *gp.Temperature
		}
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(msgs []corerun.ChatMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0)

	for _, m := range msgs {
		if m.Role == "system" {
			block := sdk.TextBlockParam{Text: m.Content}
			if m.CacheControl != nil {
				block.CacheControl = sdk.NewCacheControlEphemeralParam()
			}
			system = append(system, block)
			continue
		}

		var blocks []sdk.ContentBlockParamUnion
		switch m.Role {
		case "tool":
			blocks = append(blocks, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		default:
			if m.Content != "" {
				tb := sdk.NewTextBlock(m.Content)
				if m.CacheControl != nil && tb.OfText != nil {
					tb.OfText.CacheControl = sdk.NewCacheControlEphemeralParam()
				}
				blocks = append(blocks, tb)
			}
			for _, tc := range m.ToolCalls {
				var args any
				_ = json.Unmarshal(tc.Args, &args)
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case "user", "tool":
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func encodeTools(defs []corerun.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schemaFields map[string]any
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schemaFields); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func translateMessage(msg *sdk.Message) corerun.ChatResponse {
	var out corerun.ChatResponse
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, corerun.ToolCall{
				ID: block.ID, Name: block.Name, Args: json.RawMessage(block.Input),
			})
		}
	}
	out.Content = text.String()
	out.Usage = corerun.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	out.FinishReason = mapStopReason(string(msg.StopReason))
	return out
}

func mapStopReason(reason string) corerun.FinishReason {
	switch reason {
	case "end_turn":
		return corerun.FinishEndTurn
	case "max_tokens":
		return corerun.FinishLength
	case "tool_use":
		return corerun.FinishToolCalls
	case "stop_sequence":
		return corerun.FinishStop
	default:
		return corerun.FinishStop
	}
}

// classify wraps an SDK error as transient when it carries a retryable HTTP
// status (429, or any 5xx — including the overloaded_error response
// Anthropic returns under load), so Orchestrator.dispatch routes around it.
func classify(err error) error {
	var aerr *sdk.Error
	if errors.As(err, &aerr) {
		if aerr.StatusCode == 429 || aerr.StatusCode >= 500 {
			return corerun.Classify(err, corerun.KindTransient)
		}
		return corerun.Classify(err, corerun.KindValidation)
	}
	return corerun.Classify(err, corerun.KindTransient)
}
