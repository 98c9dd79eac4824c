// Package openai implements corerun.Provider on top of the OpenAI Chat
// Completions API via the official openai-go SDK.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/corerun/corerun"
)

// Options configures the provider.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Provider implements corerun.Provider via OpenAI's Chat Completions API.
type Provider struct {
	client openai.Client
	opts   Options
}

// NewProvider builds a Provider from an API key.
func NewProvider(apiKey string, opts Options) *Provider {
	return &Provider{client: openai.NewClient(option.WithAPIKey(apiKey)), opts: opts}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Chat(ctx context.Context, req corerun.ChatRequest) (corerun.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return corerun.ChatResponse{}, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return corerun.ChatResponse{}, classify(err)
	}
	return translateCompletion(resp), nil
}

func (p *Provider) ChatStream(ctx context.Context, req corerun.ChatRequest, ch chan<- string) (corerun.ChatResponse, error) {
	defer close(ch)
	params, err := p.buildParams(req)
	if err != nil {
		return corerun.ChatResponse{}, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	var out corerun.ChatResponse
	var textBuf strings.Builder
	toolCalls := make(map[int64]*corerun.ToolCall)
	toolArgs := make(map[int64]*strings.Builder)

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			textBuf.WriteString(choice.Delta.Content)
			select {
			case ch <- choice.Delta.Content:
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index
			if _, ok := toolCalls[idx]; !ok {
				toolCalls[idx] = &corerun.ToolCall{ID: tc.ID, Name: tc.Function.Name, Index: int(idx)}
				toolArgs[idx] = &strings.Builder{}
			}
			if tc.Function.Arguments != "" {
				toolArgs[idx].WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			out.FinishReason = mapFinishReason(choice.FinishReason)
		}
		if chunk.Usage.TotalTokens > 0 {
			out.Usage.InputTokens = int(chunk.Usage.PromptTokens)
			out.Usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return out, classify(err)
	}
	for idx, tc := range toolCalls {
		raw := strings.TrimSpace(toolArgs[idx].String())
		if raw == "" {
			raw = "{}"
		}
		tc.Args = json.RawMessage(raw)
		out.ToolCalls = append(out.ToolCalls, *tc)
	}
	out.Content = textBuf.String()
	return out, nil
}

func (p *Provider) buildParams(req corerun.ChatRequest) (openai.ChatCompletionNewParams, error) {
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
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
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}

func encodeMessages(msgs []corerun.ChatMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "user":
			out = append(out, openai.UserMessage(m.Content))
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return nil, errors.New("openai: unsupported role " + m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []corerun.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if len(def.Parameters) > 0 {
			_ = json.Unmarshal(def.Parameters, &schema)
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  schema,
			},
		})
	}
	return out
}

func translateCompletion(resp *openai.ChatCompletion) corerun.ChatResponse {
	var out corerun.ChatResponse
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		out.FinishReason = mapFinishReason(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, corerun.ToolCall{
				ID: tc.ID, Name: tc.Function.Name, Args: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	out.Usage = corerun.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return out
}

func mapFinishReason(reason string) corerun.FinishReason {
	switch reason {
	case "stop":
		return corerun.FinishStop
	case "length":
		return corerun.FinishLength
	case "tool_calls":
		return corerun.FinishToolCalls
	default:
		return corerun.FinishStop
	}
}

// classify wraps an SDK error as transient when it carries a retryable HTTP
// status (429, or any 5xx), so Orchestrator.dispatch routes around it.
func classify(err error) error {
	var aerr *openai.Error
	if errors.As(err, &aerr) {
		if aerr.StatusCode == 429 || aerr.StatusCode >= 500 {
			return corerun.Classify(err, corerun.KindTransient)
		}
		return corerun.Classify(err, corerun.KindValidation)
	}
	return corerun.Classify(err, corerun.KindTransient)
}
