package corerun

import "context"

// Provider abstracts an LLM backend (Anthropic, OpenAI, or any other
// chat-completions API), per spec §6 "LLM backend contract". Tool
// definitions travel inside ChatRequest.Tools rather than as a separate
// parameter, so a single Chat method covers both tool-free and tool-using
// calls.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams incremental text into ch as it arrives, then
	// returns the final accumulated response (content, tool calls, usage).
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name identifies the backend for logging and model-routing decisions
	// (e.g. "anthropic", "openai").
	Name() string
}
