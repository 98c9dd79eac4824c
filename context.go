package corerun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ContextConfig parameterises the context manager.
type ContextConfig struct {
	WorkingMemory int // messages kept uncompressed; default 18, per spec §4.7
	Model         string
}

func (c ContextConfig) withDefaults() ContextConfig {
	if c.WorkingMemory <= 0 {
		c.WorkingMemory = 18
	}
	return c
}

// CompressionFacts is the structured fact extraction spec §4.7 requires
// alongside the narrative summary.
type CompressionFacts struct {
	UserInfo struct {
		Name        string   `json:"name"`
		Role        string   `json:"role"`
		Preferences []string `json:"preferences"`
	} `json:"user_info"`
	Project struct {
		Name      string   `json:"name"`
		Type      string   `json:"type"`
		TechStack []string `json:"tech_stack"`
	} `json:"project"`
	Decisions   []string `json:"decisions"`
	Entities    []string `json:"entities"`
	CurrentGoal string   `json:"current_goal"`
}

// CompressionResult is the structured content of a thread_summary Message.
type CompressionResult struct {
	Summary              string           `json:"summary"`
	Facts                CompressionFacts `json:"facts"`
	CompressedCount      int              `json:"compressed_count"`
	CompressedMessageIDs []string         `json:"compressed_message_ids"`
}

const compressionSchemaJSON = `{
  "type": "object",
  "required": ["summary", "facts"],
  "properties": {
    "summary": {"type": "string"},
    "facts": {
      "type": "object",
      "properties": {
        "user_info": {
          "type": "object",
          "properties": {
            "name": {"type": "string"},
            "role": {"type": "string"},
            "preferences": {"type": "array", "items": {"type": "string"}}
          }
        },
        "project": {
          "type": "object",
          "properties": {
            "name": {"type": "string"},
            "type": {"type": "string"},
            "tech_stack": {"type": "array", "items": {"type": "string"}}
          }
        },
        "decisions": {"type": "array", "items": {"type": "string"}},
        "entities": {"type": "array", "items": {"type": "string"}},
        "current_goal": {"type": "string"}
      }
    }
  }
}`

var compressionSchema = compileCompressionSchema()

func compileCompressionSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(compressionSchemaJSON), &doc); err != nil {
		panic("context: invalid compression schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("compression.json", doc); err != nil {
		panic("context: compiling compression schema: " + err.Error())
	}
	schema, err := c.Compile("compression.json")
	if err != nil {
		panic("context: compiling compression schema: " + err.Error())
	}
	return schema
}

// ContextManager is C8: it decides when a thread's history has grown past
// its working-memory budget and, when it has, replaces the oldest messages
// with a single structured thread_summary via a cheap-model extraction call.
type ContextManager struct {
	provider Provider
	cfg      ContextConfig
	log      *slog.Logger
}

// NewContextManager builds a ContextManager. provider is used only for the
// (cheap-model) extraction call, never for the conversation's main turns.
func NewContextManager(provider Provider, cfg ContextConfig, log *slog.Logger) *ContextManager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ContextManager{provider: provider, cfg: cfg.withDefaults(), log: log}
}

// NeedsCompression applies the trigger rule: compress only if
// |messages| >= working_memory + 20 and no existing summary is present.
// Per the fast-path decision recorded in DESIGN.md, this is purely a
// function of message count / token estimate, never of turn index.
func (c *ContextManager) NeedsCompression(messages []Message) bool {
	if len(messages) < c.cfg.WorkingMemory+20 {
		return false
	}
	for _, m := range messages {
		if m.Type == MessageThreadSummary {
			return false
		}
	}
	return true
}

// Compress summarizes every message older than the working-memory window
// into one structured thread_summary via a single cheap-model call. On a
// provider error or schema-validation failure it degrades to a literal
// summary with empty facts rather than failing the turn: compression is a
// cost optimization, never a requirement for forward progress.
func (c *ContextManager) Compress(ctx context.Context, messages []Message) (CompressionResult, []string, error) {
	boundary := len(messages) - c.cfg.WorkingMemory
	if boundary <= 0 {
		return CompressionResult{}, nil, fmt.Errorf("context: nothing to compress: %d messages, working memory %d", len(messages), c.cfg.WorkingMemory)
	}
	old := messages[:boundary]

	var body []byte
	var oldIDs []string
	for _, m := range old {
		oldIDs = append(oldIDs, m.ID)
		body = append(body, m.Content...)
		body = append(body, '\n', '-', '-', '-', '\n')
	}

	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model: c.cfg.Model,
		Messages: []ChatMessage{
			SystemMessage(extractionPrompt),
			UserMessage(string(body)),
		},
		ResponseSchema: &ResponseSchema{Name: "thread_compression", Schema: json.RawMessage(compressionSchemaJSON)},
	})
	if err != nil {
		c.log.Warn("context: compression call failed, falling back to literal summary", "error", err)
		return literalFallback(old, oldIDs), oldIDs, nil
	}

	result, err := parseCompression(resp.Content)
	if err != nil {
		c.log.Warn("context: compression output failed schema validation, falling back", "error", err)
		return literalFallback(old, oldIDs), oldIDs, nil
	}
	result.CompressedCount = len(old)
	result.CompressedMessageIDs = oldIDs
	return result, oldIDs, nil
}

const extractionPrompt = `Summarize the conversation history below into a 500-800 word narrative ` +
	`plus structured facts. Preserve key decisions, entities, data values, and the user's ` +
	`current goal. Respond with JSON matching the provided schema exactly.`

func parseCompression(content string) (CompressionResult, error) {
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return CompressionResult{}, fmt.Errorf("context: unmarshal compression output: %w", err)
	}
	if err := compressionSchema.Validate(doc); err != nil {
		return CompressionResult{}, fmt.Errorf("context: compression output failed schema validation: %w", err)
	}
	var result CompressionResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return CompressionResult{}, fmt.Errorf("context: decode compression output: %w", err)
	}
	return result, nil
}

func literalFallback(old []Message, ids []string) CompressionResult {
	var body []byte
	for _, m := range old {
		body = append(body, m.Content...)
		body = append(body, '\n')
	}
	return CompressionResult{
		Summary:              truncateRunes(string(body), 800),
		CompressedCount:       len(old),
		CompressedMessageIDs:  ids,
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// EstimateTokensSaved implements spec §4.7's savings estimate:
// sum(len(old content))/4 - len(summary)/4 - 500.
func EstimateTokensSaved(old []Message, summary string) int {
	var oldLen int
	for _, m := range old {
		oldLen += len(m.Content)
	}
	saved := oldLen/4 - len(summary)/4 - 500
	if saved < 0 {
		return 0
	}
	return saved
}

// MaterializeSummary renders a persisted thread_summary Message as an
// inline user-visible block placed before the working memory window, so the
// model treats prior context as conversation history rather than a system
// instruction (spec §4.7).
func MaterializeSummary(m Message) (ChatMessage, error) {
	var result CompressionResult
	if err := json.Unmarshal(m.Content, &result); err != nil {
		return ChatMessage{}, fmt.Errorf("context: materialize summary %s: %w", m.ID, err)
	}
	return UserMessage("[Earlier conversation summary]\n" + result.Summary), nil
}
