package corerun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corerun/corerun/kv"
	"github.com/corerun/corerun/relstore"
)

// OrchestratorConfig parameterises C7.
type OrchestratorConfig struct {
	DefaultModel string
	VisionModel  string // substituted in when the thread carries images but DefaultModel can't see
	// ContextWindows maps a model name to its total context window, used by
	// the fast-path compression-threshold formula. Models absent from this
	// map fall back to DefaultContextWindow.
	ContextWindows       map[string]int
	DefaultContextWindow int
	MaxToolResultChars   int // tool results longer than this are truncated before re-entering history
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.DefaultContextWindow <= 0 {
		c.DefaultContextWindow = 200_000
	}
	if c.MaxToolResultChars <= 0 {
		c.MaxToolResultChars = 8000
	}
	return c
}

// ImageURLRefresher re-signs or re-fetches attachment URLs embedded in
// history that have since expired (e.g. a time-limited object-store link).
// A nil Refresher on Orchestrator means step 5's refresh is a no-op.
type ImageURLRefresher interface {
	Refresh(ctx context.Context, messages []ChatMessage) ([]ChatMessage, error)
}

// Orchestrator is C7: the per-turn pipeline that assembles LLM input from
// persisted history, dispatches it to a Provider, and turns the response
// into PendingWrites queued through the write buffer. spec §4.5 describes
// its eleven steps; RunTurn implements exactly one pass, and the
// auto-continue controller (autocontinue.go) drives repeated passes.
type Orchestrator struct {
	store    relstore.Store
	kv       kv.Store
	wb       *WriteBuffer
	tools    *ToolRegistry
	provider Provider // primary route
	fallback Provider // used when provider reports a classified overload
	ctxMgr   *ContextManager
	cache    *PromptCacheStrategist
	refresher ImageURLRefresher
	tracer   Tracer
	log      *slog.Logger
	cfg      OrchestratorConfig
}

// NewOrchestrator builds an Orchestrator. fallback and refresher may be nil.
func NewOrchestrator(store relstore.Store, kvStore kv.Store, wb *WriteBuffer, tools *ToolRegistry, provider, fallback Provider, ctxMgr *ContextManager, cache *PromptCacheStrategist, refresher ImageURLRefresher, tracer Tracer, cfg OrchestratorConfig, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		store: store, kv: kvStore, wb: wb, tools: tools,
		provider: provider, fallback: fallback,
		ctxMgr: ctxMgr, cache: cache, refresher: refresher,
		tracer: tracer, log: log, cfg: cfg.withDefaults(),
	}
}

const (
	controlCancelValue = "CANCEL"
)

func controlKey(runID string) string { return "agent_run:" + runID + ":control" }

// CancelRun sets runID's control signal to request cooperative cancellation;
// the orchestrator observes it at the top of its next RunTurn (step 1).
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	return o.kv.Set(ctx, controlKey(runID), controlCancelValue, 24*time.Hour)
}

func (o *Orchestrator) isCancelled(ctx context.Context, runID string) bool {
	v, err := o.kv.Get(ctx, controlKey(runID))
	return err == nil && v == controlCancelValue
}

// TurnInput is everything RunTurn needs for a single pass through the
// per-turn pipeline.
type TurnInput struct {
	RunID, AccountID, ThreadID string
	Model                      string
	SystemPrompt               string
	// UserMessage is the new user message on the turn that starts a run; nil
	// on every subsequent auto-continue iteration of the same run.
	UserMessage *Message
	// Pending carries this run's own not-yet-flushed writes (tool results
	// from the previous iteration, most recently) so the next iteration
	// sees them even though the write buffer hasn't flushed them to the
	// relational store yet.
	Pending              []Message
	MemoryContextTokens  int  // only meaningful on the thread's first turn
	ForceToolFallback    bool // strips all tool content before dispatch (tool-pairing retry)
	ForceRecalc          bool // re-runs compression even if the fast path would otherwise skip it
}

// TurnOutput is RunTurn's result: the dispatched response plus the messages
// it produced, ready to be queued through the write buffer by the caller
// (normally the auto-continue controller).
type TurnOutput struct {
	Response      ChatResponse
	Produced      []Message
	Halted        bool   // true if step 1 observed cancellation
	HaltedStatus  string // status event reason, set when Halted
}

// RunTurn executes spec §4.5's eleven-step pipeline once.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "orchestrator.run_turn", StringAttr("run_id", in.RunID))
		defer span.End()
	}

	// Step 1: cancellation check.
	if o.isCancelled(ctx, in.RunID) {
		return TurnOutput{Halted: true, HaltedStatus: "cancelled"}, nil
	}

	// Steps 3-5 run concurrently: tool-schema fetch, the previous turn's
	// llm_response_end record (for the fast-path token estimate), and the
	// thread's message history.
	var toolDefs []ToolDefinition
	var lastResponseEnd *Message
	var history []Message
	g, gctx := errgroup.WithContext(ctx)
	if o.tools != nil {
		g.Go(func() error {
			toolDefs = o.tools.Definitions()
			return nil
		})
	}
	g.Go(func() error {
		msgs, err := o.store.GetMessages(gctx, in.ThreadID, 0, 10_000)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		history = msgs
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Type == MessageLLMResponseEnd {
				m := msgs[i]
				lastResponseEnd = &m
				break
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return TurnOutput{}, fmt.Errorf("orchestrator: %w", err)
	}

	// Step 2: model selection — fall back to the vision model if the thread
	// carries images the selected model can't see.
	model := in.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	if o.cfg.VisionModel != "" && model != o.cfg.VisionModel && threadHasImages(history) {
		model = o.cfg.VisionModel
	}

	// Step 4: fast-path token estimate.
	prevTokens := 0
	if lastResponseEnd != nil {
		var rec llmResponseEndContent
		if err := json.Unmarshal(lastResponseEnd.Content, &rec); err == nil {
			prevTokens = rec.TotalTokens
		}
	}
	newText := ""
	if in.UserMessage != nil {
		newText = string(in.UserMessage.Content)
	}
	newTokens := estimateTokens(newText)
	estimate := prevTokens + newTokens
	if prevTokens == 0 {
		estimate += in.MemoryContextTokens
	}
	window := o.cfg.ContextWindows[model]
	if window <= 0 {
		window = o.cfg.DefaultContextWindow
	}
	needCompression := in.ForceRecalc || estimate >= compressionThreshold(window)

	history = append(history, in.Pending...)
	if in.UserMessage != nil {
		history = append(history, *in.UserMessage)
	}

	// Step 5: refresh expired image URLs in the message set.
	chatMsgs, err := messagesToChat(history, o.cfg.MaxToolResultChars)
	if err != nil {
		return TurnOutput{}, fmt.Errorf("orchestrator: convert history: %w", err)
	}
	if o.refresher != nil {
		chatMsgs, err = o.refresher.Refresh(ctx, chatMsgs)
		if err != nil {
			o.log.Warn("orchestrator: image URL refresh failed, continuing with stale URLs", "run_id", in.RunID, "error", err)
		}
	}

	var produced []Message

	// Step 6: context compression (C8).
	if needCompression && o.ctxMgr != nil && o.ctxMgr.NeedsCompression(history) {
		result, compressedIDs, err := o.ctxMgr.Compress(ctx, history)
		if err != nil {
			o.log.Warn("orchestrator: compression failed, proceeding uncompressed", "run_id", in.RunID, "error", err)
		} else {
			body, _ := json.Marshal(result)
			summaryMsg := Message{
				ID: NewID(), ThreadID: in.ThreadID, Type: MessageThreadSummary,
				Content: body, CreatedAt: NowUnix(),
			}
			produced = append(produced, summaryMsg)
			for _, id := range compressedIDs {
				t := true
				o.wb.Append(in.RunID, in.ThreadID, in.AccountID, PendingWrite{
					Kind: WriteMessageUpdate, RunID: in.RunID,
					Update:    &MessageUpdate{MessageID: id, Omitted: &t},
					CreatedAt: NowUnix(),
				})
			}
			summaryChat, err := MaterializeSummary(summaryMsg)
			if err == nil {
				chatMsgs = rebuildWithSummary(chatMsgs, history, summaryChat, o.ctxMgr.cfg.WorkingMemory, o.cfg.MaxToolResultChars)
			}
		}
	}

	// Step 7: prompt cache assembly (C9).
	if o.cache != nil {
		planned, err := o.cache.Plan(ctx, in.ThreadID, model, chatMsgs)
		if err != nil {
			o.log.Warn("orchestrator: prompt cache planning failed, proceeding uncached", "run_id", in.RunID, "error", err)
		} else {
			chatMsgs = planned
		}
	}

	// Step 8: tool-call pairing validation & repair.
	chatMsgs, asyncUpdates := repairToolPairing(chatMsgs, in.ForceToolFallback)
	for _, u := range asyncUpdates {
		// Out-of-order repair updates are awaited, not fire-and-forgotten:
		// a reader racing the write buffer's flush must never observe a
		// tool message whose paired call was already stripped.
		if err := o.store.ApplyMessageUpdate(ctx, u); err != nil {
			o.log.Warn("orchestrator: tool-pairing repair update failed", "run_id", in.RunID, "message_id", u.MessageID, "error", err)
		}
	}

	// Step 9: late compression guard.
	if !needCompression {
		recount := 0
		for _, m := range chatMsgs {
			recount += estimateTokens(m.Content)
		}
		if recount >= compressionThreshold(window) && o.ctxMgr != nil {
			result, compressedIDs, err := o.ctxMgr.Compress(ctx, history)
			if err == nil {
				body, _ := json.Marshal(result)
				summaryMsg := Message{ID: NewID(), ThreadID: in.ThreadID, Type: MessageThreadSummary, Content: body, CreatedAt: NowUnix()}
				produced = append(produced, summaryMsg)
				summaryChat, mErr := MaterializeSummary(summaryMsg)
				if mErr == nil {
					chatMsgs = rebuildWithSummary(chatMsgs, history, summaryChat, o.ctxMgr.cfg.WorkingMemory, o.cfg.MaxToolResultChars)
				}
			}
		}
	}

	req := ChatRequest{Messages: chatMsgs, Tools: toolDefs, Model: model}

	// Step 10/11: dispatch and (for now) non-streaming response processing;
	// ProcessStream below handles the streaming variant for callers that
	// supply a channel.
	resp, err := o.dispatch(ctx, req)
	if err != nil {
		return TurnOutput{Produced: produced}, err
	}

	assistantMsg := Message{
		ID: NewID(), ThreadID: in.ThreadID, Type: MessageAssistant,
		Content: mustJSON(resp.Content), ToolCalls: resp.ToolCalls, CreatedAt: NowUnix(),
	}
	produced = append(produced, assistantMsg)

	endMsg := Message{
		ID: NewID(), ThreadID: in.ThreadID, Type: MessageLLMResponseEnd,
		Content: mustJSON(llmResponseEndContent{TotalTokens: resp.Usage.InputTokens + resp.Usage.OutputTokens}),
		CreatedAt: NowUnix(),
	}
	produced = append(produced, endMsg)

	if o.cache != nil && len(compressedSummaryIn(produced)) > 0 {
		_ = o.cache.MarkRebuild(ctx, in.ThreadID)
	}
	if err := o.store.TouchThread(ctx, in.ThreadID, NowUnix()); err != nil {
		o.log.Warn("orchestrator: touch thread failed", "thread_id", in.ThreadID, "error", err)
	}

	return TurnOutput{Response: resp, Produced: produced}, nil
}

// dispatch calls the primary provider, switching to the fallback route and
// retrying once if the primary reports a transient overload.
func (o *Orchestrator) dispatch(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	resp, err := o.provider.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if o.fallback != nil && KindOf(err) == KindTransient {
		return o.fallback.Chat(ctx, req)
	}
	return ChatResponse{}, err
}

// Tools returns the orchestrator's registry, so the auto-continue
// controller can execute the tool calls a turn's response announces.
func (o *Orchestrator) Tools() *ToolRegistry { return o.tools }

// ProcessStream is step 11 for the streaming path: it forwards chunks from
// the provider's ChatStream onto ch while tracking usage, returning once the
// stream completes.
func (o *Orchestrator) ProcessStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	return o.provider.ChatStream(ctx, req, ch)
}

// --- helpers ---

type llmResponseEndContent struct {
	TotalTokens int `json:"total_tokens"`
}

func threadHasImages(history []Message) bool {
	for _, m := range history {
		if m.Type == MessageImageContext {
			return true
		}
	}
	return false
}

// estimateTokens applies the same rough chars/4 heuristic used by
// EstimateTokensSaved, kept consistent across the codebase's token math.
func estimateTokens(s string) int {
	return len(s) / 4
}

// compressionThreshold implements spec §4.5 step 4's piecewise formula.
func compressionThreshold(window int) int {
	switch {
	case window < 100_000:
		return int(0.84 * float64(window))
	case window < 200_000:
		return window - 16_000
	case window < 400_000:
		return window - 32_000
	case window < 1_000_000:
		return window - 64_000
	default:
		return window - 300_000
	}
}

func messagesToChat(history []Message, maxToolResultChars int) ([]ChatMessage, error) {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Omitted {
			continue
		}
		switch m.Type {
		case MessageStatus, MessageLLMResponseEnd, MessageImageContext:
			continue
		case MessageThreadSummary:
			cm, err := MaterializeSummary(m)
			if err != nil {
				return nil, err
			}
			out = append(out, cm)
		case MessageUser:
			out = append(out, ChatMessage{Role: "user", Content: contentString(m.Content), MessageID: m.ID})
		case MessageAssistant:
			out = append(out, ChatMessage{Role: "assistant", Content: contentString(m.Content), ToolCalls: m.ToolCalls, MessageID: m.ID})
		case MessageTool:
			out = append(out, ChatMessage{Role: "tool", Content: truncateToolResult(contentString(m.Content), maxToolResultChars), ToolCallID: m.ToolCallID, MessageID: m.ID})
		}
	}
	return out, nil
}

func contentString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func compressedSummaryIn(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == MessageThreadSummary {
			out = append(out, m)
		}
	}
	return out
}

// rebuildWithSummary replaces the compressed prefix of chatMsgs with a
// single materialized summary message, keeping the uncompressed
// working-memory window (the last workingMemory original messages) intact.
func rebuildWithSummary(chatMsgs []ChatMessage, history []Message, summary ChatMessage, workingMemory, maxToolResultChars int) []ChatMessage {
	if len(history) <= workingMemory {
		return chatMsgs
	}
	kept := history[len(history)-workingMemory:]
	keptChat, err := messagesToChat(kept, maxToolResultChars)
	if err != nil {
		return chatMsgs
	}
	out := make([]ChatMessage, 0, len(keptChat)+1)
	out = append(out, summary)
	out = append(out, keptChat...)
	return out
}

// repairToolPairing implements spec §4.5 step 8. It returns the repaired
// message slice plus any MessageUpdate writes the out-of-order case
// requires its caller to apply (and await) before the turn proceeds.
func repairToolPairing(messages []ChatMessage, forceFallback bool) ([]ChatMessage, []MessageUpdate) {
	if forceFallback {
		return stripAllToolContent(messages), nil
	}

	var updates []MessageUpdate
	calledIDs := make(map[string]int) // tool_call id -> index of announcing assistant message
	for i, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, tc := range m.ToolCalls {
			calledIDs[tc.ID] = i
		}
	}

	answered := make(map[string]bool)
	out := make([]ChatMessage, 0, len(messages))
	for i, m := range messages {
		if m.Role != "tool" {
			out = append(out, m)
			continue
		}
		callIdx, called := calledIDs[m.ToolCallID]
		switch {
		case !called:
			// Orphaned: a result with no preceding call anywhere in history.
			continue
		case callIdx > i:
			// Out-of-order: the result appears before its call. Drop the
			// result now; the announcing assistant message's ToolCalls are
			// pruned by the unanswered pass below once its id is absent
			// from answered. Queue an async repair of the stored rows.
			updates = append(updates,
				MessageUpdate{MessageID: messages[i].MessageID, Omitted: boolPtr(true)},
				MessageUpdate{MessageID: messages[callIdx].MessageID, StripToolCalls: true},
			)
			continue
		default:
			answered[m.ToolCallID] = true
			out = append(out, m)
		}
	}

	// Unanswered: strip any tool_call from an assistant message whose id
	// never appears in answered.
	for i, m := range out {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		kept := m.ToolCalls[:0]
		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				kept = append(kept, tc)
			}
		}
		out[i].ToolCalls = kept
	}

	if hasUnpairedContent(out) {
		out = stripAllToolContent(out)
	}
	return out, updates
}

func hasUnpairedContent(messages []ChatMessage) bool {
	calls := make(map[string]bool)
	for _, m := range messages {
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				calls[tc.ID] = true
			}
		}
	}
	for _, m := range messages {
		if m.Role == "tool" && !calls[m.ToolCallID] {
			return true
		}
	}
	return false
}

func stripAllToolContent(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "tool" {
			continue
		}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			m.ToolCalls = nil
		}
		out = append(out, m)
	}
	return out
}

// truncateToolResult bounds a tool result's content before it re-enters
// history, per spec §4.5's note on step 11 producing write-buffer messages.
func truncateToolResult(content string, max int) string {
	if len(content) <= max {
		return content
	}
	return content[:max] + strings.TrimSpace("\n...[truncated]")
}
