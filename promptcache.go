package corerun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/corerun/corerun/relstore"
)

// CacheProfile is a model family's prompt-caching constraints, per spec §4.8.
type CacheProfile struct {
	MaxBlocks     int // maximum simultaneous cache-control markers
	MinBlockChars int // markers on content shorter than this are rejected
}

// anthropicCacheProfile implements Anthropic-style limits: up to 4 cache
// blocks, and a floor below which caching a block wastes more on the write
// than it saves on the read.
var anthropicCacheProfile = CacheProfile{MaxBlocks: 4, MinBlockChars: 1024}

// noCacheProfile is used for backends with no explicit cache-control markers
// (e.g. providers that cache automatically); Plan is a no-op for these.
var noCacheProfile = CacheProfile{MaxBlocks: 0, MinBlockChars: 0}

func profileFor(model string) CacheProfile {
	// Model-name prefix routing mirrors the rest of the codebase's
	// per-model dispatch (llm/ provider selection); extend here as new
	// families are added.
	if len(model) >= 6 && model[:6] == "claude" {
		return anthropicCacheProfile
	}
	return noCacheProfile
}

// PromptCacheStrategist is C9: it marks stable message prefixes with
// provider cache-control so repeated turns reuse cached prompt tokens,
// recomputing the cut points only when the thread's cache-rebuild flag is
// set (after compression), when no layout hash is stored yet, or when the
// current messages' layout hash differs from the stored one.
type PromptCacheStrategist struct {
	store relstore.Store
}

// NewPromptCacheStrategist builds a strategist backed by store, which holds
// each thread's persisted cache-rebuild flag and layout hash.
func NewPromptCacheStrategist(store relstore.Store) *PromptCacheStrategist {
	return &PromptCacheStrategist{store: store}
}

// Plan applies cache-control markers to messages for model, consulting and
// then clearing the thread's rebuild flag. It returns a marked copy and
// leaves the input slice unchanged (a model with no cache profile gets the
// input back as is).
func (p *PromptCacheStrategist) Plan(ctx context.Context, threadID, model string, messages []ChatMessage) ([]ChatMessage, error) {
	profile := profileFor(model)
	if profile.MaxBlocks == 0 {
		return messages, nil
	}

	th, err := p.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("promptcache: load thread %s: %w", threadID, err)
	}

	hash := layoutHash(messages, profile)
	rebuild := th.CacheRebuild || th.CacheHash == "" || th.CacheHash != hash
	if !rebuild {
		// Cut points unchanged since the last turn; re-apply the same
		// markers (message identity/ordering drives placement, so this is
		// deterministic) without recomputation.
		return applyBlocks(messages, profile), nil
	}

	planned := applyBlocks(messages, profile)
	if err := Validate(planned, profile); err != nil {
		return nil, err
	}
	if err := p.store.SetThreadCacheState(ctx, threadID, hash, false); err != nil {
		return nil, fmt.Errorf("promptcache: persist layout for thread %s: %w", threadID, err)
	}
	return planned, nil
}

// MarkRebuild flags threadID for cache-layout recomputation on its next
// turn: called after compression (message boundaries shifted).
func (p *PromptCacheStrategist) MarkRebuild(ctx context.Context, threadID string) error {
	return p.store.SetThreadCacheState(ctx, threadID, "", true)
}

// applyBlocks marks up to profile.MaxBlocks stable prefixes: the system
// message (if present) and, for long histories, the oldest eligible
// non-volatile messages, preferring the earliest (most stable) content
// first since later messages are more likely to still change next turn.
func applyBlocks(messages []ChatMessage, profile CacheProfile) []ChatMessage {
	out := make([]ChatMessage, len(messages))
	copy(out, messages)

	marked := 0
	for i := range out {
		if marked >= profile.MaxBlocks {
			break
		}
		if out[i].Role == "tool" {
			// Volatile: tool results vary call to call and are never a
			// stable prefix candidate.
			continue
		}
		if len(out[i].Content) < profile.MinBlockChars {
			continue
		}
		out[i].CacheControl = &CacheControl{Type: "ephemeral"}
		marked++
	}
	return out
}

// Validate rejects a prepared message slice that violates profile's limits:
// more markers than the provider allows, a marker on a too-small block, or
// a marker on volatile (tool) content.
func Validate(messages []ChatMessage, profile CacheProfile) error {
	count := 0
	for i, m := range messages {
		if m.CacheControl == nil {
			continue
		}
		count++
		if count > profile.MaxBlocks {
			return fmt.Errorf("promptcache: %d cache blocks exceeds provider maximum %d", count, profile.MaxBlocks)
		}
		if len(m.Content) < profile.MinBlockChars {
			return fmt.Errorf("promptcache: message %d marked cacheable at %d chars, below minimum %d", i, len(m.Content), profile.MinBlockChars)
		}
		if m.Role == "tool" {
			return fmt.Errorf("promptcache: message %d marked cacheable but role %q is volatile", i, m.Role)
		}
	}
	return nil
}

// layoutHash identifies the cut points a given message slice would produce
// under profile, so Plan can detect when the underlying history has
// shifted (new messages appended, compression ran) without persisting the
// full prefix.
func layoutHash(messages []ChatMessage, profile CacheProfile) string {
	h := sha256.New()
	fmt.Fprintf(h, "blocks=%d min=%d n=%d", profile.MaxBlocks, profile.MinBlockChars, len(messages))
	for _, m := range messages {
		fmt.Fprintf(h, "|%s:%d", m.Role, len(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
