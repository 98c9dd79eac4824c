package corerun

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeProvider struct {
	resp ChatResponse
	err  error
}

func (f *fakeProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	return f.resp, f.err
}

func (f *fakeProvider) ChatStream(_ context.Context, _ ChatRequest, _ chan<- string) (ChatResponse, error) {
	return f.resp, f.err
}

func (f *fakeProvider) Name() string { return "fake" }

func messagesOfLen(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{ID: NewID(), Sequence: int64(i), Type: MessageUser, Content: json.RawMessage(`"hello"`)}
	}
	return msgs
}

func TestNeedsCompressionTriggerRule(t *testing.T) {
	cm := NewContextManager(&fakeProvider{}, ContextConfig{WorkingMemory: 18}, nil)

	if cm.NeedsCompression(messagesOfLen(37)) {
		t.Error("37 messages (< 18+20) should not trigger compression")
	}
	if !cm.NeedsCompression(messagesOfLen(38)) {
		t.Error("38 messages (== 18+20) should trigger compression")
	}
}

func TestNeedsCompressionSkipsWhenSummaryExists(t *testing.T) {
	cm := NewContextManager(&fakeProvider{}, ContextConfig{WorkingMemory: 18}, nil)
	msgs := messagesOfLen(40)
	msgs[0].Type = MessageThreadSummary

	if cm.NeedsCompression(msgs) {
		t.Error("existing thread_summary should suppress re-compression")
	}
}

func TestCompressSuccess(t *testing.T) {
	out := CompressionResult{Summary: "a narrative summary", Facts: CompressionFacts{CurrentGoal: "ship the feature"}}
	b, _ := json.Marshal(out)
	cm := NewContextManager(&fakeProvider{resp: ChatResponse{Content: string(b)}}, ContextConfig{WorkingMemory: 5}, nil)

	msgs := messagesOfLen(30)
	result, ids, err := cm.Compress(t.Context(), msgs)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if result.Summary != out.Summary {
		t.Errorf("Summary = %q, want %q", result.Summary, out.Summary)
	}
	if result.CompressedCount != 25 {
		t.Errorf("CompressedCount = %d, want 25", result.CompressedCount)
	}
	if len(ids) != 25 {
		t.Errorf("compressed ids = %d, want 25", len(ids))
	}
}

func TestCompressFallsBackOnProviderError(t *testing.T) {
	cm := NewContextManager(&fakeProvider{err: errors.New("provider down")}, ContextConfig{WorkingMemory: 5}, nil)

	result, ids, err := cm.Compress(t.Context(), messagesOfLen(30))
	if err != nil {
		t.Fatalf("Compress should degrade, not error: %v", err)
	}
	if result.Summary == "" {
		t.Error("expected non-empty literal fallback summary")
	}
	if len(ids) != 25 {
		t.Errorf("compressed ids = %d, want 25", len(ids))
	}
}

func TestCompressFallsBackOnSchemaViolation(t *testing.T) {
	cm := NewContextManager(&fakeProvider{resp: ChatResponse{Content: `{"facts": {}}`}}, ContextConfig{WorkingMemory: 5}, nil)

	result, _, err := cm.Compress(t.Context(), messagesOfLen(30))
	if err != nil {
		t.Fatalf("Compress should degrade, not error: %v", err)
	}
	if result.Summary == "" {
		t.Error("expected literal fallback when required 'summary' field is missing")
	}
}

func TestEstimateTokensSaved(t *testing.T) {
	old := []Message{{Content: json.RawMessage(make([]byte, 4000))}}
	got := EstimateTokensSaved(old, "short summary")
	if got <= 0 {
		t.Errorf("EstimateTokensSaved = %d, want > 0 for a large old content and short summary", got)
	}

	// With no old content the estimate would be negative; it is floored at 0.
	if got := EstimateTokensSaved(nil, "anything"); got != 0 {
		t.Errorf("EstimateTokensSaved with no old content = %d, want 0 (floored)", got)
	}
}

func TestMaterializeSummary(t *testing.T) {
	cr := CompressionResult{Summary: "earlier discussion about X"}
	b, _ := json.Marshal(cr)
	msg := Message{ID: "m1", Type: MessageThreadSummary, Content: b}

	chat, err := MaterializeSummary(msg)
	if err != nil {
		t.Fatalf("MaterializeSummary: %v", err)
	}
	if chat.Role != "user" {
		t.Errorf("Role = %q, want user", chat.Role)
	}
	if chat.Content == "" {
		t.Error("expected non-empty materialized content")
	}
}
