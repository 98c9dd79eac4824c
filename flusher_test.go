package corerun

import "testing"

func TestRunFlusherFlushMessagesAndDeduction(t *testing.T) {
	store := &fakeRelStore{}
	deductor := &fakeDeductor{}
	writer := NewTransactionalWriter(store, deductor, CreditConfig{})
	flusher := NewRunFlusher(writer, store)

	msg := Message{ID: NewID(), ThreadID: "thread-1", Type: MessageAssistant, Content: []byte(`"hi"`)}
	writes := []PendingWrite{
		{Kind: WriteMessage, RunID: "run-1", Message: &msg},
		{Kind: WriteCreditDeduct, RunID: "run-1", Deduction: &CreditDeduction{AccountID: "acct-1", Amount: 2.5}},
	}

	if err := flusher.Flush(t.Context(), "run-1", writes); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected 1 message persisted, got %d", len(store.messages))
	}
	if deductor.sum != 2.5 {
		t.Errorf("expected deductor sum 2.5, got %f", deductor.sum)
	}
}

func TestRunFlusherFlushMessageUpdateOnly(t *testing.T) {
	store := &fakeRelStore{}
	msg := Message{ID: "msg-1", ThreadID: "thread-1"}
	store.messages = append(store.messages, msg)

	writer := NewTransactionalWriter(store, &fakeDeductor{}, CreditConfig{})
	flusher := NewRunFlusher(writer, store)

	omitted := true
	writes := []PendingWrite{
		{Kind: WriteMessageUpdate, RunID: "run-1", Update: &MessageUpdate{MessageID: "msg-1", Omitted: &omitted}},
	}

	if err := flusher.Flush(t.Context(), "run-1", writes); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if !store.messages[0].Omitted {
		t.Error("expected message to be marked omitted")
	}
}

func TestRunFlusherFlushEmptyNoop(t *testing.T) {
	store := &fakeRelStore{}
	writer := NewTransactionalWriter(store, &fakeDeductor{}, CreditConfig{})
	flusher := NewRunFlusher(writer, store)

	if err := flusher.Flush(t.Context(), "run-1", nil); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if len(store.messages) != 0 {
		t.Errorf("expected no messages persisted, got %d", len(store.messages))
	}
}
