package corerun

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/corerun/corerun/relstore"
)

type fakeRelStore struct {
	relstore.Store // embed to satisfy interface; only overridden methods are exercised

	mu         sync.Mutex
	messages   []Message
	deductions []CreditDeduction
	dlq        []DLQEntry
	insertFail bool
}

func (f *fakeRelStore) InsertMessages(_ context.Context, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFail {
		return errors.New("insert failed")
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeRelStore) ApplyMessageUpdate(_ context.Context, u MessageUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.ID == u.MessageID && u.Omitted != nil {
			f.messages[i].Omitted = *u.Omitted
		}
	}
	return nil
}

func (f *fakeRelStore) CommitCreditDeduction(_ context.Context, d CreditDeduction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deductions = append(f.deductions, d)
	return nil
}

func (f *fakeRelStore) EnqueueDLQ(_ context.Context, e DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, e)
	return nil
}

func (f *fakeRelStore) ListDLQ(_ context.Context, _ int) ([]DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DLQEntry(nil), f.dlq...), nil
}

func (f *fakeRelStore) DeleteDLQ(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.dlq {
		if e.EntryID == entryID {
			f.dlq = append(f.dlq[:i], f.dlq[i+1:]...)
			return nil
		}
	}
	return relstore.ErrNotFound
}

type fakeDeductor struct {
	mu   sync.Mutex
	fail bool
	sum  float64
}

func (d *fakeDeductor) Deduct(_ context.Context, _ string, amount float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("deduct failed")
	}
	d.sum += amount
	return nil
}

func TestWriteReservationCommitsOnSuccess(t *testing.T) {
	store := &fakeRelStore{}
	deductor := &fakeDeductor{}
	w := NewTransactionalWriter(store, deductor, CreditConfig{})
	ctx := t.Context()

	msgs := []Message{{ID: NewID(), ThreadID: "t1", Sequence: 1, Type: MessageUser}}
	result, err := w.Write(ctx, "run-1", "acct-1", "t1", msgs, 2.0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !result.Success || result.CreditsDeducted != 2.0 {
		t.Fatalf("result = %+v, want success with 2.0 deducted", result)
	}
	if len(store.deductions) != 1 {
		t.Errorf("deductions recorded = %d, want 1", len(store.deductions))
	}
}

func TestWriteReservationRollsBackOnInsertFailure(t *testing.T) {
	store := &fakeRelStore{insertFail: true}
	deductor := &fakeDeductor{}
	w := NewTransactionalWriter(store, deductor, CreditConfig{MaxDLQAttempts: 1})
	ctx := t.Context()

	msgs := []Message{{ID: NewID(), ThreadID: "t1", Sequence: 1, Type: MessageUser}}
	result, err := w.Write(ctx, "run-1", "acct-1", "t1", msgs, 2.0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if result.Success {
		t.Fatal("expected failed write")
	}
	if deductor.sum != 0 {
		t.Error("deduction should not occur when insert fails")
	}
	if len(store.dlq) != 1 {
		t.Errorf("dlq entries = %d, want 1", len(store.dlq))
	}
}

func TestWriteReservationDeadLettersFailedDeduction(t *testing.T) {
	store := &fakeRelStore{}
	deductor := &fakeDeductor{fail: true}
	w := NewTransactionalWriter(store, deductor, CreditConfig{})
	ctx := t.Context()

	msgs := []Message{{ID: NewID(), ThreadID: "t1", Sequence: 1, Type: MessageUser}}
	result, err := w.Write(ctx, "run-1", "acct-1", "t1", msgs, 2.0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Messages persist even though the deduction failed.
	if !result.Success || len(store.messages) != 1 {
		t.Fatalf("result = %+v, messages = %d; want success with message persisted", result, len(store.messages))
	}
	if len(store.dlq) != 1 {
		t.Errorf("dlq entries = %d, want 1 (failed deduction)", len(store.dlq))
	}
}

func TestWriteSagaCompensatesOnDeductionFailure(t *testing.T) {
	store := &fakeRelStore{}
	deductor := &fakeDeductor{fail: true}
	w := NewTransactionalWriter(store, deductor, CreditConfig{WriterMode: ModeSaga})
	ctx := t.Context()

	id := NewID()
	msgs := []Message{{ID: id, ThreadID: "t1", Sequence: 1, Type: MessageUser}}
	result, err := w.Write(ctx, "run-1", "acct-1", "t1", msgs, 2.0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if result.Success {
		t.Fatal("expected failed saga write")
	}
	if !store.messages[0].Omitted {
		t.Error("expected inserted message to be marked omitted as compensation")
	}
}

func TestRetryDLQEntrySucceedsAfterTransientFailureClears(t *testing.T) {
	store := &fakeRelStore{insertFail: true}
	deductor := &fakeDeductor{}
	w := NewTransactionalWriter(store, deductor, CreditConfig{MaxDLQAttempts: 1})
	ctx := t.Context()

	msgs := []Message{{ID: NewID(), ThreadID: "t1", Sequence: 1, Type: MessageUser}}
	result, _ := w.Write(ctx, "run-1", "acct-1", "t1", msgs, 0)
	if result.Success {
		t.Fatal("expected initial write to fail")
	}
	if len(store.dlq) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(store.dlq))
	}

	store.insertFail = false
	entryID := store.dlq[0].EntryID
	if err := w.RetryDLQEntry(ctx, entryID); err != nil {
		t.Fatalf("RetryDLQEntry: %v", err)
	}
	if len(store.dlq) != 0 {
		t.Errorf("dlq entries after retry = %d, want 0", len(store.dlq))
	}
	if len(store.messages) != 1 {
		t.Errorf("messages after retry = %d, want 1", len(store.messages))
	}
}
