package corerun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/corerun/corerun/relstore"
)

// WriterMode selects between the two execution modes C5 supports.
type WriterMode int

const (
	// ModeReservation is the two-phase reservation commit: a credit hold is
	// taken before messages are inserted and only converted to a durable
	// deduction once the insert succeeds. Safe when the credit backend is
	// not known to be idempotent.
	ModeReservation WriterMode = iota
	// ModeSaga inserts messages first and attempts the deduction after,
	// compensating (marking the inserted messages Omitted; the rows are not
	// deleted) if the deduction fails.
	// Only appropriate when the credit backend can safely be retried.
	ModeSaga
)

// CreditConfig parameterises credit handling for the transactional writer.
type CreditConfig struct {
	WriterMode       WriterMode
	ReservationTTL   time.Duration // default 5 minutes
	MaxOutstanding   int           // per-process cap on concurrent holds
	MaxDLQAttempts   int           // attempts before a write is pushed to the DLQ
}

func (c CreditConfig) withDefaults() CreditConfig {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 5 * time.Minute
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = 1000
	}
	if c.MaxDLQAttempts <= 0 {
		c.MaxDLQAttempts = 3
	}
	return c
}

// CreditDeductor performs the actual debit against an account balance once
// a reservation or saga insert has made it safe to do so.
type CreditDeductor interface {
	Deduct(ctx context.Context, accountID string, amount float64) error
}

// WriteResult is returned by Write, matching spec §4.3's
// {success, messages_saved, credits_deducted, transaction_id, duration_ms}.
type WriteResult struct {
	Success         bool
	MessagesSaved   int
	CreditsDeducted float64
	TransactionID   string
	Duration        time.Duration
}

// TransactionalWriter is C5: it durably persists a batch of messages plus an
// optional credit deduction, using either a two-phase reservation commit or
// a forward saga with compensation, and routes writes that fail after
// retries to a dead-letter queue.
type TransactionalWriter struct {
	store    relstore.Store
	deductor CreditDeductor
	cfg      CreditConfig
}

// holdTable tracks in-flight reservations in process memory, so
// MaxOutstanding can be enforced without a round trip. No KV record of a
// hold is written.
type holdTable struct {
	mu    sync.Mutex
	holds map[string]Reservation
}

// NewTransactionalWriter builds a TransactionalWriter over store, using
// deductor for the actual balance debit.
func NewTransactionalWriter(store relstore.Store, deductor CreditDeductor, cfg CreditConfig) *TransactionalWriter {
	return &TransactionalWriter{
		store:    store,
		deductor: deductor,
		cfg:      cfg.withDefaults(),
	}
}

var holds = &holdTable{holds: make(map[string]Reservation)}

// Write persists messages and, if creditAmount > 0, deducts creditAmount
// from accountID, using the writer's configured mode.
func (w *TransactionalWriter) Write(ctx context.Context, runID, accountID, threadID string, messages []Message, creditAmount float64) (WriteResult, error) {
	start := time.Now()
	var result WriteResult

	switch w.cfg.WriterMode {
	case ModeSaga:
		result = w.writeSaga(ctx, runID, accountID, messages, creditAmount)
	default:
		result = w.writeReservation(ctx, runID, accountID, messages, creditAmount)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (w *TransactionalWriter) writeReservation(ctx context.Context, runID, accountID string, messages []Message, creditAmount float64) WriteResult {
	txID := NewID()
	var reservationID string

	if creditAmount > 0 {
		r := Reservation{ID: NewID(), AccountID: accountID, RunID: runID, Amount: creditAmount, CreatedAt: NowUnix(), TTLSecs: int64(w.cfg.ReservationTTL.Seconds())}
		if !holds.reserve(r, w.cfg.MaxOutstanding) {
			return WriteResult{Success: false, TransactionID: txID}
		}
		reservationID = r.ID
	}

	if err := w.insertWithRetry(ctx, runID, messages); err != nil {
		if reservationID != "" {
			holds.release(reservationID)
		}
		w.deadLetter(ctx, runID, WriteMessage, messages, err)
		return WriteResult{Success: false, TransactionID: txID}
	}

	deducted := 0.0
	if reservationID != "" {
		if err := w.deductor.Deduct(ctx, accountID, creditAmount); err != nil {
			// The hold is released below either way; messages are already durable,
			// so this is a persistence failure on the deduction alone.
			w.deadLetter(ctx, runID, WriteCreditDeduct, CreditDeduction{AccountID: accountID, RunID: runID, Amount: creditAmount, ReservationID: reservationID}, err)
		} else {
			_ = w.store.CommitCreditDeduction(ctx, CreditDeduction{AccountID: accountID, RunID: runID, Amount: creditAmount, ReservationID: reservationID})
			deducted = creditAmount
		}
		holds.release(reservationID)
	}

	return WriteResult{Success: true, MessagesSaved: len(messages), CreditsDeducted: deducted, TransactionID: txID}
}

func (w *TransactionalWriter) writeSaga(ctx context.Context, runID, accountID string, messages []Message, creditAmount float64) WriteResult {
	txID := NewID()

	if err := w.insertWithRetry(ctx, runID, messages); err != nil {
		w.deadLetter(ctx, runID, WriteMessage, messages, err)
		return WriteResult{Success: false, TransactionID: txID}
	}

	if creditAmount <= 0 {
		return WriteResult{Success: true, MessagesSaved: len(messages), TransactionID: txID}
	}

	if err := w.deductor.Deduct(ctx, accountID, creditAmount); err != nil {
		w.compensate(ctx, messages)
		return WriteResult{Success: false, TransactionID: txID}
	}

	reservationID := NewID() // saga mode has no hold; id here is only a ledger key
	_ = w.store.CommitCreditDeduction(ctx, CreditDeduction{AccountID: accountID, RunID: runID, Amount: creditAmount, ReservationID: reservationID})
	return WriteResult{Success: true, MessagesSaved: len(messages), CreditsDeducted: creditAmount, TransactionID: txID}
}

// compensate marks messages inserted by a saga write whose deduction
// failed as Omitted, in reverse order, best-effort. The rows are not deleted.
func (w *TransactionalWriter) compensate(ctx context.Context, messages []Message) {
	for i := len(messages) - 1; i >= 0; i-- {
		_ = w.store.ApplyMessageUpdate(ctx, MessageUpdate{MessageID: messages[i].ID, Omitted: boolPtr(true)})
	}
}

func (w *TransactionalWriter) insertWithRetry(ctx context.Context, runID string, messages []Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.store.InsertMessages(ctx, messages)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(w.cfg.MaxDLQAttempts)))
	if err != nil {
		return fmt.Errorf("writer: insert messages for run %s: %w", runID, err)
	}
	return nil
}

func (w *TransactionalWriter) deadLetter(ctx context.Context, runID string, kind PendingWriteKind, payload any, cause error) {
	b, _ := json.Marshal(payload)
	entry := DLQEntry{
		EntryID:      NewID(),
		RunID:        runID,
		WriteType:    kind,
		Payload:      b,
		Error:        cause.Error(),
		AttemptCount: w.cfg.MaxDLQAttempts,
		CreatedAt:    NowUnix(),
		FailedAt:     NowUnix(),
	}
	_ = w.store.EnqueueDLQ(ctx, entry)
}

// RetryDLQEntry re-attempts the persistence of one DLQ entry and removes it
// on success.
func (w *TransactionalWriter) RetryDLQEntry(ctx context.Context, entryID string) error {
	entries, err := w.store.ListDLQ(ctx, 10_000)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.EntryID != entryID {
			continue
		}
		switch e.WriteType {
		case WriteMessage:
			var msgs []Message
			if err := json.Unmarshal(e.Payload, &msgs); err != nil {
				return err
			}
			if err := w.store.InsertMessages(ctx, msgs); err != nil {
				return err
			}
		case WriteCreditDeduct:
			var d CreditDeduction
			if err := json.Unmarshal(e.Payload, &d); err != nil {
				return err
			}
			if err := w.store.CommitCreditDeduction(ctx, d); err != nil {
				return err
			}
		}
		return w.store.DeleteDLQ(ctx, entryID)
	}
	return relstore.ErrNotFound
}

// PurgeDLQ deletes DLQ entries older than retention.
func (w *TransactionalWriter) PurgeDLQ(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := NowUnix() - int64(retention.Seconds())
	return w.store.PurgeDLQOlderThan(ctx, cutoff)
}

// --- hold table ---

func (h *holdTable) reserve(r Reservation, max int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.holds) >= max {
		return false
	}
	h.holds[r.ID] = r
	return true
}

func (h *holdTable) release(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.holds, id)
}

// SweepExpiredHolds removes reservations whose TTL has elapsed, run
// periodically alongside the recovery sweeper so abandoned holds never
// accumulate past GC + grace.
func SweepExpiredHolds(grace time.Duration) int {
	holds.mu.Lock()
	defer holds.mu.Unlock()
	now := NowUnix()
	removed := 0
	for id, r := range holds.holds {
		if now-r.CreatedAt > r.TTLSecs+int64(grace.Seconds()) {
			delete(holds.holds, id)
			removed++
		}
	}
	return removed
}

func boolPtr(b bool) *bool { return &b }
