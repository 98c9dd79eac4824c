package corerun

import (
	"context"

	"github.com/corerun/corerun/relstore"
)

// RunFlusher adapts TransactionalWriter to the Flusher interface the write
// buffer drains into: it collapses one run's batch of PendingWrites into
// the single messages+credit Write call C5 expects, and applies any
// message-update writes directly against the store (they carry no credit
// or durability concern of their own).
type RunFlusher struct {
	writer *TransactionalWriter
	store  relstore.Store
}

// NewRunFlusher builds a RunFlusher over writer, using store for the
// metadata-only message updates writer.Write doesn't itself handle.
func NewRunFlusher(writer *TransactionalWriter, store relstore.Store) *RunFlusher {
	return &RunFlusher{writer: writer, store: store}
}

func (f *RunFlusher) Flush(ctx context.Context, runID string, writes []PendingWrite) error {
	var (
		messages  []Message
		accountID string
		threadID  string
		amount    float64
	)

	for _, w := range writes {
		switch w.Kind {
		case WriteMessage:
			if w.Message != nil {
				messages = append(messages, *w.Message)
				threadID = w.Message.ThreadID
			}
		case WriteCreditDeduct:
			if w.Deduction != nil {
				accountID = w.Deduction.AccountID
				amount += w.Deduction.Amount
			}
		case WriteMessageUpdate:
			if w.Update != nil {
				if err := f.store.ApplyMessageUpdate(ctx, *w.Update); err != nil {
					return err
				}
			}
		}
	}

	if len(messages) == 0 && amount == 0 {
		return nil
	}

	_, err := f.writer.Write(ctx, runID, accountID, threadID, messages, amount)
	return err
}

var _ Flusher = (*RunFlusher)(nil)
