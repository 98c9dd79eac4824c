// Package relstore abstracts the relational store that durably holds runs,
// threads, messages, credit deductions, the dead-letter queue, and resource
// (sandbox) rows — everything the write buffer and transactional writer
// eventually persist (spec §4.3, §6 "relational store").
package relstore

import (
	"context"
	"errors"

	"github.com/corerun/corerun"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("relstore: not found")

// ErrConflict is returned by a conditional update (e.g. CAS on run status)
// whose precondition no longer holds.
var ErrConflict = errors.New("relstore: conflict")

// Store is the relational persistence surface. Implementations must make
// CreateRun/InsertMessage/CommitCreditDeduction individually atomic; the
// transactional writer (writer.go) composes them into the two-phase
// reservation-commit sequence spec §4.3 describes rather than requiring a
// single cross-table transaction from the Store itself.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run corerun.Run) error
	GetRun(ctx context.Context, id string) (corerun.Run, error)
	// UpdateRunStatus performs a compare-and-swap: the update applies only
	// if the run's current status equals expect, enforcing status
	// monotonicity without a row lock held across a network round trip.
	UpdateRunStatus(ctx context.Context, id string, expect, next corerun.RunStatus, reason string) error
	TouchRunHeartbeat(ctx context.Context, id string, at int64) error

	// Projects / Threads
	CreateProject(ctx context.Context, p corerun.Project) error
	GetProject(ctx context.Context, id string) (corerun.Project, error)
	CreateThread(ctx context.Context, th corerun.Thread) error
	GetThread(ctx context.Context, id string) (corerun.Thread, error)
	TouchThread(ctx context.Context, id string, at int64) error
	// SetThreadCacheState persists the prompt-cache layout hash and rebuild
	// flag the strategist (C9) computed for this thread.
	SetThreadCacheState(ctx context.Context, id, hash string, rebuild bool) error

	// Messages
	InsertMessage(ctx context.Context, msg corerun.Message) error
	// InsertMessages inserts a batch atomically, used by the write buffer
	// to flush several queued messages from one run in a single round trip.
	InsertMessages(ctx context.Context, msgs []corerun.Message) error
	GetMessages(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]corerun.Message, error)
	NextSequence(ctx context.Context, threadID string) (int64, error)
	ApplyMessageUpdate(ctx context.Context, u corerun.MessageUpdate) error

	// Credit deductions
	CommitCreditDeduction(ctx context.Context, d corerun.CreditDeduction) error
	SumDeductions(ctx context.Context, accountID string) (float64, error)

	// Dead-letter queue
	EnqueueDLQ(ctx context.Context, e corerun.DLQEntry) error
	ListDLQ(ctx context.Context, limit int) ([]corerun.DLQEntry, error)
	DeleteDLQ(ctx context.Context, entryID string) error
	PurgeDLQOlderThan(ctx context.Context, cutoff int64) (int, error)

	// Resources (sandboxes)
	CreateResource(ctx context.Context, r corerun.Resource) error
	GetResource(ctx context.Context, id string) (corerun.Resource, error)
	GetResourceByProject(ctx context.Context, projectID string) (corerun.Resource, error)
	// ClaimPooledResource atomically transitions one ResourcePooled row to
	// ResourceActive owned by (accountID, projectID), or returns
	// ErrNotFound if the pool is empty.
	ClaimPooledResource(ctx context.Context, accountID, projectID string, at int64) (corerun.Resource, error)
	UpdateResourceStatus(ctx context.Context, id string, status corerun.ResourceStatus) error
	TouchResource(ctx context.Context, id string, at int64) error
	CountPooledResources(ctx context.Context) (int, error)
	// ListStaleResources returns pooled or active resources last used before
	// cutoff, for the sandbox pool's cleanup_stale_sandboxes pass.
	ListStaleResources(ctx context.Context, cutoff int64) ([]corerun.Resource, error)

	// Init creates schema objects if absent. Safe to call repeatedly.
	Init(ctx context.Context) error
	Close() error
}
