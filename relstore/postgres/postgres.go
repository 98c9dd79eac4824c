// Package postgres implements relstore.Store using PostgreSQL via pgx/v5.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corerun/corerun"
	"github.com/corerun/corerun/relstore"
)

// Store implements relstore.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ relstore.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			cache_hash TEXT NOT NULL DEFAULT '',
			cache_rebuild BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS threads_project_idx ON threads(project_id)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			start_time BIGINT NOT NULL,
			heartbeat_time BIGINT NOT NULL,
			termination_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS runs_thread_idx ON runs(thread_id)`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			type TEXT NOT NULL,
			content JSONB NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			linked_message_id TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			omitted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			UNIQUE(thread_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_seq_idx ON messages(thread_id, sequence)`,

		`CREATE TABLE IF NOT EXISTS credit_deductions (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			reservation_id TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS credit_deductions_account_idx ON credit_deductions(account_id)`,

		`CREATE TABLE IF NOT EXISTS dlq_entries (
			entry_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			write_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			error TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			failed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS dlq_entries_created_idx ON dlq_entries(created_at)`,

		`CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			owned_by TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			preview_url TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			last_used_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS resources_status_idx ON resources(status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS resources_project_idx ON resources(project_id) WHERE project_id <> ''`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("relstore/postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run corerun.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, account_id, thread_id, owner, status, start_time, heartbeat_time, termination_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.AccountID, run.ThreadID, run.Owner, run.Status, run.StartTime, run.HeartbeatTime, run.TerminationReason)
	if err != nil {
		return fmt.Errorf("relstore/postgres: create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (corerun.Run, error) {
	var r corerun.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, thread_id, owner, status, start_time, heartbeat_time, termination_reason
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.AccountID, &r.ThreadID, &r.Owner, &r.Status, &r.StartTime, &r.HeartbeatTime, &r.TerminationReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return corerun.Run{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Run{}, fmt.Errorf("relstore/postgres: get run: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, expect, next corerun.RunStatus, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, termination_reason = $2 WHERE id = $3 AND status = $4`,
		next, reason, id, expect)
	if err != nil {
		return fmt.Errorf("relstore/postgres: update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return relstore.ErrConflict
	}
	return nil
}

func (s *Store) TouchRunHeartbeat(ctx context.Context, id string, at int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET heartbeat_time = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("relstore/postgres: touch heartbeat: %w", err)
	}
	return nil
}

// --- Projects / Threads ---

func (s *Store) CreateProject(ctx context.Context, p corerun.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, account_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.AccountID, p.Name, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("relstore/postgres: create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (corerun.Project, error) {
	var p corerun.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, name, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return corerun.Project{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Project{}, fmt.Errorf("relstore/postgres: get project: %w", err)
	}
	return p, nil
}

func (s *Store) CreateThread(ctx context.Context, th corerun.Thread) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, project_id, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		th.ID, th.ProjectID, th.CreatedAt, th.UpdatedAt)
	if err != nil {
		return fmt.Errorf("relstore/postgres: create thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (corerun.Thread, error) {
	var th corerun.Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, created_at, updated_at, cache_hash, cache_rebuild FROM threads WHERE id = $1`, id,
	).Scan(&th.ID, &th.ProjectID, &th.CreatedAt, &th.UpdatedAt, &th.CacheHash, &th.CacheRebuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return corerun.Thread{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Thread{}, fmt.Errorf("relstore/postgres: get thread: %w", err)
	}
	return th, nil
}

func (s *Store) TouchThread(ctx context.Context, id string, at int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE threads SET updated_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("relstore/postgres: touch thread: %w", err)
	}
	return nil
}

func (s *Store) SetThreadCacheState(ctx context.Context, id, hash string, rebuild bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE threads SET cache_hash = $1, cache_rebuild = $2 WHERE id = $3`, hash, rebuild, id)
	if err != nil {
		return fmt.Errorf("relstore/postgres: set thread cache state: %w", err)
	}
	return nil
}

// --- Messages ---

func (s *Store) InsertMessage(ctx context.Context, msg corerun.Message) error {
	return s.InsertMessages(ctx, []corerun.Message{msg})
}

func (s *Store) InsertMessages(ctx context.Context, msgs []corerun.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relstore/postgres: insert messages: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, m := range msgs {
		toolCalls, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("relstore/postgres: marshal tool_calls: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, thread_id, sequence, type, content, tool_call_id, linked_message_id, tool_calls, omitted, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, m.ThreadID, m.Sequence, m.Type, []byte(m.Content), m.ToolCallID, m.LinkedMessageID, toolCalls, m.Omitted, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("relstore/postgres: insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetMessages(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]corerun.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, sequence, type, content, tool_call_id, linked_message_id, tool_calls, omitted, created_at
		 FROM messages WHERE thread_id = $1 AND sequence > $2 ORDER BY sequence ASC LIMIT $3`,
		threadID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("relstore/postgres: get messages: %w", err)
	}
	defer rows.Close()

	var out []corerun.Message
	for rows.Next() {
		var m corerun.Message
		var toolCalls []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Sequence, &m.Type, (*[]byte)(&m.Content), &m.ToolCallID, &m.LinkedMessageID, &toolCalls, &m.Omitted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("relstore/postgres: scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("relstore/postgres: unmarshal tool_calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) NextSequence(ctx context.Context, threadID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE thread_id = $1`, threadID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("relstore/postgres: next sequence: %w", err)
	}
	return max + 1, nil
}

func (s *Store) ApplyMessageUpdate(ctx context.Context, u corerun.MessageUpdate) error {
	if u.Omitted != nil {
		if _, err := s.pool.Exec(ctx, `UPDATE messages SET omitted = $1 WHERE id = $2`, *u.Omitted, u.MessageID); err != nil {
			return fmt.Errorf("relstore/postgres: apply omitted update: %w", err)
		}
	}
	if u.StripToolCalls {
		if _, err := s.pool.Exec(ctx, `UPDATE messages SET tool_calls = NULL WHERE id = $1`, u.MessageID); err != nil {
			return fmt.Errorf("relstore/postgres: strip tool calls: %w", err)
		}
	}
	return nil
}

// --- Credit deductions ---

func (s *Store) CommitCreditDeduction(ctx context.Context, d corerun.CreditDeduction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_deductions (account_id, run_id, amount, reservation_id) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (reservation_id) DO NOTHING`,
		d.AccountID, d.RunID, d.Amount, d.ReservationID)
	if err != nil {
		return fmt.Errorf("relstore/postgres: commit credit deduction: %w", err)
	}
	return nil
}

func (s *Store) SumDeductions(ctx context.Context, accountID string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_deductions WHERE account_id = $1`, accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("relstore/postgres: sum deductions: %w", err)
	}
	return sum, nil
}

// --- Dead-letter queue ---

func (s *Store) EnqueueDLQ(ctx context.Context, e corerun.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dlq_entries (entry_id, run_id, write_type, payload, error, attempt_count, created_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (entry_id) DO UPDATE SET attempt_count = EXCLUDED.attempt_count, error = EXCLUDED.error, failed_at = EXCLUDED.failed_at`,
		e.EntryID, e.RunID, e.WriteType, []byte(e.Payload), e.Error, e.AttemptCount, e.CreatedAt, e.FailedAt)
	if err != nil {
		return fmt.Errorf("relstore/postgres: enqueue dlq: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, limit int) ([]corerun.DLQEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry_id, run_id, write_type, payload, error, attempt_count, created_at, failed_at
		 FROM dlq_entries ORDER BY failed_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("relstore/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var out []corerun.DLQEntry
	for rows.Next() {
		var e corerun.DLQEntry
		if err := rows.Scan(&e.EntryID, &e.RunID, &e.WriteType, (*[]byte)(&e.Payload), &e.Error, &e.AttemptCount, &e.CreatedAt, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("relstore/postgres: scan dlq: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDLQ(ctx context.Context, entryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dlq_entries WHERE entry_id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("relstore/postgres: delete dlq: %w", err)
	}
	return nil
}

func (s *Store) PurgeDLQOlderThan(ctx context.Context, cutoff int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dlq_entries WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("relstore/postgres: purge dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Resources ---

func (s *Store) CreateResource(ctx context.Context, r corerun.Resource) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resources (id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Status, r.OwnedBy, r.ProjectID, r.ContainerID, r.PreviewURL, r.Token, r.CreatedAt, r.LastUsedAt)
	if err != nil {
		return fmt.Errorf("relstore/postgres: create resource: %w", err)
	}
	return nil
}

func (s *Store) GetResource(ctx context.Context, id string) (corerun.Resource, error) {
	return s.scanResource(ctx, `SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at FROM resources WHERE id = $1`, id)
}

func (s *Store) GetResourceByProject(ctx context.Context, projectID string) (corerun.Resource, error) {
	return s.scanResource(ctx, `SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at FROM resources WHERE project_id = $1`, projectID)
}

func (s *Store) scanResource(ctx context.Context, query string, arg any) (corerun.Resource, error) {
	var r corerun.Resource
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&r.ID, &r.Status, &r.OwnedBy, &r.ProjectID, &r.ContainerID, &r.PreviewURL, &r.Token, &r.CreatedAt, &r.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return corerun.Resource{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/postgres: get resource: %w", err)
	}
	return r, nil
}

// ClaimPooledResource picks one pooled row with SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent resolvers never race on the same sandbox, then
// activates it for (accountID, projectID) in the same transaction.
func (s *Store) ClaimPooledResource(ctx context.Context, accountID, projectID string, at int64) (corerun.Resource, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/postgres: claim resource: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id string
	err = tx.QueryRow(ctx,
		`SELECT id FROM resources WHERE status = $1 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		corerun.ResourcePooled,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return corerun.Resource{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/postgres: claim resource: select: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE resources SET status = $1, owned_by = $2, project_id = $3, last_used_at = $4 WHERE id = $5`,
		corerun.ResourceActive, accountID, projectID, at, id)
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/postgres: claim resource: update: %w", err)
	}

	var r corerun.Resource
	err = tx.QueryRow(ctx,
		`SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at FROM resources WHERE id = $1`, id,
	).Scan(&r.ID, &r.Status, &r.OwnedBy, &r.ProjectID, &r.ContainerID, &r.PreviewURL, &r.Token, &r.CreatedAt, &r.LastUsedAt)
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/postgres: claim resource: reselect: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/postgres: claim resource: commit: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateResourceStatus(ctx context.Context, id string, status corerun.ResourceStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE resources SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("relstore/postgres: update resource status: %w", err)
	}
	return nil
}

func (s *Store) TouchResource(ctx context.Context, id string, at int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE resources SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("relstore/postgres: touch resource: %w", err)
	}
	return nil
}

func (s *Store) CountPooledResources(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM resources WHERE status = $1`, corerun.ResourcePooled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("relstore/postgres: count pooled resources: %w", err)
	}
	return n, nil
}

func (s *Store) ListStaleResources(ctx context.Context, cutoff int64) ([]corerun.Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at
		 FROM resources WHERE status IN ($1, $2) AND last_used_at < $3`,
		corerun.ResourcePooled, corerun.ResourceActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("relstore/postgres: list stale resources: %w", err)
	}
	defer rows.Close()

	var out []corerun.Resource
	for rows.Next() {
		var r corerun.Resource
		if err := rows.Scan(&r.ID, &r.Status, &r.OwnedBy, &r.ProjectID, &r.ContainerID, &r.PreviewURL, &r.Token, &r.CreatedAt, &r.LastUsedAt); err != nil {
			return nil, fmt.Errorf("relstore/postgres: list stale resources: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
