// Package sqlite implements relstore.Store using pure-Go SQLite
// (modernc.org/sqlite). Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/corerun/corerun"
	"github.com/corerun/corerun/relstore"
)

// Option configures a SQLite Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements relstore.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ relstore.Store = (*Store)(nil)

// New opens a Store using a local SQLite file at dbPath. It opens a single
// shared connection (SetMaxOpenConns(1)) so that all goroutines serialize
// through one connection, eliminating SQLITE_BUSY errors caused by
// concurrent writers opening independent connections.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("relstore/sqlite: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,

		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			cache_hash TEXT NOT NULL DEFAULT '',
			cache_rebuild INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS threads_project_idx ON threads(project_id)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			heartbeat_time INTEGER NOT NULL,
			termination_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS runs_thread_idx ON runs(thread_id)`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			linked_message_id TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			omitted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE(thread_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_seq_idx ON messages(thread_id, sequence)`,

		`CREATE TABLE IF NOT EXISTS credit_deductions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			amount REAL NOT NULL,
			reservation_id TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS credit_deductions_account_idx ON credit_deductions(account_id)`,

		`CREATE TABLE IF NOT EXISTS dlq_entries (
			entry_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			write_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			failed_at INTEGER NOT NULL
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
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS resources_status_idx ON resources(status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS resources_project_idx ON resources(project_id) WHERE project_id <> ''`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("relstore/sqlite: init: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run corerun.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, account_id, thread_id, owner, status, start_time, heartbeat_time, termination_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AccountID, run.ThreadID, run.Owner, string(run.Status), run.StartTime, run.HeartbeatTime, run.TerminationReason)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (corerun.Run, error) {
	var r corerun.Run
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, thread_id, owner, status, start_time, heartbeat_time, termination_reason
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.AccountID, &r.ThreadID, &r.Owner, &status, &r.StartTime, &r.HeartbeatTime, &r.TerminationReason)
	if err == sql.ErrNoRows {
		return corerun.Run{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Run{}, fmt.Errorf("relstore/sqlite: get run: %w", err)
	}
	r.Status = corerun.RunStatus(status)
	return r, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, expect, next corerun.RunStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, termination_reason = ? WHERE id = ? AND status = ?`,
		string(next), reason, id, string(expect))
	if err != nil {
		return fmt.Errorf("relstore/sqlite: update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relstore/sqlite: update run status: %w", err)
	}
	if n == 0 {
		return relstore.ErrConflict
	}
	return nil
}

func (s *Store) TouchRunHeartbeat(ctx context.Context, id string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET heartbeat_time = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: touch heartbeat: %w", err)
	}
	return nil
}

// --- Projects / Threads ---

func (s *Store) CreateProject(ctx context.Context, p corerun.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, account_id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Name, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (corerun.Project, error) {
	var p corerun.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return corerun.Project{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Project{}, fmt.Errorf("relstore/sqlite: get project: %w", err)
	}
	return p, nil
}

func (s *Store) CreateThread(ctx context.Context, th corerun.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		th.ID, th.ProjectID, th.CreatedAt, th.UpdatedAt)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: create thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (corerun.Thread, error) {
	var th corerun.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, created_at, updated_at, cache_hash, cache_rebuild FROM threads WHERE id = ?`, id,
	).Scan(&th.ID, &th.ProjectID, &th.CreatedAt, &th.UpdatedAt, &th.CacheHash, &th.CacheRebuild)
	if err == sql.ErrNoRows {
		return corerun.Thread{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Thread{}, fmt.Errorf("relstore/sqlite: get thread: %w", err)
	}
	return th, nil
}

func (s *Store) SetThreadCacheState(ctx context.Context, id, hash string, rebuild bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET cache_hash = ?, cache_rebuild = ? WHERE id = ?`, hash, rebuild, id)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: set thread cache state: %w", err)
	}
	return nil
}

func (s *Store) TouchThread(ctx context.Context, id string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: touch thread: %w", err)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: insert messages: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range msgs {
		toolCalls, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("relstore/sqlite: marshal tool_calls: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, sequence, type, content, tool_call_id, linked_message_id, tool_calls, omitted, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ThreadID, m.Sequence, string(m.Type), string(m.Content), m.ToolCallID, m.LinkedMessageID, string(toolCalls), m.Omitted, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("relstore/sqlite: insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetMessages(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]corerun.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, sequence, type, content, tool_call_id, linked_message_id, tool_calls, omitted, created_at
		 FROM messages WHERE thread_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		threadID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("relstore/sqlite: get messages: %w", err)
	}
	defer rows.Close()

	var out []corerun.Message
	for rows.Next() {
		var m corerun.Message
		var typ, content string
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Sequence, &typ, &content, &m.ToolCallID, &m.LinkedMessageID, &toolCalls, &m.Omitted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("relstore/sqlite: scan message: %w", err)
		}
		m.Type = corerun.MessageType(typ)
		m.Content = []byte(content)
		if toolCalls.Valid && toolCalls.String != "" && toolCalls.String != "null" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("relstore/sqlite: unmarshal tool_calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) NextSequence(ctx context.Context, threadID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE thread_id = ?`, threadID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("relstore/sqlite: next sequence: %w", err)
	}
	return max.Int64 + 1, nil
}

func (s *Store) ApplyMessageUpdate(ctx context.Context, u corerun.MessageUpdate) error {
	if u.Omitted != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE messages SET omitted = ? WHERE id = ?`, *u.Omitted, u.MessageID); err != nil {
			return fmt.Errorf("relstore/sqlite: apply omitted update: %w", err)
		}
	}
	if u.StripToolCalls {
		if _, err := s.db.ExecContext(ctx, `UPDATE messages SET tool_calls = NULL WHERE id = ?`, u.MessageID); err != nil {
			return fmt.Errorf("relstore/sqlite: strip tool calls: %w", err)
		}
	}
	return nil
}

// --- Credit deductions ---

func (s *Store) CommitCreditDeduction(ctx context.Context, d corerun.CreditDeduction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO credit_deductions (account_id, run_id, amount, reservation_id) VALUES (?, ?, ?, ?)`,
		d.AccountID, d.RunID, d.Amount, d.ReservationID)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: commit credit deduction: %w", err)
	}
	return nil
}

func (s *Store) SumDeductions(ctx context.Context, accountID string) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM credit_deductions WHERE account_id = ?`, accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("relstore/sqlite: sum deductions: %w", err)
	}
	return sum.Float64, nil
}

// --- Dead-letter queue ---

func (s *Store) EnqueueDLQ(ctx context.Context, e corerun.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq_entries (entry_id, run_id, write_type, payload, error, attempt_count, created_at, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entry_id) DO UPDATE SET attempt_count = excluded.attempt_count, error = excluded.error, failed_at = excluded.failed_at`,
		e.EntryID, e.RunID, string(e.WriteType), string(e.Payload), e.Error, e.AttemptCount, e.CreatedAt, e.FailedAt)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: enqueue dlq: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, limit int) ([]corerun.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, run_id, write_type, payload, error, attempt_count, created_at, failed_at
		 FROM dlq_entries ORDER BY failed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("relstore/sqlite: list dlq: %w", err)
	}
	defer rows.Close()

	var out []corerun.DLQEntry
	for rows.Next() {
		var e corerun.DLQEntry
		var writeType, payload string
		if err := rows.Scan(&e.EntryID, &e.RunID, &writeType, &payload, &e.Error, &e.AttemptCount, &e.CreatedAt, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("relstore/sqlite: scan dlq: %w", err)
		}
		e.WriteType = corerun.PendingWriteKind(writeType)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDLQ(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: delete dlq: %w", err)
	}
	return nil
}

func (s *Store) PurgeDLQOlderThan(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq_entries WHERE failed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("relstore/sqlite: purge dlq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("relstore/sqlite: purge dlq: %w", err)
	}
	return int(n), nil
}

// --- Resources ---

func (s *Store) CreateResource(ctx context.Context, r corerun.Resource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Status), r.OwnedBy, r.ProjectID, r.ContainerID, r.PreviewURL, r.Token, r.CreatedAt, r.LastUsedAt)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: create resource: %w", err)
	}
	return nil
}

func (s *Store) GetResource(ctx context.Context, id string) (corerun.Resource, error) {
	return s.scanResource(ctx, `SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at FROM resources WHERE id = ?`, id)
}

func (s *Store) GetResourceByProject(ctx context.Context, projectID string) (corerun.Resource, error) {
	return s.scanResource(ctx, `SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at FROM resources WHERE project_id = ?`, projectID)
}

func (s *Store) scanResource(ctx context.Context, query string, arg any) (corerun.Resource, error) {
	var r corerun.Resource
	var status string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&r.ID, &status, &r.OwnedBy, &r.ProjectID, &r.ContainerID, &r.PreviewURL, &r.Token, &r.CreatedAt, &r.LastUsedAt)
	if err == sql.ErrNoRows {
		return corerun.Resource{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/sqlite: get resource: %w", err)
	}
	r.Status = corerun.ResourceStatus(status)
	return r, nil
}

// ClaimPooledResource relies on the single shared connection (SetMaxOpenConns(1))
// to make the select-then-update sequence atomic with respect to other
// goroutines in this process; SQLite itself still serializes writers.
func (s *Store) ClaimPooledResource(ctx context.Context, accountID, projectID string, at int64) (corerun.Resource, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/sqlite: claim resource: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM resources WHERE status = ? ORDER BY created_at ASC LIMIT 1`,
		string(corerun.ResourcePooled),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return corerun.Resource{}, relstore.ErrNotFound
	}
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/sqlite: claim resource: select: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE resources SET status = ?, owned_by = ?, project_id = ?, last_used_at = ? WHERE id = ?`,
		string(corerun.ResourceActive), accountID, projectID, at, id)
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/sqlite: claim resource: update: %w", err)
	}

	r, err := s.scanResourceTx(ctx, tx, id)
	if err != nil {
		return corerun.Resource{}, err
	}
	if err := tx.Commit(); err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/sqlite: claim resource: commit: %w", err)
	}
	return r, nil
}

func (s *Store) scanResourceTx(ctx context.Context, tx *sql.Tx, id string) (corerun.Resource, error) {
	var r corerun.Resource
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at FROM resources WHERE id = ?`, id,
	).Scan(&r.ID, &status, &r.OwnedBy, &r.ProjectID, &r.ContainerID, &r.PreviewURL, &r.Token, &r.CreatedAt, &r.LastUsedAt)
	if err != nil {
		return corerun.Resource{}, fmt.Errorf("relstore/sqlite: claim resource: reselect: %w", err)
	}
	r.Status = corerun.ResourceStatus(status)
	return r, nil
}

func (s *Store) UpdateResourceStatus(ctx context.Context, id string, status corerun.ResourceStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE resources SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: update resource status: %w", err)
	}
	return nil
}

func (s *Store) TouchResource(ctx context.Context, id string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE resources SET last_used_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("relstore/sqlite: touch resource: %w", err)
	}
	return nil
}

func (s *Store) CountPooledResources(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE status = ?`, string(corerun.ResourcePooled)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("relstore/sqlite: count pooled resources: %w", err)
	}
	return n, nil
}

func (s *Store) ListStaleResources(ctx context.Context, cutoff int64) ([]corerun.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, owned_by, project_id, container_id, preview_url, token, created_at, last_used_at
		 FROM resources WHERE status IN (?, ?) AND last_used_at < ?`,
		string(corerun.ResourcePooled), string(corerun.ResourceActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("relstore/sqlite: list stale resources: %w", err)
	}
	defer rows.Close()

	var out []corerun.Resource
	for rows.Next() {
		var r corerun.Resource
		var status string
		if err := rows.Scan(&r.ID, &status, &r.OwnedBy, &r.ProjectID, &r.ContainerID, &r.PreviewURL, &r.Token, &r.CreatedAt, &r.LastUsedAt); err != nil {
			return nil, fmt.Errorf("relstore/sqlite: list stale resources: scan: %w", err)
		}
		r.Status = corerun.ResourceStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
